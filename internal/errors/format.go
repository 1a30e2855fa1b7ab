package errors

import (
	"errors"
	"fmt"
	"strings"
)

// FormatForCLI formats an error for terminal output.
func FormatForCLI(err error) string {
	if err == nil {
		return ""
	}

	var ae *AmanError
	if !errors.As(err, &ae) {
		return fmt.Sprintf("Error: %s\n", err.Error())
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Error: %s\n", ae.Message))
	if ae.Suggestion != "" {
		sb.WriteString(fmt.Sprintf("  Hint: %s\n", ae.Suggestion))
	}
	sb.WriteString(fmt.Sprintf("  Code: %s\n", ae.Code))
	return sb.String()
}

// LogAttrs flattens an error into key-value pairs for slog.
func LogAttrs(err error) []any {
	if err == nil {
		return nil
	}

	var ae *AmanError
	if !errors.As(err, &ae) {
		return []any{"error", err.Error()}
	}

	attrs := []any{
		"error", err.Error(),
		"error_code", ae.Code,
		"category", string(ae.Category),
		"retryable", ae.Retryable,
	}
	for k, v := range ae.Details {
		attrs = append(attrs, "detail_"+k, v)
	}
	return attrs
}

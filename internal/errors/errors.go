package errors

import (
	"errors"
	"fmt"
)

// AmanError is the structured error type for amanindex.
// It carries a stable code plus enough context for logging and CLI output.
type AmanError struct {
	// Code is the unique error code (e.g., "ERR_201_FILE_NOT_FOUND").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Config, IO, Network, etc.).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool

	// Suggestion is an actionable suggestion for the user.
	Suggestion string
}

// Error implements the error interface.
func (e *AmanError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *AmanError) Unwrap() error {
	return e.Cause
}

// Is matches another AmanError by code so errors.Is works across wrapping.
func (e *AmanError) Is(target error) bool {
	if t, ok := target.(*AmanError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
func (e *AmanError) WithDetail(key, value string) *AmanError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithSuggestion adds an actionable suggestion for the user.
func (e *AmanError) WithSuggestion(suggestion string) *AmanError {
	e.Suggestion = suggestion
	return e
}

// New creates a new AmanError with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *AmanError {
	return &AmanError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap creates an AmanError from an existing error.
// The error's message becomes the AmanError message.
func Wrap(code string, err error) *AmanError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// ConfigError creates a configuration-related error.
func ConfigError(message string, cause error) *AmanError {
	return New(ErrCodeConfigInvalid, message, cause)
}

// NetworkError creates a network-related error.
// Network errors are retryable.
func NetworkError(message string, cause error) *AmanError {
	return New(ErrCodeNetworkUnavailable, message, cause)
}

// ValidationError creates a validation-related error.
func ValidationError(message string, cause error) *AmanError {
	return New(ErrCodeInvalidInput, message, cause)
}

// StoreError creates a vector store write error.
func StoreError(message string, cause error) *AmanError {
	return New(ErrCodeStoreWrite, message, cause)
}

// permanentError marks an error as not worth retrying.
type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps err so that Retry returns it without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether retrying err cannot help: either it was
// wrapped with Permanent or it is an AmanError in the validation or config
// category.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var pe *permanentError
	if errors.As(err, &pe) {
		return true
	}
	var ae *AmanError
	if errors.As(err, &ae) {
		return ae.Category == CategoryValidation || ae.Category == CategoryConfig
	}
	return false
}

// IsRetryable checks if an error is an AmanError with the Retryable flag set.
func IsRetryable(err error) bool {
	var ae *AmanError
	if errors.As(err, &ae) {
		return ae.Retryable
	}
	return false
}

// GetCode extracts the error code from an AmanError anywhere in the chain.
// Returns empty string if there is none.
func GetCode(err error) string {
	var ae *AmanError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}

// GetCategory extracts the category from an AmanError in the chain.
func GetCategory(err error) Category {
	var ae *AmanError
	if errors.As(err, &ae) {
		return ae.Category
	}
	return ""
}

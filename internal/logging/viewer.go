package logging

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Entry is one parsed JSON log record.
type Entry struct {
	Time  time.Time
	Level string
	Msg   string
	Attrs map[string]any
	// Raw is the original line; lines that are not JSON are kept as-is.
	Raw   string
	Valid bool
}

// ViewerConfig filters and formats log records.
type ViewerConfig struct {
	// Level is the minimum level shown.
	Level   string
	Pattern *regexp.Regexp
	NoColor bool
}

// Viewer reads records from the JSON log file.
type Viewer struct {
	cfg ViewerConfig
}

// NewViewer creates a log viewer.
func NewViewer(cfg ViewerConfig) *Viewer {
	return &Viewer{cfg: cfg}
}

// Tail returns the matching records among the last n lines of path.
func (v *Viewer) Tail(path string, n int) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer func() { _ = f.Close() }()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if n > 0 && len(lines) > n {
			lines = lines[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read log file: %w", err)
	}

	var entries []Entry
	for _, line := range lines {
		if e := parseLine(line); v.matches(e) {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// Follow sends records appended to path until ctx is cancelled.
func (v *Viewer) Follow(ctx context.Context, path string, entries chan<- Entry) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("failed to seek to end: %w", err)
	}

	reader := bufio.NewReader(f)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	var partial string
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		for {
			chunk, err := reader.ReadString('\n')
			if err != nil {
				partial += chunk
				break
			}
			line := strings.TrimSuffix(partial+chunk, "\n")
			partial = ""
			if line == "" {
				continue
			}
			if e := parseLine(line); v.matches(e) {
				select {
				case entries <- e:
				case <-ctx.Done():
					return nil
				}
			}
		}
	}
}

// Format renders e as "15:04:05.000 LEVEL msg key=value ...", with
// attributes sorted by key.
func (v *Viewer) Format(e Entry) string {
	if !e.Valid {
		return e.Raw
	}
	keys := make([]string, 0, len(e.Attrs))
	for k := range e.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s %s", e.Time.Format("15:04:05.000"), v.level(e.Level), e.Msg)
	for _, k := range keys {
		fmt.Fprintf(&sb, " %s=%v", k, e.Attrs[k])
	}
	return sb.String()
}

func parseLine(line string) Entry {
	e := Entry{Raw: line}
	var data map[string]any
	if json.Unmarshal([]byte(line), &data) != nil {
		return e
	}
	e.Valid = true
	if t, ok := data["time"].(string); ok {
		e.Time, _ = time.Parse(time.RFC3339Nano, t)
	}
	e.Level, _ = data["level"].(string)
	e.Msg, _ = data["msg"].(string)
	delete(data, "time")
	delete(data, "level")
	delete(data, "msg")
	e.Attrs = data
	return e
}

func (v *Viewer) matches(e Entry) bool {
	if v.cfg.Level != "" && e.Valid && parseLevel(e.Level) < parseLevel(v.cfg.Level) {
		return false
	}
	if v.cfg.Pattern != nil && !v.cfg.Pattern.MatchString(e.Raw) {
		return false
	}
	return true
}

func (v *Viewer) level(level string) string {
	s := fmt.Sprintf("%-5s", strings.ToUpper(level))
	if v.cfg.NoColor {
		return s
	}
	switch parseLevel(level) {
	case slog.LevelDebug:
		return "\033[90m" + s + "\033[0m"
	case slog.LevelWarn:
		return "\033[33m" + s + "\033[0m"
	case slog.LevelError:
		return "\033[31m" + s + "\033[0m"
	default:
		return s
	}
}

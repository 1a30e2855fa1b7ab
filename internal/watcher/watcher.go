package watcher

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/Aman-CERP/amanindex/internal/ignore"
)

// EventKind is the kind of change observed for a file.
type EventKind int

const (
	// EventCreate indicates a new file.
	EventCreate EventKind = iota
	// EventChange indicates an existing file was written.
	EventChange
	// EventDelete indicates a file was removed or renamed away.
	EventDelete
)

// String returns a human-readable representation of the kind.
func (k EventKind) String() string {
	switch k {
	case EventCreate:
		return "create"
	case EventChange:
		return "change"
	case EventDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// FileEvent is one observed change.
type FileEvent struct {
	// Path is the absolute file path.
	Path string
	Kind EventKind
	// ObservedAt is when the change was detected.
	ObservedAt time.Time
}

// Notifier receives events. Implementations must not block for long; the
// batch coordinator only records the event and rearms its timer.
type Notifier interface {
	Notify(event FileEvent)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(FileEvent)

// Notify calls f(event).
func (f NotifierFunc) Notify(event FileEvent) { f(event) }

// Options configures a Watcher.
type Options struct {
	// Extensions is the allow-list of file extensions, with leading dot.
	Extensions []string

	// PollInterval is the scan interval when polling is used.
	// Default: 5s
	PollInterval time.Duration

	// ForcePolling skips fsnotify.
	ForcePolling bool
}

// WithDefaults returns options with defaults applied for zero values.
func (o Options) WithDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	return o
}

// Filter holds the path checks shared by the event sources and the
// startup reconcile walk.
type Filter struct {
	root       string
	policy     *ignore.Policy
	extensions map[string]bool
}

// NewFilter creates a filter for root. policy may be nil.
func NewFilter(root string, policy *ignore.Policy, extensions []string) *Filter {
	exts := make(map[string]bool, len(extensions))
	for _, ext := range extensions {
		exts[strings.ToLower(ext)] = true
	}
	return &Filter{root: root, policy: policy, extensions: exts}
}

// Rel returns the slash-separated root-relative form of abs.
// ok is false for the root itself and for paths outside it.
func (f *Filter) Rel(abs string) (string, bool) {
	rel, err := filepath.Rel(f.root, abs)
	if err != nil {
		return "", false
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", false
	}
	return rel, true
}

// SkipDir reports whether the directory at abs should not be descended into.
func (f *Filter) SkipDir(abs string) bool {
	rel, ok := f.Rel(abs)
	if !ok {
		return false
	}
	if isGitPath(rel) {
		return true
	}
	return f.policy != nil && f.policy.Match(rel, true)
}

// WantFile reports whether a file at abs is inside the root, outside .git
// and on the extension allow-list. The ignore policy is not consulted.
func (f *Filter) WantFile(abs string) bool {
	rel, ok := f.Rel(abs)
	if !ok || isGitPath(rel) {
		return false
	}
	return f.extensions[strings.ToLower(filepath.Ext(abs))]
}

func isGitPath(rel string) bool {
	return rel == ".git" || strings.HasPrefix(rel, ".git/")
}

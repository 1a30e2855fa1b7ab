// Package ignore decides which workspace paths may be indexed.
//
// A Policy combines the workspace's .gitignore files, an optional
// .amanindexignore and configured exclude patterns. Later rules override
// earlier ones, and "!" patterns re-include.
package ignore

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// File names read from the workspace.
const (
	GitIgnoreFile   = ".gitignore"
	IndexIgnoreFile = ".amanindexignore"
)

// Policy is a thread-safe ignore matcher bound to one workspace root.
type Policy struct {
	root string

	mu    sync.RWMutex
	rules []rule
}

// New builds a policy for root from its root-level .gitignore, the
// .amanindexignore file and extra patterns (applied last).
// Nested .gitignore files are picked up with AddNested.
func New(root string, extra []string) (*Policy, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	p := &Policy{root: abs}

	for _, name := range []string{GitIgnoreFile, IndexIgnoreFile} {
		rules, err := readRules(filepath.Join(abs, name), "")
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		p.rules = append(p.rules, rules...)
	}
	p.AddPatterns(extra...)
	return p, nil
}

// Root returns the absolute workspace root.
func (p *Policy) Root() string {
	return p.root
}

// AddPatterns appends root-relative patterns.
func (p *Policy) AddPatterns(patterns ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, line := range patterns {
		if r, ok := parseRule(line, ""); ok {
			p.rules = append(p.rules, r)
		}
	}
}

// AddNested loads a .gitignore located in a subdirectory. Its rules apply
// only below that directory.
func (p *Policy) AddNested(gitignorePath string) error {
	rel, ok := p.relative(filepath.Dir(gitignorePath))
	if !ok {
		return nil
	}
	if rel == "." {
		rel = ""
	}
	rules, err := readRules(gitignorePath, rel)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	p.mu.Lock()
	p.rules = append(p.rules, rules...)
	p.mu.Unlock()
	return nil
}

// Match reports whether the root-relative path is ignored.
func (p *Policy) Match(rel string, isDir bool) bool {
	rel = filepath.ToSlash(rel)

	p.mu.RLock()
	defer p.mu.RUnlock()

	ignored := false
	for _, r := range p.rules {
		if r.match(rel, isDir) {
			ignored = !r.negate
		}
	}
	return ignored
}

// ValidateAccess reports whether absPath may be indexed: it must lie inside
// the workspace and must not be ignored. Paths that no longer exist are
// judged as files.
func (p *Policy) ValidateAccess(absPath string) bool {
	rel, ok := p.relative(absPath)
	if !ok || rel == "." {
		return false
	}
	isDir := false
	if info, err := os.Stat(absPath); err == nil {
		isDir = info.IsDir()
	}
	return !p.Match(rel, isDir)
}

// relative converts absPath into a slash-separated root-relative path.
// ok is false when the path escapes the root.
func (p *Policy) relative(absPath string) (string, bool) {
	if !filepath.IsAbs(absPath) {
		absPath = filepath.Join(p.root, absPath)
	}
	rel, err := filepath.Rel(p.root, filepath.Clean(absPath))
	if err != nil {
		return "", false
	}
	rel = filepath.ToSlash(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", false
	}
	return rel, true
}

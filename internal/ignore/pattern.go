package ignore

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strings"
)

// rule is one compiled gitignore line.
type rule struct {
	re       *regexp.Regexp
	negate   bool
	dirOnly  bool
	anchored bool
	// base limits the rule to paths below a directory (nested ignore files).
	base string
}

// parseRule compiles a single gitignore line. ok is false for blanks and
// comments.
func parseRule(line, base string) (r rule, ok bool) {
	escapedSpace := strings.HasSuffix(line, `\ `)
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return rule{}, false
	}

	switch {
	case strings.HasPrefix(line, `\#`), strings.HasPrefix(line, `\!`):
		line = line[1:]
	case strings.HasPrefix(line, "!"):
		r.negate = true
		line = line[1:]
	}
	if escapedSpace && strings.HasSuffix(line, `\`) {
		line = strings.TrimSuffix(line, `\`) + " "
	}

	if strings.HasSuffix(line, "/") {
		r.dirOnly = true
		line = strings.TrimSuffix(line, "/")
	}
	if strings.HasPrefix(line, "/") {
		r.anchored = true
		line = line[1:]
	}
	// "doc/frotz" is relative to the ignore file, like "/doc/frotz".
	if strings.Contains(line, "/") && !strings.HasPrefix(line, "**/") && !strings.HasPrefix(line, "*") {
		r.anchored = true
	}
	if line == "" {
		return rule{}, false
	}

	re, err := regexp.Compile("^" + globToRegex(line) + "$")
	if err != nil {
		return rule{}, false
	}
	r.re = re
	r.base = base
	return r, true
}

// match reports whether rel (slash-separated, relative to the root) hits r.
// A directory-only rule also hits every path inside a matching directory.
func (r rule) match(rel string, isDir bool) bool {
	if r.base != "" {
		if !strings.HasPrefix(rel, r.base+"/") {
			return false
		}
		rel = strings.TrimPrefix(rel, r.base+"/")
	}

	parts := strings.Split(rel, "/")
	last := len(parts) - 1

	if r.anchored {
		if r.re.MatchString(rel) {
			return !r.dirOnly || isDir
		}
		if r.dirOnly {
			for i := 0; i < last; i++ {
				if r.re.MatchString(strings.Join(parts[:i+1], "/")) {
					return true
				}
			}
		}
		return false
	}

	if r.dirOnly {
		for i, part := range parts {
			if r.re.MatchString(part) {
				return i < last || isDir
			}
		}
		return false
	}

	if r.re.MatchString(rel) {
		return true
	}
	for _, part := range parts {
		if r.re.MatchString(part) {
			return true
		}
	}
	return false
}

// globToRegex translates gitignore glob syntax into a regular expression body.
func globToRegex(glob string) string {
	var sb strings.Builder
	for i := 0; i < len(glob); i++ {
		c := glob[i]
		switch c {
		case '*':
			if i+1 < len(glob) && glob[i+1] == '*' {
				if i+2 < len(glob) && glob[i+2] == '/' {
					sb.WriteString("(?:.*/)?")
					i += 2
					continue
				}
				if i == 0 || glob[i-1] == '/' {
					sb.WriteString(".*")
					i++
					continue
				}
			}
			sb.WriteString("[^/]*")
		case '?':
			sb.WriteString("[^/]")
		case '[':
			end := strings.IndexByte(glob[i+1:], ']')
			if end < 0 {
				sb.WriteString(`\[`)
				continue
			}
			sb.WriteString(glob[i : i+end+2])
			i += end + 1
		case '\\':
			if i+1 < len(glob) {
				sb.WriteString(regexp.QuoteMeta(glob[i+1 : i+2]))
				i++
			} else {
				sb.WriteString(`\\`)
			}
		default:
			sb.WriteString(regexp.QuoteMeta(glob[i : i+1]))
		}
	}
	return sb.String()
}

// readRules loads all rules from an ignore file.
func readRules(path, base string) ([]rule, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var rules []rule
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if r, ok := parseRule(scanner.Text(), base); ok {
			rules = append(rules, r)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return rules, nil
}

package mcp

import (
	"bufio"
	"encoding/json"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
)

// ProjectInfo identifies the indexed workspace.
type ProjectInfo struct {
	Name     string `json:"name"`
	RootPath string `json:"root_path"`
	Type     string `json:"type"`
}

var (
	goModuleLine = regexp.MustCompile(`^module\s+(\S+)`)
	tomlNameLine = regexp.MustCompile(`^\s*name\s*=\s*["']([^"']+)["']`)
)

// DetectProject names the workspace from its manifest.
// Checked in order: go.mod, package.json, Cargo.toml, pyproject.toml.
// Without a manifest the directory name is used.
func DetectProject(root string) ProjectInfo {
	info := ProjectInfo{Name: filepath.Base(root), RootPath: root, Type: "unknown"}

	detectors := []struct {
		kind   string
		detect func() string
	}{
		{"go", func() string { return goModuleName(filepath.Join(root, "go.mod")) }},
		{"node", func() string { return packageJSONName(filepath.Join(root, "package.json")) }},
		{"rust", func() string { return tomlSectionName(filepath.Join(root, "Cargo.toml"), "[package]") }},
		{"python", func() string { return tomlSectionName(filepath.Join(root, "pyproject.toml"), "[project]") }},
	}
	for _, d := range detectors {
		if name := d.detect(); name != "" {
			info.Name = name
			info.Type = d.kind
			return info
		}
	}
	return info
}

func goModuleName(file string) string {
	var name string
	scanLines(file, func(line string) bool {
		if m := goModuleLine.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			name = path.Base(m[1])
			return false
		}
		return true
	})
	return name
}

func packageJSONName(file string) string {
	data, err := os.ReadFile(file)
	if err != nil {
		return ""
	}
	var pkg struct {
		Name string `json:"name"`
	}
	if json.Unmarshal(data, &pkg) != nil {
		return ""
	}
	// @scope/name
	if i := strings.LastIndex(pkg.Name, "/"); i >= 0 && strings.HasPrefix(pkg.Name, "@") {
		return pkg.Name[i+1:]
	}
	return pkg.Name
}

// tomlSectionName returns the name key of one TOML table.
func tomlSectionName(file, section string) string {
	var name string
	inSection := false
	scanLines(file, func(line string) bool {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "[") {
			inSection = trimmed == section
			return true
		}
		if inSection {
			if m := tomlNameLine.FindStringSubmatch(line); m != nil {
				name = m[1]
				return false
			}
		}
		return true
	})
	return name
}

// scanLines feeds file lines to fn until it returns false.
func scanLines(file string, fn func(string) bool) {
	f, err := os.Open(file)
	if err != nil {
		return
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if !fn(scanner.Text()) {
			return
		}
	}
}

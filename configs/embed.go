// Package configs holds the configuration templates written by
// `amanindex init`. They are embedded so every build ships them.
package configs

import _ "embed"

// ProjectConfigTemplate is written to .amanindex.yaml in the workspace root.
//
//go:embed project-config.example.yaml
var ProjectConfigTemplate string

// UserConfigTemplate is written to the user config path by `init --user`.
//
//go:embed user-config.example.yaml
var UserConfigTemplate string

package chunk

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/java"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/rust"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// Capture names every definition query must use.
const (
	captureDefinition = "definition"
	captureName       = "name"
)

// Language pairs a grammar with the query selecting its definitions.
type Language struct {
	Name       string
	Extensions []string
	Grammar    *sitter.Language
	// Query captures each definition as @definition and its identifier,
	// when there is one, as @name.
	Query string

	once     sync.Once
	compiled *sitter.Query
	err      error
}

// query compiles the definition query once. Compiled queries are read-only
// and shared across cursors.
func (l *Language) query() (*sitter.Query, error) {
	l.once.Do(func() {
		l.compiled, l.err = sitter.NewQuery([]byte(l.Query), l.Grammar)
		if l.err != nil {
			l.err = fmt.Errorf("compile %s query: %w", l.Name, l.err)
		}
	})
	return l.compiled, l.err
}

// Registry maps file extensions to languages.
type Registry struct {
	mu    sync.RWMutex
	byExt map[string]*Language
}

// NewRegistry returns a registry with every built-in language.
func NewRegistry() *Registry {
	r := &Registry{byExt: make(map[string]*Language)}
	for _, l := range builtinLanguages() {
		r.Register(l)
	}
	return r
}

// Register adds or replaces a language for its extensions.
func (r *Registry) Register(l *Language) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ext := range l.Extensions {
		r.byExt[strings.ToLower(ext)] = l
	}
}

// Lookup returns the language for a file path.
func (r *Registry) Lookup(path string) (*Language, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.byExt[strings.ToLower(filepath.Ext(path))]
	return l, ok
}

// Extensions returns the registered extensions in sorted order.
func (r *Registry) Extensions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byExt))
	for ext := range r.byExt {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

func builtinLanguages() []*Language {
	tsQuery := `
		(function_declaration name: (identifier) @name) @definition
		(class_declaration name: (type_identifier) @name) @definition
		(abstract_class_declaration name: (type_identifier) @name) @definition
		(method_definition name: (property_identifier) @name) @definition
		(interface_declaration name: (type_identifier) @name) @definition
		(type_alias_declaration name: (type_identifier) @name) @definition
		(enum_declaration name: (identifier) @name) @definition
		(lexical_declaration (variable_declarator name: (identifier) @name value: (arrow_function))) @definition
	`

	return []*Language{
		{
			Name:       "go",
			Extensions: []string{".go"},
			Grammar:    golang.GetLanguage(),
			Query: `
				(function_declaration name: (identifier) @name) @definition
				(method_declaration name: (field_identifier) @name) @definition
				(type_declaration (type_spec name: (type_identifier) @name)) @definition
			`,
		},
		{
			Name:       "javascript",
			Extensions: []string{".js", ".jsx", ".mjs", ".cjs"},
			Grammar:    javascript.GetLanguage(),
			Query: `
				(function_declaration name: (identifier) @name) @definition
				(class_declaration name: (identifier) @name) @definition
				(method_definition name: (property_identifier) @name) @definition
				(lexical_declaration (variable_declarator name: (identifier) @name value: (arrow_function))) @definition
			`,
		},
		{
			Name:       "typescript",
			Extensions: []string{".ts", ".mts", ".cts"},
			Grammar:    typescript.GetLanguage(),
			Query:      tsQuery,
		},
		{
			Name:       "tsx",
			Extensions: []string{".tsx"},
			Grammar:    tsx.GetLanguage(),
			Query:      tsQuery,
		},
		{
			Name:       "python",
			Extensions: []string{".py", ".pyi"},
			Grammar:    python.GetLanguage(),
			Query: `
				(function_definition name: (identifier) @name) @definition
				(class_definition name: (identifier) @name) @definition
				(decorated_definition definition: (function_definition name: (identifier) @name)) @definition
				(decorated_definition definition: (class_definition name: (identifier) @name)) @definition
			`,
		},
		{
			Name:       "rust",
			Extensions: []string{".rs"},
			Grammar:    rust.GetLanguage(),
			Query: `
				(function_item name: (identifier) @name) @definition
				(struct_item name: (type_identifier) @name) @definition
				(enum_item name: (type_identifier) @name) @definition
				(trait_item name: (type_identifier) @name) @definition
				(impl_item type: (type_identifier) @name) @definition
				(mod_item name: (identifier) @name) @definition
			`,
		},
		{
			Name:       "java",
			Extensions: []string{".java"},
			Grammar:    java.GetLanguage(),
			Query: `
				(class_declaration name: (identifier) @name) @definition
				(interface_declaration name: (identifier) @name) @definition
				(enum_declaration name: (identifier) @name) @definition
				(method_declaration name: (identifier) @name) @definition
				(constructor_declaration name: (identifier) @name) @definition
			`,
		},
	}
}

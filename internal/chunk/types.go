// Package chunk splits source files into code blocks using tree-sitter
// queries. Each block is a named definition (function, method, class, type)
// or, when a file has none, the file itself.
package chunk

// Block size defaults.
const (
	DefaultMinBlockLines = 2
	DefaultMinBlockChars = 50
	DefaultMaxBlockChars = 1000

	// oversizeTolerance lets a definition exceed MaxBlockChars by 15%
	// before it is split.
	oversizeTolerance = 1.15
)

// BlockTypeFile marks a block covering a whole file without definitions.
const BlockTypeFile = "file"

// CodeBlock is one segment of a source file.
type CodeBlock struct {
	// FilePath is the path the block was parsed from.
	FilePath string
	// Identifier is the definition name, empty when the grammar has none.
	Identifier string
	// Type is the tree-sitter node type, or BlockTypeFile.
	Type string
	// StartLine and EndLine are 1-based and inclusive.
	StartLine int
	EndLine   int
	Content   string
	// FileHash is the SHA-256 of the whole file content.
	FileHash string
	// SegmentHash identifies this block's content and position.
	SegmentHash string
}

// Options bounds block sizes. Zero values fall back to the defaults.
type Options struct {
	MinBlockLines int
	MinBlockChars int
	MaxBlockChars int
}

func (o Options) withDefaults() Options {
	if o.MinBlockLines <= 0 {
		o.MinBlockLines = DefaultMinBlockLines
	}
	if o.MinBlockChars <= 0 {
		o.MinBlockChars = DefaultMinBlockChars
	}
	if o.MaxBlockChars <= 0 {
		o.MaxBlockChars = DefaultMaxBlockChars
	}
	return o
}

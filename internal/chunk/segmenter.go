package chunk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
)

// Segmenter turns source files into code blocks.
// It is safe for concurrent use.
type Segmenter struct {
	registry *Registry
	opts     Options
}

// NewSegmenter creates a segmenter over the built-in languages.
func NewSegmenter(opts Options) *Segmenter {
	return NewSegmenterWithRegistry(NewRegistry(), opts)
}

// NewSegmenterWithRegistry creates a segmenter with a custom registry.
func NewSegmenterWithRegistry(registry *Registry, opts Options) *Segmenter {
	return &Segmenter{registry: registry, opts: opts.withDefaults()}
}

// Supports reports whether path has a registered grammar.
func (s *Segmenter) Supports(path string) bool {
	_, ok := s.registry.Lookup(path)
	return ok
}

// Extensions lists the file extensions the segmenter understands.
func (s *Segmenter) Extensions() []string {
	return s.registry.Extensions()
}

// HashContent returns the hex SHA-256 of file content.
func HashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// ParseFile segments path. When content is nil the file is read from disk
// and fileHash is computed. Unsupported file types yield no blocks and no
// error.
func (s *Segmenter) ParseFile(ctx context.Context, path string, content []byte, fileHash string) ([]CodeBlock, error) {
	lang, ok := s.registry.Lookup(path)
	if !ok {
		return nil, nil
	}

	if content == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		content = data
	}
	if fileHash == "" {
		fileHash = HashContent(content)
	}

	spans, err := s.definitions(ctx, lang, content)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	lines := strings.Split(string(content), "\n")
	if len(spans) == 0 {
		if len(strings.TrimSpace(string(content))) < s.opts.MinBlockChars {
			return nil, nil
		}
		spans = []span{{kind: BlockTypeFile, start: 1, end: len(lines)}}
	}

	var blocks []CodeBlock
	seen := make(map[[2]int]bool, len(spans))
	for _, sp := range spans {
		key := [2]int{sp.start, sp.end}
		if seen[key] {
			continue
		}
		seen[key] = true

		if sp.end-sp.start+1 < s.opts.MinBlockLines && sp.kind != BlockTypeFile {
			continue
		}
		text := joinLines(lines, sp.start, sp.end)
		if len(text) < s.opts.MinBlockChars {
			continue
		}

		if float64(len(text)) > float64(s.opts.MaxBlockChars)*oversizeTolerance {
			for _, w := range s.splitByLines(lines, sp) {
				blocks = append(blocks, newBlock(path, fileHash, w, joinLines(lines, w.start, w.end)))
			}
			continue
		}
		blocks = append(blocks, newBlock(path, fileHash, sp, text))
	}
	return blocks, nil
}

// span is a 1-based inclusive line range labeled by the query.
type span struct {
	name  string
	kind  string
	start int
	end   int
}

// definitions runs the language query and returns matches in document order.
func (s *Segmenter) definitions(ctx context.Context, lang *Language, content []byte) ([]span, error) {
	q, err := lang.query()
	if err != nil {
		return nil, err
	}

	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(lang.Grammar)

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, err
	}
	if tree == nil {
		return nil, fmt.Errorf("nil tree")
	}
	defer tree.Close()

	cursor := sitter.NewQueryCursor()
	defer cursor.Close()
	cursor.Exec(q, tree.RootNode())

	var spans []span
	for {
		m, ok := cursor.NextMatch()
		if !ok {
			break
		}
		var def *sitter.Node
		var name string
		for _, c := range m.Captures {
			switch q.CaptureNameForId(c.Index) {
			case captureDefinition:
				def = c.Node
			case captureName:
				name = c.Node.Content(content)
			}
		}
		if def == nil {
			continue
		}
		spans = append(spans, span{
			name:  name,
			kind:  def.Type(),
			start: int(def.StartPoint().Row) + 1,
			end:   int(def.EndPoint().Row) + 1,
		})
	}
	return spans, nil
}

// splitByLines cuts an oversized span into windows of whole lines no longer
// than MaxBlockChars. A trailing window shorter than MinBlockChars is merged
// into the one before it.
func (s *Segmenter) splitByLines(lines []string, sp span) []span {
	var windows []span
	start, size := sp.start, 0
	for ln := sp.start; ln <= sp.end && ln <= len(lines); ln++ {
		lineLen := len(lines[ln-1]) + 1
		if size > 0 && size+lineLen > s.opts.MaxBlockChars {
			windows = append(windows, span{name: sp.name, kind: sp.kind, start: start, end: ln - 1})
			start, size = ln, 0
		}
		size += lineLen
	}
	if size > 0 {
		last := span{name: sp.name, kind: sp.kind, start: start, end: min(sp.end, len(lines))}
		if size < s.opts.MinBlockChars && len(windows) > 0 {
			windows[len(windows)-1].end = last.end
		} else {
			windows = append(windows, last)
		}
	}
	return windows
}

func newBlock(path, fileHash string, sp span, text string) CodeBlock {
	return CodeBlock{
		FilePath:    path,
		Identifier:  sp.name,
		Type:        sp.kind,
		StartLine:   sp.start,
		EndLine:     sp.end,
		Content:     text,
		FileHash:    fileHash,
		SegmentHash: segmentHash(path, sp.start, sp.end, text),
	}
}

func segmentHash(path string, start, end int, text string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d:%d:%d:%s", path, start, end, len(text), text)))
	return hex.EncodeToString(sum[:])
}

func joinLines(lines []string, start, end int) string {
	if start < 1 {
		start = 1
	}
	if end > len(lines) {
		end = len(lines)
	}
	if start > end {
		return ""
	}
	return strings.Join(lines[start-1:end], "\n")
}

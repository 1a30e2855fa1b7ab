package embed

import "strings"

// modelDimensions lists vector sizes of well-known embedding models.
var modelDimensions = map[string]int{
	"text-embedding-3-small":  1536,
	"text-embedding-3-large":  3072,
	"text-embedding-ada-002":  1536,
	"nomic-embed-text":        768,
	"mxbai-embed-large":       1024,
	"all-minilm":              384,
	"embeddinggemma":          768,
	"gemini-embedding-001":    3072,
	"text-embedding-004":      768,
	"codestral-embed":         1536,
	"codestral-embed-2505":    1536,
	"mistral-embed":           1024,
	"qwen3-embedding":         4096,
	"snowflake-arctic-embed2": 1024,
}

// ModelDimensions returns the known vector size for model. Ollama style
// tags ("nomic-embed-text:latest") and "models/" prefixes are ignored.
func ModelDimensions(model string) (int, bool) {
	m := strings.TrimPrefix(strings.ToLower(model), "models/")
	if d, ok := modelDimensions[m]; ok {
		return d, true
	}
	if i := strings.IndexByte(m, ':'); i > 0 {
		d, ok := modelDimensions[m[:i]]
		return d, ok
	}
	return 0, false
}

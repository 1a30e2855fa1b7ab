package store

import (
	"fmt"
	"strings"

	amerrors "github.com/Aman-CERP/amanindex/internal/errors"
)

// Backends returns the supported backend names.
func Backends() []string {
	return []string{BackendQdrant, BackendSQLiteVec, BackendColumnar}
}

// New constructs the backend named by cfg.Backend. The choice is made once
// and held for the life of the process.
func New(cfg Config) (VectorStore, error) {
	switch strings.ToLower(cfg.Backend) {
	case BackendQdrant:
		return NewQdrantStore(cfg)
	case BackendSQLiteVec:
		return NewSQLiteVecStore(cfg)
	case BackendColumnar, "":
		return NewColumnarStore(cfg)
	default:
		return nil, amerrors.ConfigError(fmt.Sprintf("unknown vector store backend %q", cfg.Backend), nil).
			WithSuggestion("use one of: " + strings.Join(Backends(), ", "))
	}
}

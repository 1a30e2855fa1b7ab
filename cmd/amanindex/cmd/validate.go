package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/amanindex/internal/config"
	"github.com/Aman-CERP/amanindex/internal/embed"
	"github.com/Aman-CERP/amanindex/internal/index"
	"github.com/Aman-CERP/amanindex/internal/lifecycle"
	"github.com/Aman-CERP/amanindex/internal/output"
	"github.com/Aman-CERP/amanindex/internal/preflight"
	"github.com/Aman-CERP/amanindex/internal/store"
)

func newValidateCmd() *cobra.Command {
	var pull bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration, the host, the embedder and the vector store",
		Long: `Load the configuration, check that the data directory is writable and
the host can watch the workspace, send one test input to the embedding
provider and, for Qdrant, check that the server is reachable.

With the ollama provider the model must already be pulled; --pull fetches
it first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ws, err := loadWorkspace(cmd, false)
			if err != nil {
				return err
			}
			defer ws.close()
			return runValidate(cmd.Context(), cmd, ws, pull)
		},
	}
	cmd.Flags().BoolVar(&pull, "pull", false, "Pull a missing Ollama model")
	return cmd
}

func runValidate(ctx context.Context, cmd *cobra.Command, ws *workspace, pull bool) error {
	out := output.New(cmd.OutOrStdout())
	cfg := ws.cfg
	out.Successf("Configuration valid (%s, %s/%s)", ws.root, cfg.Embedder.Provider, cfg.Embedder.Model)

	if err := runPreflight(out, cfg.WorkspaceDataDir(ws.root), ws.root); err != nil {
		return err
	}

	embedder, err := index.NewEmbedder(cfg, ws.logger)
	if err != nil {
		out.Errorf("Embedder: %v", err)
		return err
	}
	if embedder.Provider() == embed.ProviderOllama {
		if err := checkOllama(ctx, out, embedder, pull); err != nil {
			return err
		}
	}
	res := embedder.ValidateConfiguration(ctx)
	if !res.Valid {
		out.Errorf("Embedder: %s", res.Error)
		return errors.New(res.Error)
	}
	dims, err := embed.DetectDimensions(ctx, embedder)
	if err != nil {
		out.Errorf("Embedder: %v", err)
		return err
	}
	out.Successf("Embedder reachable (%d dimensions)", dims)

	if cfg.Store.Backend != config.BackendQdrant {
		out.Successf("Vector store: %s in %s", cfg.Store.Backend, cfg.WorkspaceDataDir(ws.root))
		return nil
	}
	vs, err := store.New(store.Config{
		Backend:      cfg.Store.Backend,
		Workspace:    ws.root,
		Dimensions:   dims,
		QdrantURL:    cfg.Store.QdrantURL,
		QdrantAPIKey: cfg.Store.QdrantAPIKey,
		Collection:   cfg.Store.Collection,
		Logger:       ws.logger,
	})
	if err != nil {
		out.Errorf("Vector store: %v", err)
		return err
	}
	defer func() { _ = vs.Close() }()

	exists, err := vs.CollectionExists(ctx)
	if err != nil {
		out.Errorf("Qdrant at %s: %v", cfg.Store.QdrantURL, err)
		return err
	}
	state := "not created yet"
	if exists {
		state = "exists"
	}
	out.Successf("Qdrant reachable at %s (collection %s)", cfg.Store.QdrantURL, state)
	return nil
}

func runPreflight(out *output.Writer, dataDir, root string) error {
	results := preflight.New().RunAll(dataDir, root)
	for _, r := range results {
		msg := r.Name + ": " + r.Message
		if r.Details != "" {
			msg += " (" + r.Details + ")"
		}
		switch r.Status {
		case preflight.StatusPass:
			out.Success(msg)
		case preflight.StatusWarn:
			out.Warningf("%s", msg)
		default:
			out.Errorf("%s", msg)
		}
	}
	if preflight.HasCriticalFailures(results) {
		return errors.New("host checks failed")
	}
	return nil
}

func checkOllama(ctx context.Context, out *output.Writer, embedder *embed.Client, pull bool) error {
	ollama := lifecycle.NewOllama(embedder.BaseURL())
	model := embedder.ModelName()

	err := ollama.Check(ctx, model)
	var notFound *lifecycle.ModelNotFoundError
	if errors.As(err, &notFound) && pull {
		out.Status("⬇️", fmt.Sprintf("Pulling %s from %s", model, ollama.Host()))
		last := ""
		err = ollama.PullModel(ctx, model, func(p lifecycle.PullProgress) {
			if p.Status != last {
				last = p.Status
				out.Status("  ", p.Status)
			}
		})
	}
	if err != nil {
		out.Errorf("Ollama: %v", err)
		if errors.As(err, &notFound) {
			out.Status("💡", fmt.Sprintf("Run 'ollama pull %s' or 'amanindex validate --pull'", model))
		}
		return err
	}
	out.Successf("Ollama has %s", model)
	return nil
}

package cli

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/herdctl/herd/internal/backend"
	"github.com/herdctl/herd/internal/backend/github"
	"github.com/herdctl/herd/internal/backend/gitlab"
	"github.com/herdctl/herd/internal/backend/jira"
	"github.com/herdctl/herd/internal/backend/local"
	"github.com/herdctl/herd/internal/config"
	"github.com/herdctl/herd/internal/graph"
	"github.com/herdctl/herd/internal/herderr"
	"github.com/herdctl/herd/internal/queue"
	"github.com/herdctl/herd/internal/state"
	"github.com/herdctl/herd/internal/workspace"
)

// newLogger builds the CLI logger. Verbose mode turns on debug records.
func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// loadConfig loads and validates the configuration, honoring --config.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if cfgFile != "" {
		cfg, err = config.LoadFile(cfgFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// buildBackend constructs the configured tracker.
func buildBackend(cfg *config.Config, logger *slog.Logger) (backend.Backend, error) {
	switch cfg.Backend {
	case "jira":
		return jira.New(jira.Config{
			BaseURL:  cfg.Jira.BaseURL,
			Email:    cfg.Jira.Email,
			APIToken: cfg.Jira.APIToken,
		}, logger)
	case "github":
		return github.New(github.Config{
			Token: cfg.GitHub.Token,
			Owner: cfg.GitHub.Owner,
			Repo:  cfg.GitHub.Repo,
		}, logger)
	case "gitlab":
		return gitlab.New(gitlab.Config{
			Token:     cfg.GitLab.Token,
			BaseURL:   cfg.GitLab.BaseURL,
			ProjectID: cfg.GitLab.ProjectID,
		}, logger)
	case "local":
		path := cfg.Local.DBPath
		if path == "" {
			path = cfg.BaseDir + "/herd.db"
		}
		return local.Open(path, logger)
	default:
		return nil, herderr.ErrConfigInvalid("backend", "unknown backend "+cfg.Backend)
	}
}

// checkIdentifier validates a parent identifier against the backend's
// configured pattern.
func checkIdentifier(cfg *config.Config, identifier string) error {
	pattern := cfg.IdentifierPattern()
	if !backend.ValidateIdentifier(pattern, identifier) {
		return herderr.ErrBadIdentifier(identifier, pattern.String())
	}
	return nil
}

// fetchOrCache resolves the parent and its sub-tasks from the tracker,
// refreshing the on-disk cache; when the tracker is unreachable it falls
// back to the cached copies so offline runs still work.
func fetchOrCache(ctx context.Context, b backend.Backend, paths workspace.Paths,
	identifier string, logger *slog.Logger) (*backend.Parent, []backend.SubTaskPayload, error) {

	parent, err := b.FetchParent(ctx, identifier)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, nil, herderr.ErrParentNotFound(identifier)
		}
		logger.Warn("tracker unreachable, using cache", "identifier", identifier, "error", err)
		return loadCached(paths, identifier, err)
	}

	payloads, err := b.FetchSubTasks(ctx, parent.ID)
	if err != nil {
		logger.Warn("tracker unreachable, using cache", "identifier", identifier, "error", err)
		return loadCached(paths, identifier, err)
	}

	if err := paths.SaveParent(parent); err != nil {
		return nil, nil, err
	}
	if err := paths.SaveTasks(payloads); err != nil {
		return nil, nil, err
	}
	return parent, payloads, nil
}

func loadCached(paths workspace.Paths, identifier string, cause error) (*backend.Parent, []backend.SubTaskPayload, error) {
	parent, err := paths.LoadParent()
	if err != nil {
		return nil, nil, err
	}
	if parent == nil {
		return nil, nil, herderr.ErrTrackerUnreachable("fetch " + identifier).WithCause(cause)
	}
	payloads, err := paths.LoadTasks()
	if err != nil {
		return nil, nil, err
	}
	return parent, payloads, nil
}

// buildGraph assembles the dependency graph for a fetched parent.
func buildGraph(parent *backend.Parent, payloads []backend.SubTaskPayload) (*graph.Graph, error) {
	return graph.Build(parent.ID, parent.Identifier, payloads)
}

// openStores returns the runtime state store and pending-update queue
// for a parent workspace.
func openStores(paths workspace.Paths, logger *slog.Logger) (*state.Store, *queue.Queue) {
	store := state.NewStore(paths.RuntimeFile(), logger)
	q := queue.New(paths.PendingUpdatesFile(), paths.SyncLogFile(), logger)
	return store, q
}

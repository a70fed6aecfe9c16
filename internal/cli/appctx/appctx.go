// Package appctx provides a shared bootstrap helper for CLI commands.
// It centralizes config loading, logger setup and store opening to reduce
// boilerplate across commands.
package appctx

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/zyansaber/ticketsync/internal/archive"
	"github.com/zyansaber/ticketsync/internal/bounded"
	"github.com/zyansaber/ticketsync/internal/config"
	"github.com/zyansaber/ticketsync/internal/logging"
	"github.com/zyansaber/ticketsync/internal/record"
	"github.com/zyansaber/ticketsync/internal/render"
	"github.com/zyansaber/ticketsync/internal/source"
	"github.com/zyansaber/ticketsync/internal/store"
	"github.com/zyansaber/ticketsync/internal/store/rtdb"
	"github.com/zyansaber/ticketsync/internal/store/sqlitestore"
)

// App holds the shared application context for commands.
type App struct {
	// Config is the loaded configuration
	Config *config.Config

	Logger *slog.Logger

	// Store is the opened tree (nil if NeedsStore is false)
	Store store.Store

	// Writer wraps Store with the configured retry policy.
	Writer *bounded.Writer

	// Source is the ticket source client (nil if NeedsSource is false)
	Source *source.Client

	log *logging.Logger
}

// Close releases resources held by the App.
// Safe to call multiple times.
func (a *App) Close() {
	if a.Store != nil {
		a.Store.Close()
		a.Store = nil
	}
	if a.log != nil {
		a.log.Close()
		a.log = nil
	}
}

// Options configures the bootstrap behavior.
type Options struct {
	// NeedsStore indicates whether to open the store.
	NeedsStore bool

	// NeedsSource indicates whether to build the source client.
	// Source settings and roles are validated as well.
	NeedsSource bool
}

// DefaultOptions returns default options (store required, no source).
func DefaultOptions() Options {
	return Options{NeedsStore: true}
}

// WithSource returns options that require both store and source.
func WithSource() Options {
	return Options{NeedsStore: true, NeedsSource: true}
}

// RunFunc is the signature for command run functions.
type RunFunc func(app *App, cmd *cobra.Command, args []string) error

// WithApp wraps a command's run function with shared bootstrap logic.
// The store is closed automatically when the wrapped function returns.
func WithApp(opts Options, fn RunFunc) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		app, err := Bootstrap(cmd, opts)
		if err != nil {
			return err
		}
		defer app.Close()

		return fn(app, cmd, args)
	}
}

// Bootstrap initializes the App according to the given options.
// Callers are responsible for calling App.Close() when done.
func Bootstrap(cmd *cobra.Command, opts Options) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	ApplyFlags(cmd, cfg)

	switch {
	case opts.NeedsSource:
		err = cfg.ValidateSource()
	case opts.NeedsStore:
		err = cfg.Validate()
	}
	if err != nil {
		return nil, err
	}

	l, err := logging.New(cfg)
	if err != nil {
		return nil, err
	}
	app := &App{Config: cfg, Logger: l.Logger, log: l}

	if opts.NeedsStore {
		s, err := OpenStore(cmd.Context(), cfg, app.Logger)
		if err != nil {
			app.Close()
			return nil, err
		}
		app.Store = s
		app.Writer = NewWriter(cfg, s, app.Logger)
	}

	if opts.NeedsSource {
		client, err := source.New(source.Options{
			URL:               cfg.SourceURL,
			Username:          cfg.SourceUser,
			Password:          cfg.SourcePassword,
			RoleField:         cfg.RoleField,
			PageSize:          cfg.SourcePageSize,
			Parallelism:       cfg.SourceParallelism,
			Select:            cfg.SourceSelect,
			RequestsPerSecond: cfg.SourceRPS,
			Logger:            app.Logger,
		})
		if err != nil {
			app.Close()
			return nil, err
		}
		app.Source = client
	}

	return app, nil
}

// ApplyFlags copies global flag overrides into cfg.
func ApplyFlags(cmd *cobra.Command, cfg *config.Config) {
	set := func(name string, dst *string) {
		if f := cmd.Flag(name); f != nil && f.Changed {
			*dst = f.Value.String()
		}
	}
	set("store", &cfg.StoreURL)
	set("root", &cfg.Root)
	set("output", &cfg.Output)
	set("log-level", &cfg.LogLevel)
}

// OpenStore opens the backend StoreURL selects.
func OpenStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	if cfg.Backend() == config.BackendSQLite {
		s, err := sqlitestore.Open(cfg.SQLitePath(), sqlitestore.Limits{})
		if err != nil {
			return nil, fmt.Errorf("failed to open store: %w", err)
		}
		return s, nil
	}

	opts := rtdb.Options{
		URL:               cfg.StoreURL,
		Secret:            cfg.StoreSecret,
		RequestsPerSecond: cfg.StoreRPS,
		WriteSizeLimit:    cfg.WriteSizeLimit,
		Logger:            logger,
	}
	if cfg.ServiceAccount != "" {
		if ctx == nil {
			ctx = context.Background()
		}
		ts, err := rtdb.TokenSourceFromFile(ctx, cfg.ServiceAccount)
		if err != nil {
			return nil, err
		}
		opts.TokenSource = ts
	}
	c, err := rtdb.New(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return c, nil
}

// NewWriter builds the bisecting writer with the configured retry policy.
func NewWriter(cfg *config.Config, s store.Store, logger *slog.Logger) *bounded.Writer {
	w := bounded.NewWriter(s, logger)
	w.MaxRetries = cfg.MaxRetries
	w.BaseDelay = cfg.BaseDelay
	return w
}

// NewDeleter builds the tree deleter with the configured chunk size.
func (a *App) NewDeleter() *bounded.Deleter {
	d := bounded.NewDeleter(a.Writer)
	if a.Config.DeleteChunkSize > 0 {
		d.ChunkSize = a.Config.DeleteChunkSize
	}
	return d
}

// Splitter returns the record splitter described by the configuration.
func (a *App) Splitter() record.Splitter {
	return record.Splitter{
		IDField:    a.Config.IDField,
		RoleField:  a.Config.RoleField,
		RoleFields: a.Config.RoleFields,
		MetaFields: a.Config.MetaFields,
	}
}

// Archiver returns the configured summary archiver, or nil when archiving
// is off. A bucket takes precedence over a directory.
func (a *App) Archiver(ctx context.Context) (*archive.Archiver, error) {
	cfg := a.Config
	switch {
	case cfg.ArchiveBucket != "":
		sink, err := archive.OpenS3Sink(ctx, cfg.ArchiveBucket, cfg.ArchivePrefix, cfg.ArchiveRegion)
		if err != nil {
			return nil, err
		}
		return archive.New(sink, cfg.ArchiveLevel, a.Logger), nil
	case cfg.ArchiveDir != "":
		return archive.New(archive.DirSink{Dir: cfg.ArchiveDir}, cfg.ArchiveLevel, a.Logger), nil
	}
	return nil, nil
}

// Renderer returns a renderer for the configured output format.
func (a *App) Renderer(cmd *cobra.Command) (*render.Renderer, error) {
	format, err := render.ParseFormat(a.Config.Output)
	if err != nil {
		return nil, err
	}
	return render.NewRenderer(cmd.OutOrStdout(), render.Options{Format: format}), nil
}

// Package dronehub is the top-level entry point for the DroneHub control
// plane.
//
// Use the Builder to compose a hub:
//
//	app, err := dronehub.NewBuilder().Build()
//	app.Start(ctx)
//
// Or substitute components:
//
//	app, err := dronehub.NewBuilder().
//	    WithConfig(cfg).
//	    WithPRs(myGitHubClient).
//	    Build()
package dronehub

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/nerfZael/dronehub/dvm"
	"github.com/nerfZael/dronehub/engine"
	"github.com/nerfZael/dronehub/eventbus"
	"github.com/nerfZael/dronehub/gitsync"
	"github.com/nerfZael/dronehub/httpapi"
	"github.com/nerfZael/dronehub/internal/config"
	"github.com/nerfZael/dronehub/internal/github"
	"github.com/nerfZael/dronehub/internal/logging"
	"github.com/nerfZael/dronehub/internal/namer"
	"github.com/nerfZael/dronehub/internal/notify"
	"github.com/nerfZael/dronehub/prompt"
	"github.com/nerfZael/dronehub/registry"
	"github.com/nerfZael/dronehub/store/sqlite"
	"github.com/nerfZael/dronehub/terminal"
)

// shutdownGrace bounds the HTTP server drain after ctx cancellation.
const shutdownGrace = 10 * time.Second

// Builder constructs a DroneHub App.
type Builder struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *sqlite.Store
	bus      *eventbus.Bus
	dvm      *dvm.Client
	git      *gitsync.Engine
	prs      *github.Client
	notifier *notify.Notifier
	namer    *namer.Namer
}

// NewBuilder creates a new Builder. Missing components are filled with
// defaults at Build time.
func NewBuilder() *Builder {
	return &Builder{}
}

// WithConfig sets the hub configuration. Without it, Build loads the
// config from the file and environment layers.
func (b *Builder) WithConfig(cfg *config.Config) *Builder {
	b.cfg = cfg
	return b
}

// WithLogger sets the root logger.
func (b *Builder) WithLogger(log *slog.Logger) *Builder {
	b.logger = log
	return b
}

// WithStore sets the chat history store.
func (b *Builder) WithStore(st *sqlite.Store) *Builder {
	b.store = st
	return b
}

// WithBus sets the live event bus.
func (b *Builder) WithBus(bus *eventbus.Bus) *Builder {
	b.bus = bus
	return b
}

// WithDvm sets the container engine client.
func (b *Builder) WithDvm(client *dvm.Client) *Builder {
	b.dvm = client
	return b
}

// WithGit sets the repo sync engine.
func (b *Builder) WithGit(git *gitsync.Engine) *Builder {
	b.git = git
	return b
}

// WithPRs sets the GitHub client for pull request operations.
func (b *Builder) WithPRs(prs *github.Client) *Builder {
	b.prs = prs
	return b
}

// WithNotifier sets the Slack lifecycle notifier.
func (b *Builder) WithNotifier(n *notify.Notifier) *Builder {
	b.notifier = n
	return b
}

// WithNamer sets the LLM name drafter for unnamed drones.
func (b *Builder) WithNamer(n *namer.Namer) *Builder {
	b.namer = n
	return b
}

// Build creates the App. Missing components are filled with defaults.
func (b *Builder) Build() (*App, error) {
	if err := applyDefaults(b); err != nil {
		return nil, err
	}
	cfg := b.cfg

	reg, err := registry.New(registry.Config{
		Path:         cfg.SnapshotPath,
		FlushTimeout: cfg.SnapshotFlushTimeout,
		Logger:       logging.Component(b.logger, "registry"),
	})
	if err != nil {
		return nil, err
	}

	git := b.git
	if git == nil {
		git = gitsync.New(gitsync.Config{
			Dvm:           b.dvm,
			RepoDest:      cfg.DroneRepoDir,
			GitTimeout:    cfg.ExecTimeout,
			BundleTimeout: cfg.SeedTimeout,
			Logger:        logging.Component(b.logger, "gitsync"),
		})
	}

	prompts := prompt.New(prompt.Config{
		Dvm:             b.dvm,
		Registry:        reg,
		Store:           b.store,
		Bus:             b.bus,
		ContainerPrefix: cfg.ContainerPrefix,
		ChatsDir:        cfg.DroneChatsDir,
		AttachDir:       cfg.DroneAttachDir,
		Logger:          logging.Component(b.logger, "prompt"),
	})

	terminals := terminal.NewHub(terminal.Config{
		Dvm:             b.dvm,
		Registry:        reg,
		ContainerPrefix: cfg.ContainerPrefix,
		AgentCmd:        cfg.AgentCommand,
		Logger:          logging.Component(b.logger, "terminal"),
	})

	eng := engine.New(engine.Config{
		ContainerPrefix:      cfg.ContainerPrefix,
		ChatsDir:             cfg.DroneChatsDir,
		AgentCommand:         cfg.AgentCommand,
		DefaultContainerPort: cfg.DefaultContainerPort,
		BaseImageTimeout:     cfg.BaseImageTimeout,
		GCSchedule:           cfg.GCSchedule,
		GCErrorTTL:           cfg.GCErrorTTL,
		Logger:               logging.Component(b.logger, "engine"),
	}, reg, b.bus, b.dvm, git, b.store)
	eng.SetPrompts(prompts)
	eng.SetTerminals(terminals)
	eng.SetNamer(b.namer)
	eng.SetNotifier(b.notifier)

	handler := httpapi.New(httpapi.Config{
		Engine:          eng,
		Registry:        reg,
		Prompts:         prompts,
		Terminals:       terminals,
		Git:             git,
		Dvm:             b.dvm,
		PRs:             b.prs,
		Bus:             b.bus,
		Store:           b.store,
		Logger:          logging.Component(b.logger, "httpapi"),
		ContainerPrefix: cfg.ContainerPrefix,
	})

	return &App{
		cfg:       cfg,
		log:       b.logger,
		registry:  reg,
		store:     b.store,
		engine:    eng,
		prompts:   prompts,
		terminals: terminals,
		handler:   handler,
	}, nil
}

// App is a composed DroneHub application.
type App struct {
	cfg       *config.Config
	log       *slog.Logger
	registry  *registry.Registry
	store     *sqlite.Store
	engine    *engine.Engine
	prompts   *prompt.Dispatcher
	terminals *terminal.Hub
	handler   *httpapi.Handler
}

// Engine returns the underlying lifecycle engine for direct access.
func (a *App) Engine() *engine.Engine { return a.engine }

// Router returns the HTTP API router for embedding in another server.
func (a *App) Router() http.Handler { return a.handler.Router() }

// Start runs the engine and the HTTP server. Blocks until ctx is done,
// then drains streaming clients, stops background work, and flushes state.
func (a *App) Start(ctx context.Context) error {
	if err := a.engine.Start(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:    a.cfg.ServerAddr,
		Handler: a.handler.Router(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	a.log.Info("dronehub listening", "addr", a.cfg.ServerAddr)
	serveErr := srv.ListenAndServe()
	closeErr := a.Close()

	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return serveErr
	}
	return closeErr
}

// Close drains streaming clients, stops background work, and flushes state.
// Start calls it on return; embedders serving Router() themselves call it
// once when done.
func (a *App) Close() error {
	// Streaming clients see the close frame before their backends go away.
	a.terminals.Close()
	a.engine.Stop()
	a.prompts.Stop()
	if err := a.registry.Flush(); err != nil {
		a.log.Warn("flushing registry snapshot", "err", err)
	}
	return a.store.Close()
}

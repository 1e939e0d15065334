package dronehub

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/nerfZael/dronehub/dvm"
	"github.com/nerfZael/dronehub/eventbus"
	"github.com/nerfZael/dronehub/internal/config"
	"github.com/nerfZael/dronehub/internal/github"
	"github.com/nerfZael/dronehub/internal/logging"
	"github.com/nerfZael/dronehub/internal/namer"
	"github.com/nerfZael/dronehub/internal/notify"
	"github.com/nerfZael/dronehub/store/sqlite"
)

// applyDefaults fills in missing components on the builder with defaults.
func applyDefaults(b *Builder) error {
	if b.cfg == nil {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		b.cfg = cfg
	} else if b.cfg.DataDir != "" {
		// A hand-built config still needs its data directory and paths.
		if err := os.MkdirAll(b.cfg.DataDir, 0o755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
		if b.cfg.DatabasePath == "" {
			b.cfg.DatabasePath = filepath.Join(b.cfg.DataDir, "dronehub.db")
		}
		if b.cfg.SnapshotPath == "" {
			b.cfg.SnapshotPath = filepath.Join(b.cfg.DataDir, "registry.json")
		}
	}

	if err := b.cfg.Validate(); err != nil {
		return err
	}

	if b.logger == nil {
		b.logger = logging.New(b.cfg.LogJSON)
	}

	if b.store == nil {
		st, err := sqlite.New(b.cfg.DatabasePath)
		if err != nil {
			return fmt.Errorf("initializing store: %w", err)
		}
		b.store = st
	}

	if b.bus == nil {
		b.bus = eventbus.New()
	}

	if b.dvm == nil {
		b.dvm = dvm.New(dvm.Config{
			Bin:         b.cfg.DvmBin,
			ExecTimeout: b.cfg.ExecTimeout,
			LongTimeout: b.cfg.SeedTimeout,
			Logger:      logging.Component(b.logger, "dvm"),
		})
	}

	// PR operations need a token; without one the API reports auth_failure.
	if b.prs == nil && b.cfg.GitHubToken != "" {
		b.prs = github.NewClient(b.cfg.GitHubToken)
	}

	// Both return nil when unconfigured; the engine treats nil as disabled.
	if b.notifier == nil {
		b.notifier = notify.New(b.cfg.SlackBotToken, b.cfg.SlackChannel,
			logging.Component(b.logger, "notify"))
	}
	if b.namer == nil {
		b.namer = namer.New(b.cfg.AnthropicAPIKey, b.cfg.OpenAIAPIKey,
			logging.Component(b.logger, "namer"))
	}

	return nil
}

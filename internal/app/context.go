package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"

	"porthub/internal/collector"
	"porthub/internal/config"
	"porthub/internal/db"
	"porthub/internal/engine"
	"porthub/internal/migrate"
	"porthub/internal/notify"
	"porthub/internal/repo"
	"porthub/internal/verify"
)

// Options control how a workspace runtime is assembled.
type Options struct {
	Workspace string
	Logger    *slog.Logger
	// HTTPClient is shared by the verification probe and the webhook channel.
	HTTPClient *http.Client
}

// Runtime is everything a command needs to act on a workspace.
type Runtime struct {
	DB        *sql.DB
	Repo      repo.Repo
	Config    *config.Config
	Secrets   config.Secrets
	Outbox    notify.Outbox
	Engine    engine.Engine
	Collector *collector.Registry
}

// ResolveConfig loads porthub.yml from the workspace (defaults when absent)
// and overlays secrets from the environment.
func ResolveConfig(workspace string) (*config.Config, config.Secrets, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, config.Secrets{}, err
	}
	secrets, err := config.LoadSecrets()
	if err != nil {
		return nil, config.Secrets{}, err
	}
	cfg.ApplySecrets(secrets)
	return cfg, secrets, nil
}

// Open opens and migrates the workspace database and wires the engine.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg, secrets, err := ResolveConfig(opts.Workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	r := repo.New(conn)
	outbox := notify.Outbox{Repo: r}

	eng := engine.New(r, BuildChannel(cfg, outbox, opts.HTTPClient, logger), cfg)
	eng.Logger = logger
	eng.Ledger.Logger = logger
	eng.Probe = verify.NewProbe(cfg.Verification, opts.HTTPClient, logger)

	return &Runtime{
		DB:        conn,
		Repo:      r,
		Config:    cfg,
		Secrets:   secrets,
		Outbox:    outbox,
		Engine:    eng,
		Collector: collector.NewRegistry(),
	}, nil
}

// BuildChannel returns the outbox, mirrored to the notification webhook when
// one is configured.
func BuildChannel(cfg *config.Config, outbox notify.Outbox, client *http.Client, logger *slog.Logger) notify.Channel {
	if cfg == nil || cfg.Notify.Webhook.URL == "" {
		return outbox
	}
	return notify.Fanout{
		Primary: outbox,
		Mirrors: []notify.Channel{notify.NewWebhook(cfg.Notify.Webhook, client)},
		Logger:  logger,
	}
}

func (rt *Runtime) Close() error {
	if rt == nil || rt.DB == nil {
		return nil
	}
	return rt.DB.Close()
}

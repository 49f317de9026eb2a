// Package app wires a workspace's config into a running engine and its background loops.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"boardline/internal/config"
	"boardline/internal/db"
	"boardline/internal/engine"
	"boardline/internal/escalation"
	"boardline/internal/itemstore"
	"boardline/internal/lock"
	"boardline/internal/logging"
	"boardline/internal/migrate"
	"boardline/internal/notify"
	"boardline/internal/reconcile"
	"boardline/internal/repo"
)

// Runtime holds everything a command needs against one workspace.
type Runtime struct {
	Workspace  string
	DB         *sql.DB
	Config     *config.Config
	Engine     *engine.Engine
	Reconciler *reconcile.Reconciler
	Scheduler  *escalation.Scheduler
	Log        *logging.Logger

	closers []func()
}

// Init creates the workspace, writes a default config if none exists and migrates the database.
func Init(ctx context.Context, workspace, boardID string, force bool) (string, int, error) {
	if strings.TrimSpace(boardID) == "" {
		return "", 0, errors.New("board id required")
	}
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return "", 0, err
	}
	path := config.Path(workspace)
	if _, err := os.Stat(path); err == nil && !force {
		return "", 0, fmt.Errorf("%s already exists; use --force to overwrite", path)
	}
	if err := os.WriteFile(path, []byte(config.GenerateDefault(boardID)), 0o644); err != nil {
		return "", 0, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return "", 0, err
	}
	defer conn.Close()
	applied, err := migrate.Migrate(ctx, conn)
	if err != nil {
		return "", 0, err
	}
	return path, applied, nil
}

// Open loads config, opens and migrates the database, and builds the engine with the
// configured lock backend, tracker and notification gateways.
func Open(ctx context.Context, workspace string, log *logging.Logger) (*Runtime, error) {
	if log == nil {
		log = logging.NewNop()
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	rt := &Runtime{Workspace: workspace, DB: conn, Config: cfg, Log: log}
	rt.closers = append(rt.closers, func() { conn.Close() })
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		rt.Close()
		return nil, err
	}
	store, err := BuildStore(ctx, cfg, log.Named("tracker"))
	if err != nil {
		rt.Close()
		return nil, err
	}
	gw, closeGW, err := BuildGateway(cfg, log.Named("notify"))
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.closers = append(rt.closers, closeGW)
	rt.Engine = engine.New(conn, cfg, engine.Options{
		Locker:  BuildLocker(cfg, repo.Repo{DB: conn}, log.Named("lock")),
		Store:   store,
		Gateway: gw,
		Log:     log.Named("engine"),
	})
	rt.Reconciler = reconcile.New(rt.Engine, log.Named("reconcile"))
	rt.Scheduler = &escalation.Scheduler{
		Repo:  rt.Engine.Repo,
		Firer: rt.Engine,
		Now:   rt.Engine.Now,
		Log:   log.Named("escalation"),
	}
	return rt, nil
}

// Close releases the gateway connections and the database, newest first.
func (r *Runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
}

func BuildLocker(cfg *config.Config, r repo.Repo, log *logging.Logger) lock.Locker {
	if cfg.Locking.Backend == config.LockBackendLease {
		return lock.NewLeaseLocker(r, cfg.Locking.LeaseTTL, log)
	}
	return lock.NewKeyedMutex()
}

// BuildStore returns the tracker the board projects onto.
func BuildStore(ctx context.Context, cfg *config.Config, log *logging.Logger) (itemstore.Store, error) {
	if log == nil {
		log = logging.NewNop()
	}
	switch cfg.Tracker.Kind {
	case config.TrackerGitHub:
		client, err := itemstore.NewGitHubClient(ctx, os.Getenv(cfg.Tracker.TokenEnv))
		if err != nil {
			return nil, fmt.Errorf("%w (set %s)", err, cfg.Tracker.TokenEnv)
		}
		return itemstore.NewGitHub(client, cfg.Tracker.Owner, cfg.Tracker.Repo, log), nil
	default:
		log.Warn(ctx, "using in-memory tracker; labels are not persisted")
		return itemstore.NewMemory(), nil
	}
}

// BuildGateway fans notifications out to NATS and the configured webhooks. With neither
// configured every notification stays pending in the outbox.
func BuildGateway(cfg *config.Config, log *logging.Logger) (notify.Gateway, func(), error) {
	if log == nil {
		log = logging.NewNop()
	}
	var (
		fan     notify.FanOut
		closeFn = func() {}
	)
	if url := strings.TrimSpace(cfg.Notify.NATS.URL); url != "" {
		conn, err := nats.Connect(url, nats.Name("boardline"), nats.MaxReconnects(-1))
		if err != nil {
			return nil, nil, fmt.Errorf("connect nats %s: %w", url, err)
		}
		closeFn = conn.Close
		fan = append(fan, notify.NewNATS(conn, cfg.Notify.NATS.SubjectPrefix))
	}
	if len(cfg.Notify.Webhooks) > 0 {
		targets := make([]notify.WebhookTarget, 0, len(cfg.Notify.Webhooks))
		for _, wh := range cfg.Notify.Webhooks {
			t := notify.WebhookTarget{ID: wh.ID, URL: wh.URL, Events: wh.Events}
			if wh.SecretEnv != "" {
				t.Secret = os.Getenv(wh.SecretEnv)
			}
			targets = append(targets, t)
		}
		fan = append(fan, notify.NewWebhook(targets))
	}
	if len(fan) == 0 {
		log.Warn(context.Background(), "no notification gateway configured")
	} else {
		log.Info(context.Background(), "notification gateways ready", zap.Int("count", len(fan)))
	}
	return fan, closeFn, nil
}

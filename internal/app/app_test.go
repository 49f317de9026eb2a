package app

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boardline/internal/config"
	"boardline/internal/domain"
	"boardline/internal/engine"
	"boardline/internal/itemstore"
	"boardline/internal/notify"
)

func TestInitThenOpen(t *testing.T) {
	ctx := context.Background()
	ws := t.TempDir()
	path, applied, err := Init(ctx, ws, "board-1", false)
	require.NoError(t, err)
	assert.Equal(t, config.Path(ws), path)
	assert.Positive(t, applied)

	_, _, err = Init(ctx, ws, "board-1", false)
	require.ErrorContains(t, err, "already exists")

	rt, err := Open(ctx, ws, nil)
	require.NoError(t, err)
	defer rt.Close()
	assert.Equal(t, "board-1", rt.Config.Board.ID)
	assert.IsType(t, &itemstore.Memory{}, rt.Engine.Store)

	_, err = rt.Engine.RegisterActor(ctx, domain.ActorRef{ID: "orch", Kind: domain.ActorHuman, Capabilities: []domain.Capability{domain.CapOrchestrator}})
	require.NoError(t, err)
	it, err := rt.Engine.CreateItem(ctx, engine.CreateItemOptions{ID: "acme/api#1", Title: "First", ActorID: "orch"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusBacklog, it.Status)
}

func TestBuildGatewayFromConfig(t *testing.T) {
	cfg := config.Default("board-1")
	gw, closeFn, err := BuildGateway(cfg, nil)
	require.NoError(t, err)
	defer closeFn()
	assert.Empty(t, gw)

	t.Setenv("HOOK_SECRET", "s3cret")
	cfg.Notify.Webhooks = []config.Webhook{{ID: "ops", URL: "http://127.0.0.1:1/hook", SecretEnv: "HOOK_SECRET"}}
	gw, closeFn, err = BuildGateway(cfg, nil)
	require.NoError(t, err)
	defer closeFn()
	fan := gw.(notify.FanOut)
	require.Len(t, fan, 1)
	wh := fan[0].(*notify.Webhook)
	assert.Equal(t, "s3cret", wh.Targets[0].Secret)
}

func TestBuildStoreRequiresToken(t *testing.T) {
	cfg := config.Default("board-1")
	cfg.Tracker.Kind = config.TrackerGitHub
	cfg.Tracker.Owner, cfg.Tracker.Repo = "acme", "api"
	cfg.Tracker.TokenEnv = "BOARDLINE_TEST_TOKEN_UNSET"
	os.Unsetenv(cfg.Tracker.TokenEnv)
	_, err := BuildStore(context.Background(), cfg, nil)
	require.ErrorContains(t, err, "BOARDLINE_TEST_TOKEN_UNSET")
}

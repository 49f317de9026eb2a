package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boardline/internal/config"
	"boardline/internal/db"
	"boardline/internal/domain"
	"boardline/internal/engine"
	"boardline/internal/itemstore"
	"boardline/internal/lock"
	"boardline/internal/migrate"
	"boardline/internal/notify"
)

const (
	testSecret     = "test-jwt-secret"
	testHookSecret = "hook-secret"
)

type testServer struct {
	URL    string
	Engine *engine.Engine
	Store  *itemstore.Memory
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, hook WebhookConfig) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	store := itemstore.NewMemory()
	e := engine.New(conn, config.Default("board-1"), engine.Options{Store: store, Gateway: &notify.Recorder{}})
	for _, a := range []domain.ActorRef{
		{ID: "orch", Kind: domain.ActorAgent, Capabilities: []domain.Capability{domain.CapOrchestrator}},
		{ID: "agent-a", Kind: domain.ActorAgent, Capabilities: []domain.Capability{domain.CapAuthor}},
	} {
		_, err := e.RegisterActor(context.Background(), a)
		require.NoError(t, err)
	}
	if hook.Secret == "" {
		hook.Secret = testHookSecret
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowActorHeader: true},
		Webhook:  hook,
	})
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		Store:  store,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if raw, ok := body.([]byte); ok {
		reader = bytes.NewReader(raw)
	} else if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func as(actor string) map[string]string { return map[string]string{"X-Actor-Id": actor} }

func itemURL(base, id string, rest ...string) string {
	u := base + "/v0/items/" + url.PathEscape(id)
	for _, r := range rest {
		u += "/" + r
	}
	return u
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env.Error
}

func createItem(t *testing.T, srv *testServer, id string) domain.WorkItem {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/items", map[string]any{
		"id":                  id,
		"title":               "Add retry to client",
		"acceptance_criteria": "retries 3 times",
	}, as("orch"))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var it domain.WorkItem
	require.NoError(t, json.Unmarshal(data, &it))
	return it
}

func TestHealthSkipsAuth(t *testing.T) {
	srv := newTestServer(t, WebhookConfig{})
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.NotEmpty(t, res.Header.Get("X-Request-Id"))

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/items", nil, nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", decodeError(t, data).Code)

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/items", nil, map[string]string{"Authorization": "Bearer nope"})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestTransitionFlowWithEscapedItemID(t *testing.T) {
	srv := newTestServer(t, WebhookConfig{})
	it := createItem(t, srv, "acme/api#7")
	assert.Equal(t, domain.StatusBacklog, it.Status)
	assert.Equal(t, int64(1), it.Version)

	res, data := doJSON(t, srv.Client(), http.MethodGet, itemURL(srv.URL, it.ID), nil, as("agent-a"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodPost, itemURL(srv.URL, it.ID, "transitions"), map[string]any{
		"expected_version": 1,
		"to":               "in_progress",
	}, as("orch"))
	require.Equal(t, http.StatusUnprocessableEntity, res.StatusCode, string(data))
	body := decodeError(t, data)
	assert.Equal(t, "invalid_transition", body.Code)
	assert.Equal(t, []any{"todo"}, body.Details["legal"])
	assert.Equal(t, true, body.Details["can_block"])

	res, data = doJSON(t, srv.Client(), http.MethodPost, itemURL(srv.URL, it.ID, "transitions"), map[string]any{
		"expected_version": 1,
		"to":               "todo",
		"size":             "small",
	}, as("orch"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var moved engine.TransitionResult
	require.NoError(t, json.Unmarshal(data, &moved))
	assert.Equal(t, domain.StatusTodo, moved.Item.Status)
	assert.Equal(t, int64(2), moved.Record.Version)

	res, data = doJSON(t, srv.Client(), http.MethodPost, itemURL(srv.URL, it.ID, "transitions"), map[string]any{
		"expected_version": 1,
		"to":               "in_progress",
	}, as("agent-a"))
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))
	body = decodeError(t, data)
	assert.EqualValues(t, 2, body.Details["actual"])

	res, data = doJSON(t, srv.Client(), http.MethodPost, itemURL(srv.URL, it.ID, "transitions"), map[string]any{
		"expected_version": 2,
		"to":               "in_progress",
	}, as("agent-a"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &moved))
	assert.Equal(t, []string{"agent-a"}, moved.Item.Assignees)
	assert.Equal(t, "fix/acme-api-7-add-retry-to-client", moved.BranchHint)

	res, data = doJSON(t, srv.Client(), http.MethodGet, itemURL(srv.URL, it.ID, "history"), nil, as("agent-a"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var recs []domain.TransitionRecord
	require.NoError(t, json.Unmarshal(data, &recs))
	require.Len(t, recs, 2)

	res, data = doJSON(t, srv.Client(), http.MethodGet, itemURL(srv.URL, it.ID, "route"), nil, as("agent-a"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var route RouteResponse
	require.NoError(t, json.Unmarshal(data, &route))
	assert.Equal(t, domain.StatusMergeRelease, route.Route)
}

func TestRoleNotPermittedIsForbidden(t *testing.T) {
	srv := newTestServer(t, WebhookConfig{})
	it := createItem(t, srv, "acme/api#8")
	res, data := doJSON(t, srv.Client(), http.MethodPost, itemURL(srv.URL, it.ID, "transitions"), map[string]any{
		"expected_version": 1,
		"to":               "todo",
		"size":             "big",
	}, as("agent-a"))
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))
	assert.Equal(t, "role_not_permitted", decodeError(t, data).Code)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/actors", map[string]any{
		"id":           "agent-c",
		"kind":         "agent",
		"capabilities": []string{"author"},
	}, as("agent-a"))
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))
}

func TestBlockerReportAndResolve(t *testing.T) {
	srv := newTestServer(t, WebhookConfig{})
	it := createItem(t, srv, "acme/api#9")
	res, data := doJSON(t, srv.Client(), http.MethodPost, itemURL(srv.URL, it.ID, "blocker"), map[string]any{
		"expected_version": 1,
		"reason":           "waiting on schema decision",
		"category":         "clarification",
	}, as("orch"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var blocked engine.TransitionResult
	require.NoError(t, json.Unmarshal(data, &blocked))
	require.NotNil(t, blocked.Item.Blocker)
	assert.Equal(t, domain.StageNotified, blocked.Item.Blocker.EscalationStage)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/status", nil, as("orch"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodPost, itemURL(srv.URL, it.ID, "blocker/resolve"), map[string]any{
		"expected_version": blocked.Item.Version,
		"resolution":       "schema agreed",
	}, as("agent-a"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var resolved engine.ResolveResult
	require.NoError(t, json.Unmarshal(data, &resolved))
	assert.Equal(t, domain.StatusBacklog, resolved.Resolved.Item.Status)
	assert.Nil(t, resolved.Reblocked)
}

func TestTokenAndAPIKeyAuth(t *testing.T) {
	srv := newTestServer(t, WebhookConfig{})
	token, err := SignToken(testSecret, "agent-a", time.Hour, time.Now())
	require.NoError(t, err)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var me Me
	require.NoError(t, json.Unmarshal(data, &me))
	assert.Equal(t, "agent-a", me.Actor.ID)
	assert.Equal(t, "jwt", me.Source)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/actors/agent-a/keys", map[string]any{"name": "ci"}, as("orch"))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var created APIKeyCreated
	require.NoError(t, json.Unmarshal(data, &created))
	require.NotEmpty(t, created.Secret)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": created.Secret})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &me))
	assert.Equal(t, "api_key", me.Source)

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": "bl_bogus"})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func signedHook(t *testing.T, event string, payload any) ([]byte, map[string]string) {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	mac := hmac.New(sha256.New, []byte(testHookSecret))
	mac.Write(body)
	return body, map[string]string{
		"X-GitHub-Event":      event,
		"X-GitHub-Delivery":   "d-1",
		"X-Hub-Signature-256": "sha256=" + hex.EncodeToString(mac.Sum(nil)),
	}
}

func TestTrackerWebhookClosedIssueForcesDone(t *testing.T) {
	srv := newTestServer(t, WebhookConfig{})
	it := createItem(t, srv, "acme/api#10")
	srv.Store.Close(it.ID)

	body, headers := signedHook(t, "issues", map[string]any{
		"action":     "closed",
		"issue":      map[string]any{"number": 10},
		"repository": map[string]any{"full_name": "acme/api"},
	})
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/hooks/github", body, headers)
	require.Equal(t, http.StatusAccepted, res.StatusCode, string(data))
	var out webhookResult
	require.NoError(t, json.Unmarshal(data, &out))
	require.NotNil(t, out.Outcome)
	assert.Equal(t, "issue_closed", out.Outcome.Divergence)

	got, err := srv.Engine.QueryItem(context.Background(), it.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDone, got.Status)

	body, headers = signedHook(t, "issues", map[string]any{
		"action":     "closed",
		"issue":      map[string]any{"number": 99},
		"repository": map[string]any{"full_name": "acme/api"},
	})
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/hooks/github", body, headers)
	require.Equal(t, http.StatusAccepted, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, "item not on board", out.Ignored)
}

func TestTrackerWebhookRejectsBadSignatureAndRateLimits(t *testing.T) {
	srv := newTestServer(t, WebhookConfig{RateLimit: 0.001, Burst: 1})
	body, headers := signedHook(t, "ping", map[string]any{"zen": "hi"})
	headers["X-Hub-Signature-256"] = "sha256=00"
	res, _ := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/hooks/github", body, headers)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res, _ = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/hooks/github", body, headers)
	require.Equal(t, http.StatusTooManyRequests, res.StatusCode)
	assert.Equal(t, "1", res.Header.Get("Retry-After"))
}

func TestBusyMapsToServiceUnavailable(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, asStatusError(handleError(lock.ErrBusy)).GetStatus())
	assert.Equal(t, http.StatusBadRequest, asStatusError(handleError(engine.InputError{Msg: "x"})).GetStatus())
}

func TestTrackerWebhookDropsIdleLimiters(t *testing.T) {
	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	h := newTrackerWebhook(WebhookConfig{Secret: testHookSecret}, nil, nil)
	h.now = func() time.Time { return clock }
	from := func(addr string) *http.Request {
		r, err := http.NewRequest(http.MethodPost, "/hooks/github", nil)
		require.NoError(t, err)
		r.RemoteAddr = addr
		return r
	}

	a := h.limiter(from("10.0.0.1:4000"))
	assert.Same(t, a, h.limiter(from("10.0.0.1:4001")), "same host shares a limiter")
	h.limiter(from("10.0.0.2:4000"))
	require.Len(t, h.limiters, 2)

	clock = clock.Add(limiterIdle / 2)
	h.limiter(from("10.0.0.2:4000"))
	clock = clock.Add(limiterIdle/2 + time.Minute)
	h.limiter(from("10.0.0.3:4000"))

	assert.NotContains(t, h.limiters, "10.0.0.1")
	assert.Contains(t, h.limiters, "10.0.0.2")
	assert.Contains(t, h.limiters, "10.0.0.3")
}

func TestOpenAPIDocumentAndDocsPage(t *testing.T) {
	srv := newTestServer(t, WebhookConfig{})
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Contains(t, doc, "openapi")
	assert.Contains(t, doc, "paths")

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/docs", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(data), "/v0/openapi.json")
}

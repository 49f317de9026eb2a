package boardlinesdk

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionEscapesItemID(t *testing.T) {
	var gotPath, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		gotKey = r.Header.Get("X-Api-Key")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"item":{"id":"acme/api#7","status":"todo","version":2},"record":{"version":2,"from_status":"backlog","to_status":"todo"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.APIKey = "bl_test"
	res, err := c.Transition(context.Background(), "acme/api#7", TransitionInput{ExpectedVersion: 1, To: "todo", Size: "small"})
	require.NoError(t, err)
	assert.Equal(t, "/v1/items/acme%2Fapi%237/transitions", gotPath)
	assert.Equal(t, "bl_test", gotKey)
	assert.Equal(t, int64(2), res.Item.Version)
}

func TestErrorEnvelopeDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("case") {
		case "busy":
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"error":{"code":"busy","message":"item is busy, retry shortly"}}`))
		default:
			w.WriteHeader(http.StatusUnprocessableEntity)
			w.Write([]byte(`{"error":{"code":"invalid_transition","message":"nope","details":{"legal":["in_progress","merge_release"],"can_block":true}}}`))
		}
	}))
	defer srv.Close()
	c := New(srv.URL)

	err := c.do(context.Background(), http.MethodGet, "x", nil, nil)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "invalid_transition", apiErr.Code)
	assert.Equal(t, []string{"in_progress", "merge_release"}, apiErr.Legal())

	err = c.do(context.Background(), http.MethodGet, "x?case=busy", nil, nil)
	assert.True(t, IsBusy(err))
	assert.False(t, IsConflict(err))
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, time.Second, apiErr.RetryAfter)
}

package boardlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Boardline HTTP API client for agents.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

type Blocker struct {
	ID              string `json:"id"`
	Reason          string `json:"reason"`
	Category        string `json:"category"`
	ReportedBy      string `json:"reported_by"`
	DiscoveredAt    string `json:"discovered_at"`
	EscalationStage int    `json:"escalation_stage"`
}

type Item struct {
	ID                 string   `json:"id"`
	Title              string   `json:"title"`
	AcceptanceCriteria string   `json:"acceptance_criteria,omitempty"`
	Status             string   `json:"status"`
	Size               string   `json:"size,omitempty"`
	Assignees          []string `json:"assignees"`
	PreviousStatus     string   `json:"previous_status,omitempty"`
	Blocker            *Blocker `json:"blocker,omitempty"`
	Version            int64    `json:"version"`
	ArtifactRef        string   `json:"artifact_ref,omitempty"`
}

type Record struct {
	ItemID           string         `json:"item_id"`
	Version          int64          `json:"version"`
	FromStatus       string         `json:"from_status"`
	ToStatus         string         `json:"to_status"`
	ActorID          string         `json:"actor_id"`
	Timestamp        string         `json:"timestamp"`
	Comment          string         `json:"comment,omitempty"`
	Forced           bool           `json:"forced,omitempty"`
	DivergenceReason string         `json:"divergence_reason,omitempty"`
	Details          map[string]any `json:"details,omitempty"`
}

type TransitionResult struct {
	Item                 Item             `json:"item"`
	Record               Record           `json:"record"`
	BranchHint           string           `json:"branch_hint,omitempty"`
	NotificationFailures []map[string]any `json:"notification_failures,omitempty"`
	ProjectionError      string           `json:"projection_error,omitempty"`
}

type ResolveResult struct {
	Resolved  TransitionResult  `json:"resolved"`
	Reblocked *TransitionResult `json:"reblocked,omitempty"`
}

type Transitions struct {
	Item     Item     `json:"item"`
	Legal    []string `json:"legal"`
	CanBlock bool     `json:"can_block"`
}

// TransitionInput carries the fields a transition may need.
type TransitionInput struct {
	ExpectedVersion int64         `json:"expected_version"`
	To              string        `json:"to"`
	Comment         string        `json:"comment,omitempty"`
	Verdict         string        `json:"verdict,omitempty"`
	ArtifactRef     string        `json:"artifact_ref,omitempty"`
	Size            string        `json:"size,omitempty"`
	Blocker         *BlockerInput `json:"blocker,omitempty"`
	Resolution      string        `json:"resolution,omitempty"`
}

type BlockerInput struct {
	Reason       string `json:"reason"`
	Category     string `json:"category"`
	LinkedItemID string `json:"linked_item_id,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Events     []Event `json:"events"`
	NextCursor int64   `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code and Details come from the error envelope.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	RetryAfter time.Duration
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Legal lists the statuses a rejected transition could have targeted instead.
func (e *APIError) Legal() []string {
	raw, _ := e.Details["legal"].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// IsConflict reports a stale expected version; re-read the item and retry.
func IsConflict(err error) bool { return hasStatus(err, http.StatusConflict) }

// IsBusy reports that another writer held the item; retry after APIError.RetryAfter.
func IsBusy(err error) bool { return hasStatus(err, http.StatusServiceUnavailable) }

func hasStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == status
}

func (c *Client) CreateItem(ctx context.Context, id, title, acceptance, size string) (Item, error) {
	body := map[string]any{"id": id, "title": title}
	if acceptance != "" {
		body["acceptance_criteria"] = acceptance
	}
	if size != "" {
		body["size"] = size
	}
	var resp Item
	err := c.do(ctx, http.MethodPost, "items", body, &resp)
	return resp, err
}

func (c *Client) GetItem(ctx context.Context, id string) (Item, error) {
	var resp Item
	err := c.do(ctx, http.MethodGet, itemPath(id), nil, &resp)
	return resp, err
}

// ListItems lists items in the given statuses, optionally only those assigned to assignee.
func (c *Client) ListItems(ctx context.Context, statuses []string, assignee string) ([]Item, error) {
	q := url.Values{}
	if len(statuses) > 0 {
		q.Set("status", strings.Join(statuses, ","))
	}
	if assignee != "" {
		q.Set("assignee", assignee)
	}
	var out []Item
	for {
		var page struct {
			Items      []Item `json:"items"`
			NextCursor string `json:"next_cursor"`
		}
		if err := c.do(ctx, http.MethodGet, "items?"+q.Encode(), nil, &page); err != nil {
			return out, err
		}
		out = append(out, page.Items...)
		if page.NextCursor == "" {
			return out, nil
		}
		q.Set("cursor", page.NextCursor)
	}
}

func (c *Client) Transitions(ctx context.Context, id string) (Transitions, error) {
	var resp Transitions
	err := c.do(ctx, http.MethodGet, itemPath(id, "transitions"), nil, &resp)
	return resp, err
}

func (c *Client) Transition(ctx context.Context, id string, in TransitionInput) (TransitionResult, error) {
	var resp TransitionResult
	err := c.do(ctx, http.MethodPost, itemPath(id, "transitions"), in, &resp)
	return resp, err
}

func (c *Client) Assign(ctx context.Context, id string, expectedVersion int64, assignees []string) (Item, error) {
	var resp Item
	err := c.do(ctx, http.MethodPut, itemPath(id, "assignees"), map[string]any{
		"expected_version": expectedVersion,
		"assignees":        assignees,
	}, &resp)
	return resp, err
}

func (c *Client) ReportBlocker(ctx context.Context, id string, expectedVersion int64, b BlockerInput) (TransitionResult, error) {
	body := map[string]any{
		"expected_version": expectedVersion,
		"reason":           b.Reason,
		"category":         b.Category,
	}
	if b.LinkedItemID != "" {
		body["linked_item_id"] = b.LinkedItemID
	}
	var resp TransitionResult
	err := c.do(ctx, http.MethodPost, itemPath(id, "blocker"), body, &resp)
	return resp, err
}

// ResolveBlocker returns the item to its previous column; next, when set, blocks it again.
func (c *Client) ResolveBlocker(ctx context.Context, id string, expectedVersion int64, resolution string, next *BlockerInput) (ResolveResult, error) {
	body := map[string]any{
		"expected_version": expectedVersion,
		"resolution":       resolution,
	}
	if next != nil {
		body["new_blocker"] = next
	}
	var resp ResolveResult
	err := c.do(ctx, http.MethodPost, itemPath(id, "blocker", "resolve"), body, &resp)
	return resp, err
}

func (c *Client) History(ctx context.Context, id string) ([]Record, error) {
	var resp []Record
	err := c.do(ctx, http.MethodGet, itemPath(id, "history"), nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, 0)
	return page.Events, err
}

// EventsPage returns a page of events older than cursor.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor int64) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor > 0 {
		q.Set("cursor", strconv.FormatInt(cursor, 10))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, "events?"+q.Encode(), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	b, _ := io.ReadAll(resp.Body)
	apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(b, &env) == nil {
		apiErr.Code, apiErr.Message, apiErr.Details = env.Error.Code, env.Error.Message, env.Error.Details
	}
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
		apiErr.RetryAfter = time.Duration(secs) * time.Second
	}
	return apiErr
}

// itemPath escapes ids such as owner/repo#7 into a single path segment.
func itemPath(id string, rest ...string) string {
	return "items/" + url.PathEscape(id) + strings.Join(append([]string{""}, rest...), "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/")
}

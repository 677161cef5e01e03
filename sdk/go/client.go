package treelinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Treeline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Issue represents the API issue model. Description is kept raw because
// trackers return either a plain string or a rich-text document.
type Issue struct {
	Key         string          `json:"key"`
	Summary     string          `json:"summary"`
	Description json.RawMessage `json:"description,omitempty"`
	Status      string          `json:"status"`
	Labels      []string        `json:"labels,omitempty"`
	ParentKey   string          `json:"parent_key,omitempty"`
	EpicLink    string          `json:"epic_link,omitempty"`
	Links       []IssueLink     `json:"links,omitempty"`
	CreatedAt   string          `json:"created_at,omitempty"`
	UpdatedAt   string          `json:"updated_at,omitempty"`
}

// IssueLink is one side of a typed link as seen from an issue.
type IssueLink struct {
	Type      string `json:"type"`
	Direction string `json:"direction" enum:"inward,outward"`
	Key       string `json:"key"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateIssue creates an issue. Key may be empty to let the server assign one.
func (c *Client) CreateIssue(ctx context.Context, body map[string]any) (Issue, error) {
	var resp Issue
	err := c.do(ctx, http.MethodPost, "v0/issues", body, &resp)
	return resp, err
}

// GetIssue fetches an issue by key. Fields narrows the returned representation
// when non-empty.
func (c *Client) GetIssue(ctx context.Context, key string, fields []string) (Issue, error) {
	endpoint := "v0/issues/" + url.PathEscape(key)
	if len(fields) > 0 {
		endpoint += "?fields=" + url.QueryEscape(strings.Join(fields, ","))
	}
	var resp Issue
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// SearchIssues evaluates a query expression against the tracker.
func (c *Client) SearchIssues(ctx context.Context, query string, maxResults int, fields []string) ([]Issue, error) {
	endpoint := "v0/search?query=" + url.QueryEscape(query)
	if maxResults > 0 {
		endpoint += "&max_results=" + strconv.Itoa(maxResults)
	}
	if len(fields) > 0 {
		endpoint += "&fields=" + url.QueryEscape(strings.Join(fields, ","))
	}
	var resp struct {
		Items []Issue `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// UpdateIssue patches an issue.
func (c *Client) UpdateIssue(ctx context.Context, key string, body map[string]any) (Issue, error) {
	var resp Issue
	err := c.do(ctx, http.MethodPatch, "v0/issues/"+url.PathEscape(key), body, &resp)
	return resp, err
}

// DeleteIssue removes an issue.
func (c *Client) DeleteIssue(ctx context.Context, key string) error {
	return c.do(ctx, http.MethodDelete, "v0/issues/"+url.PathEscape(key), nil, nil)
}

// LinkIssues creates a typed link from source to target.
func (c *Client) LinkIssues(ctx context.Context, sourceKey, targetKey, linkType string) error {
	body := map[string]any{
		"target_key": targetKey,
		"type":       linkType,
	}
	endpoint := fmt.Sprintf("v0/issues/%s/links", url.PathEscape(sourceKey))
	return c.do(ctx, http.MethodPost, endpoint, body, nil)
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// DevLogin mints a development JWT for actorID. The server only serves this
// endpoint when a JWT secret is configured.
func (c *Client) DevLogin(ctx context.Context, actorID string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	body := map[string]any{"actor_id": actorID}
	err := c.do(ctx, http.MethodPost, "v0/auth/dev/login", body, &resp)
	return resp.Token, err
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
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"

	"treeline/internal/db"
	"treeline/internal/domain"
	"treeline/internal/engine"
	"treeline/internal/hierarchy"
	"treeline/internal/migrate"
	"treeline/internal/repo"
	treelinesdk "treeline/sdk/go"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Close() { s.close() }

func newTestServer(t *testing.T, auth AuthConfig) *testServer {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn)
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: auth})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
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
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	return resp, data
}

func TestIssueCRUDOverHTTP(t *testing.T) {
	ts := newTestServer(t, AuthConfig{})

	resp, data := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/issues", map[string]any{
		"summary":     "Login epic",
		"description": "AC-1: users can log in",
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create: %d %s", resp.StatusCode, data)
	}
	var created IssueResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Key != "TL-1" || created.Status != "open" {
		t.Fatalf("created = %+v", created)
	}

	resp, data = doJSON(t, ts.client, http.MethodPatch, ts.URL+"/v0/issues/"+created.Key, map[string]any{
		"status": "in_progress",
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch: %d %s", resp.StatusCode, data)
	}

	resp, data = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/issues/TL-99", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing issue: %d", resp.StatusCode)
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.Error.Code != "not_found" {
		t.Fatalf("error envelope = %s", data)
	}

	resp, _ = doJSON(t, ts.client, http.MethodDelete, ts.URL+"/v0/issues/"+created.Key, nil, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/issues/"+created.Key, nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("deleted issue still present: %d", resp.StatusCode)
	}
}

func TestSearchOverHTTP(t *testing.T) {
	ts := newTestServer(t, AuthConfig{})
	client := treelinesdk.New(ts.URL)
	ctx := context.Background()

	root, err := client.CreateIssue(ctx, map[string]any{"summary": "root"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := client.CreateIssue(ctx, map[string]any{"summary": "child", "parent_key": root.Key}); err != nil {
		t.Fatal(err)
	}

	items, err := client.SearchIssues(ctx, "parent = "+root.Key, 10, nil)
	if err != nil || len(items) != 1 {
		t.Fatalf("search: %v %v", items, err)
	}

	_, err = client.SearchIssues(ctx, "cf[story_points] = 5", 10, nil)
	if err == nil {
		t.Fatal("unknown custom field must fail")
	}
	var apiErr *treelinesdk.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("err = %v", err)
	}
	if !strings.Contains(apiErr.Body, "story_points") {
		t.Fatalf("body = %s", apiErr.Body)
	}
}

func TestAuthRequiredWhenConfigured(t *testing.T) {
	ts := newTestServer(t, AuthConfig{JWTSecret: "test-secret"})

	resp, _ := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/issues", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated: %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/health", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health must stay open: %d", resp.StatusCode)
	}

	raw := "local-dev-key"
	key := domain.APIKey{ID: "key-1", ActorID: "tester", KeyHash: repo.HashAPIKey(raw)}
	if err := ts.Engine.Repo.InsertAPIKey(context.Background(), nil, key); err != nil {
		t.Fatalf("insert key: %v", err)
	}
	resp, data := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/issues", nil, map[string]string{"X-Api-Key": raw})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("api key auth: %d %s", resp.StatusCode, data)
	}
	resp, _ = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/issues", nil, map[string]string{"X-Api-Key": "wrong"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad api key: %d", resp.StatusCode)
	}

	token, err := signDevToken("test-secret", "tester")
	if err != nil {
		t.Fatal(err)
	}
	resp, _ = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/issues", nil, map[string]string{"Authorization": "Bearer " + token})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("jwt auth: %d", resp.StatusCode)
	}
}

// Seeds a four-epic hierarchy with a back link and runs the fetcher through
// the public API.
func TestHierarchyFetchEndToEnd(t *testing.T) {
	ts := newTestServer(t, AuthConfig{})
	client := treelinesdk.New(ts.URL)
	ctx := context.Background()

	mustCreate := func(body map[string]any) treelinesdk.Issue {
		t.Helper()
		is, err := client.CreateIssue(ctx, body)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		return is
	}
	root := mustCreate(map[string]any{"key": "EPIC-1", "summary": "Platform", "description": "AC-1: platform boots"})
	mustCreate(map[string]any{"key": "EPIC-2", "summary": "Auth", "parent_key": root.Key})
	mustCreate(map[string]any{"key": "EPIC-3", "summary": "Billing", "epic_link": root.Key, "description": "AC-1: invoices add up"})
	mustCreate(map[string]any{"key": "EPIC-4", "summary": "Sessions", "parent_key": "EPIC-2"})
	// EPIC-4 claims to be parent of the root, closing a cycle.
	if err := client.LinkIssues(ctx, "EPIC-4", "EPIC-1", "parent of"); err != nil {
		t.Fatalf("link: %v", err)
	}

	cfg := hierarchy.DefaultConfig()
	cfg.ParallelFetches = 2
	f, err := hierarchy.NewFetcher(client, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	res := f.FetchHierarchy(ctx, "EPIC-1")
	if !res.Success {
		t.Fatalf("errors = %v", res.Errors)
	}
	if res.TotalEpics != 4 {
		t.Fatalf("total = %d", res.TotalEpics)
	}
	if len(res.CircularRefs) != 1 || res.CircularRefs[0].Key != "EPIC-1" {
		t.Fatalf("cycles = %+v", res.CircularRefs)
	}
	if res.MaxDepthReached != 2 {
		t.Fatalf("max depth = %d", res.MaxDepthReached)
	}
	if len(res.Criteria) != 2 {
		t.Fatalf("criteria = %+v", res.Criteria)
	}

	events, err := client.Events(ctx, 50)
	if err != nil || len(events) == 0 {
		t.Fatalf("events: %v %v", events, err)
	}
}

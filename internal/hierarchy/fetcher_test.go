package hierarchy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"

	treelinesdk "treeline/sdk/go"
)

// fakeTracker serves a canned issue graph. Parent-field children come from
// the parents map, epic-link children from the epicLinks map, and issue
// links from the issue's Links field.
type fakeTracker struct {
	mu         sync.Mutex
	issues     map[string]treelinesdk.Issue
	parents    map[string][]string
	epicLinks  map[string][]string
	failGet    map[string]bool
	epicErr    error
	getCalls   map[string]int
	searchCall int
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{
		issues:    map[string]treelinesdk.Issue{},
		parents:   map[string][]string{},
		epicLinks: map[string][]string{},
		failGet:   map[string]bool{},
		getCalls:  map[string]int{},
	}
}

func (f *fakeTracker) addIssue(key, description string) {
	b, _ := json.Marshal(description)
	f.issues[key] = treelinesdk.Issue{
		Key:         key,
		Summary:     "summary of " + key,
		Description: b,
		Status:      "open",
	}
}

func (f *fakeTracker) GetIssue(_ context.Context, key string, fields []string) (treelinesdk.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	// Link-channel lookups ask for issuelinks only; count full node fetches.
	if len(fields) != 1 || fields[0] != "issuelinks" {
		f.getCalls[key]++
	}
	if f.failGet[key] {
		return treelinesdk.Issue{}, fmt.Errorf("issue %s unavailable", key)
	}
	is, ok := f.issues[key]
	if !ok {
		return treelinesdk.Issue{}, fmt.Errorf("issue %s not found", key)
	}
	return is, nil
}

func (f *fakeTracker) SearchIssues(_ context.Context, query string, _ int, _ []string) ([]treelinesdk.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searchCall++
	if strings.HasPrefix(query, "parent = ") {
		return f.keysToIssues(f.parents[strings.TrimPrefix(query, "parent = ")]), nil
	}
	if strings.HasPrefix(query, "cf[") {
		if f.epicErr != nil {
			return nil, f.epicErr
		}
		idx := strings.Index(query, "= ")
		return f.keysToIssues(f.epicLinks[query[idx+2:]]), nil
	}
	return nil, fmt.Errorf("unsupported query %q", query)
}

func (f *fakeTracker) keysToIssues(keys []string) []treelinesdk.Issue {
	var out []treelinesdk.Issue
	for _, k := range keys {
		out = append(out, treelinesdk.Issue{Key: k})
	}
	return out
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ParallelFetches = 3
	return cfg
}

func TestFetchHierarchyAcyclic(t *testing.T) {
	tr := newFakeTracker()
	tr.addIssue("R", "AC-1: root works")
	tr.addIssue("A", "AC-1: branch a works")
	tr.addIssue("B", "")
	tr.addIssue("C", "AC-1: leaf works")
	tr.parents["R"] = []string{"A", "B"}
	tr.parents["A"] = []string{"C"}

	f, err := NewFetcher(tr, testConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	res := f.FetchHierarchy(context.Background(), "R")
	if !res.Success {
		t.Fatalf("errors = %v", res.Errors)
	}
	if res.TotalEpics != 4 {
		t.Fatalf("total = %d", res.TotalEpics)
	}
	if res.MaxDepthReached != 2 {
		t.Fatalf("max depth = %d", res.MaxDepthReached)
	}
	if len(res.CircularRefs) != 0 {
		t.Fatalf("cycles = %+v", res.CircularRefs)
	}
	if len(res.Criteria) != 3 {
		t.Fatalf("criteria = %+v", res.Criteria)
	}
}

func TestFetchHierarchyCycleWarn(t *testing.T) {
	tr := newFakeTracker()
	for _, k := range []string{"R", "A", "B", "C"} {
		tr.addIssue(k, "")
	}
	tr.parents["R"] = []string{"A"}
	tr.parents["A"] = []string{"B"}
	tr.parents["B"] = []string{"C"}
	tr.parents["C"] = []string{"R"}

	f, err := NewFetcher(tr, testConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	res := f.FetchHierarchy(context.Background(), "R")
	if !res.Success {
		t.Fatalf("warn mode keeps the fetch successful, errors = %v", res.Errors)
	}
	if res.TotalEpics != 4 {
		t.Fatalf("total = %d", res.TotalEpics)
	}
	if len(res.CircularRefs) != 1 || res.CircularRefs[0].Key != "R" {
		t.Fatalf("cycles = %+v", res.CircularRefs)
	}
	if tr.getCalls["R"] != 1 {
		t.Fatalf("R fetched %d times, cycle target must not be refetched", tr.getCalls["R"])
	}
}

func TestFetchHierarchyCycleError(t *testing.T) {
	tr := newFakeTracker()
	tr.addIssue("R", "")
	tr.addIssue("A", "")
	tr.parents["R"] = []string{"A"}
	tr.parents["A"] = []string{"R"}

	cfg := testConfig()
	cfg.CircularRefHandling = CircularError
	f, err := NewFetcher(tr, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	res := f.FetchHierarchy(context.Background(), "R")
	if res.Success {
		t.Fatal("error mode must fail the fetch")
	}
	if len(res.Errors) == 0 {
		t.Fatal("expected a recorded error")
	}
	found := false
	for _, msg := range res.Errors {
		if strings.Contains(msg, "circular reference") {
			found = true
		}
	}
	if !found {
		t.Fatalf("errors = %v", res.Errors)
	}
}

func TestFetchHierarchyDepthLimit(t *testing.T) {
	tr := newFakeTracker()
	chain := []string{"A", "B", "C", "D", "E"}
	for i, k := range chain {
		tr.addIssue(k, "")
		if i+1 < len(chain) {
			tr.parents[k] = []string{chain[i+1]}
		}
	}
	cfg := testConfig()
	cfg.MaxDepth = 2
	f, err := NewFetcher(tr, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	res := f.FetchHierarchy(context.Background(), "A")
	if res.TotalEpics != 3 {
		t.Fatalf("total = %d", res.TotalEpics)
	}
	if res.MaxDepthReached != 2 {
		t.Fatalf("max depth = %d", res.MaxDepthReached)
	}
	if tr.getCalls["D"] != 0 {
		t.Fatal("issues past the depth limit must not be fetched")
	}
}

func TestFetchHierarchyRootFailure(t *testing.T) {
	tr := newFakeTracker()
	tr.failGet["R"] = true

	f, err := NewFetcher(tr, testConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	res := f.FetchHierarchy(context.Background(), "R")
	if res.Success {
		t.Fatal("root failure must not be success")
	}
	if res.Root == nil || res.Root.Key != "R" {
		t.Fatalf("placeholder root expected, got %+v", res.Root)
	}
	if res.TotalEpics != 1 || len(res.Errors) != 1 {
		t.Fatalf("total=%d errors=%v", res.TotalEpics, res.Errors)
	}
}

func TestFetchHierarchyChildFailureIsNonFatal(t *testing.T) {
	tr := newFakeTracker()
	tr.addIssue("R", "")
	tr.addIssue("A", "")
	tr.failGet["B"] = true
	tr.parents["R"] = []string{"A", "B"}

	f, err := NewFetcher(tr, testConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	res := f.FetchHierarchy(context.Background(), "R")
	if res.TotalEpics != 2 {
		t.Fatalf("total = %d", res.TotalEpics)
	}
	if len(res.Errors) != 1 || !strings.Contains(res.Errors[0], "B") {
		t.Fatalf("errors = %v", res.Errors)
	}
	if res.Success {
		t.Fatal("a recorded error must fail the result")
	}
}

func TestFetchHierarchyDiamondFetchedOnce(t *testing.T) {
	tr := newFakeTracker()
	for _, k := range []string{"R", "A", "B", "D"} {
		tr.addIssue(k, "")
	}
	tr.parents["R"] = []string{"A", "B"}
	tr.parents["A"] = []string{"D"}
	tr.parents["B"] = []string{"D"}

	f, err := NewFetcher(tr, testConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	res := f.FetchHierarchy(context.Background(), "R")
	if !res.Success {
		t.Fatalf("errors = %v", res.Errors)
	}
	if res.TotalEpics != 4 {
		t.Fatalf("total = %d, shared child must appear once", res.TotalEpics)
	}
	if tr.getCalls["D"] != 1 {
		t.Fatalf("D fetched %d times", tr.getCalls["D"])
	}
	if len(res.CircularRefs) != 0 {
		t.Fatalf("diamond is not a cycle: %+v", res.CircularRefs)
	}
}

func TestNewFetcherValidatesConfig(t *testing.T) {
	tr := newFakeTracker()
	cfg := testConfig()
	cfg.MaxDepth = 0
	if _, err := NewFetcher(tr, cfg, nil); err == nil {
		t.Fatal("max_depth 0 must be rejected")
	}
	cfg = testConfig()
	cfg.ParallelFetches = 21
	if _, err := NewFetcher(tr, cfg, nil); err == nil {
		t.Fatal("parallel_fetches 21 must be rejected")
	}
	cfg = testConfig()
	cfg.CircularRefHandling = "panic"
	if _, err := NewFetcher(tr, cfg, nil); err == nil {
		t.Fatal("bad circular mode must be rejected")
	}
}

func TestFetchHierarchyErrorModeAborts(t *testing.T) {
	tr := newFakeTracker()
	tr.addIssue("R", "")
	tr.parents["R"] = []string{"R"}

	cfg := testConfig()
	cfg.CircularRefHandling = CircularError
	f, err := NewFetcher(tr, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	res := f.FetchHierarchy(context.Background(), "R")
	if res.Success || len(res.CircularRefs) != 1 {
		t.Fatalf("success=%v cycles=%+v", res.Success, res.CircularRefs)
	}
	if res.CircularRefs[0].Key != "R" {
		t.Fatalf("cycles = %+v", res.CircularRefs)
	}
}

package hierarchy

import (
	"context"
	"errors"
	"testing"

	treelinesdk "treeline/sdk/go"
)

func TestResolveUnionsChannelsWithPriority(t *testing.T) {
	tr := newFakeTracker()
	tr.addIssue("R", "")
	is := tr.issues["R"]
	is.Links = []treelinesdk.IssueLink{
		{Type: "parent of", Direction: "outward", Key: "C"},
		{Type: "child of", Direction: "inward", Key: "D"},
		{Type: "blocks", Direction: "outward", Key: "X"},
		{Type: "parent of", Direction: "inward", Key: "Y"},
	}
	tr.issues["R"] = is
	tr.parents["R"] = []string{"A", "B"}
	tr.epicLinks["R"] = []string{"B", "C"}

	r := NewResolver(tr, testConfig(), nil)
	got := r.Resolve(context.Background(), "R", nil)

	want := []ResolvedLink{
		{Key: "A", Source: "parent"},
		{Key: "B", Source: "parent"},
		{Key: "C", Source: "epic_link"},
		{Key: "D", Source: "issuelinks"},
	}
	if len(got) != len(want) {
		t.Fatalf("got %+v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestResolveCachesPerKey(t *testing.T) {
	tr := newFakeTracker()
	tr.addIssue("R", "")
	tr.parents["R"] = []string{"A"}

	r := NewResolver(tr, testConfig(), nil)
	r.Resolve(context.Background(), "R", nil)
	calls := tr.searchCall
	r.Resolve(context.Background(), "R", nil)
	if tr.searchCall != calls {
		t.Fatalf("cached resolve hit the tracker again")
	}
	r.ClearCache()
	r.Resolve(context.Background(), "R", nil)
	if tr.searchCall == calls {
		t.Fatalf("cleared cache should refetch")
	}
}

func TestResolveToleratesEpicLinkFailure(t *testing.T) {
	tr := newFakeTracker()
	tr.addIssue("R", "")
	tr.parents["R"] = []string{"A"}
	tr.epicErr = errors.New("field 'epic_link' does not exist")

	var recorded []error
	r := NewResolver(tr, testConfig(), nil)
	got := r.Resolve(context.Background(), "R", func(err error) { recorded = append(recorded, err) })
	if len(got) != 1 || got[0].Key != "A" {
		t.Fatalf("got %+v", got)
	}
	if len(recorded) != 1 {
		t.Fatalf("recorded = %v", recorded)
	}
}

func TestResolveDisabledChannels(t *testing.T) {
	tr := newFakeTracker()
	tr.addIssue("R", "")
	tr.parents["R"] = []string{"A"}
	tr.epicLinks["R"] = []string{"B"}

	cfg := testConfig()
	cfg.IncludeParentField = false
	cfg.IncludeEpicLink = false
	r := NewResolver(tr, cfg, nil)
	got := r.Resolve(context.Background(), "R", nil)
	if len(got) != 0 {
		t.Fatalf("only issue links should run, got %+v", got)
	}
}

package hierarchy

import (
	"context"
	"fmt"
	"strings"
	"time"

	treelinesdk "treeline/sdk/go"
)

// Tracker is the remote issue tracker surface the fetcher depends on.
// *treelinesdk.Client satisfies it.
type Tracker interface {
	GetIssue(ctx context.Context, key string, fields []string) (treelinesdk.Issue, error)
	SearchIssues(ctx context.Context, query string, maxResults int, fields []string) ([]treelinesdk.Issue, error)
}

// EpicNode is one issue in a fetched hierarchy tree.
type EpicNode struct {
	Key         string                `json:"key"`
	Summary     string                `json:"summary"`
	Description string                `json:"description,omitempty"`
	Status      string                `json:"status"`
	Labels      []string              `json:"labels,omitempty"`
	ParentKey   string                `json:"parent_key,omitempty"`
	Depth       int                   `json:"depth"`
	Children    []*EpicNode           `json:"children,omitempty"`
	Criteria    []AcceptanceCriterion `json:"criteria,omitempty"`
}

// AcceptanceCriterion is one extracted, normalized criterion.
type AcceptanceCriterion struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	SourceEpic  string `json:"source_epic"`
}

// ResolvedLink names a child key and the channel that produced it.
type ResolvedLink struct {
	Key    string `json:"key"`
	Source string `json:"source" enum:"parent,epic_link,issuelinks"`
}

// CycleRecord captures a detected circular reference: the revisited key and
// the ancestor path that led back to it.
type CycleRecord struct {
	Key  string   `json:"key"`
	Path []string `json:"path"`
}

// RecursionResult is the outcome of a hierarchy fetch. It is always returned,
// even when the traversal failed outright.
type RecursionResult struct {
	Root            *EpicNode             `json:"root,omitempty"`
	TotalEpics      int                   `json:"total_epics"`
	MaxDepthReached int                   `json:"max_depth_reached"`
	CircularRefs    []CycleRecord         `json:"circular_refs,omitempty"`
	Criteria        []AcceptanceCriterion `json:"criteria,omitempty"`
	Errors          []string              `json:"errors,omitempty"`
	Duration        time.Duration         `json:"duration"`
	Success         bool                  `json:"success"`
}

// CircularMode selects how a detected cycle is handled.
type CircularMode string

const (
	CircularWarn  CircularMode = "warn"
	CircularSkip  CircularMode = "skip"
	CircularError CircularMode = "error"
)

// CircularReferenceError aborts a traversal running in error mode.
type CircularReferenceError struct {
	Key  string
	Path []string
}

func (e *CircularReferenceError) Error() string {
	return fmt.Sprintf("circular reference: %s already on path %s", e.Key, strings.Join(e.Path, " -> "))
}

// Config controls hierarchy traversal.
type Config struct {
	MaxDepth            int
	ParallelFetches     int
	CircularRefHandling CircularMode
	IncludeEpicLink     bool
	IncludeParentField  bool
	EpicLinkFieldID     string
	MaxResults          int
}

// DefaultConfig returns traversal defaults.
func DefaultConfig() Config {
	return Config{
		MaxDepth:            10,
		ParallelFetches:     5,
		CircularRefHandling: CircularWarn,
		IncludeEpicLink:     true,
		IncludeParentField:  true,
		EpicLinkFieldID:     "epic_link",
		MaxResults:          50,
	}
}

// Validate rejects out-of-range traversal settings.
func (c Config) Validate() error {
	if c.MaxDepth < 1 || c.MaxDepth > 100 {
		return fmt.Errorf("max_depth must be between 1 and 100, got %d", c.MaxDepth)
	}
	if c.ParallelFetches < 1 || c.ParallelFetches > 20 {
		return fmt.Errorf("parallel_fetches must be between 1 and 20, got %d", c.ParallelFetches)
	}
	switch c.CircularRefHandling {
	case CircularWarn, CircularSkip, CircularError:
	default:
		return fmt.Errorf("circular_ref_handling must be one of warn, skip, error, got %q", c.CircularRefHandling)
	}
	if c.EpicLinkFieldID == "" && c.IncludeEpicLink {
		return fmt.Errorf("epic_link_field_id is required when epic link resolution is enabled")
	}
	if c.MaxResults < 0 {
		return fmt.Errorf("max_results must not be negative, got %d", c.MaxResults)
	}
	return nil
}

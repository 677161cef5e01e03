package hierarchy

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Resolver discovers the child issues of an epic. Three channels contribute,
// in priority order: issues whose parent field points at the epic, issues
// whose epic link custom field points at it, and typed issue links on the
// epic itself. Results are deduplicated with the first channel winning.
//
// Resolutions are cached per key for the lifetime of the resolver.
type Resolver struct {
	tracker Tracker
	cfg     Config
	log     *zap.Logger

	mu    sync.Mutex
	cache map[string][]ResolvedLink
}

func NewResolver(tracker Tracker, cfg Config, log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{
		tracker: tracker,
		cfg:     cfg,
		log:     log,
		cache:   make(map[string][]ResolvedLink),
	}
}

var (
	parentOfVocab = []string{"parent of", "contains", "split to"}
	childOfVocab  = []string{"child of", "contained in", "split from"}
)

// Resolve returns the child keys of an epic. Channel failures are reported
// through record and never abort resolution; the union of the channels that
// succeeded is returned.
func (r *Resolver) Resolve(ctx context.Context, key string, record func(error)) []ResolvedLink {
	if record == nil {
		record = func(error) {}
	}
	r.mu.Lock()
	if cached, ok := r.cache[key]; ok {
		r.mu.Unlock()
		out := make([]ResolvedLink, len(cached))
		copy(out, cached)
		return out
	}
	r.mu.Unlock()

	var links []ResolvedLink
	seen := make(map[string]bool)
	add := func(childKey, source string) {
		if childKey == "" || seen[childKey] {
			return
		}
		seen[childKey] = true
		links = append(links, ResolvedLink{Key: childKey, Source: source})
	}

	if r.cfg.IncludeParentField {
		issues, err := r.tracker.SearchIssues(ctx, fmt.Sprintf("parent = %s", key), r.cfg.MaxResults, []string{"key"})
		if err != nil {
			r.log.Warn("parent field search failed", zap.String("key", key), zap.Error(err))
			record(fmt.Errorf("resolve %s via parent field: %w", key, err))
		}
		for _, is := range issues {
			add(is.Key, "parent")
		}
	}

	if r.cfg.IncludeEpicLink {
		query := fmt.Sprintf("cf[%s] = %s", r.cfg.EpicLinkFieldID, key)
		issues, err := r.tracker.SearchIssues(ctx, query, r.cfg.MaxResults, []string{"key"})
		if err != nil {
			// Common when the tracker has no such custom field configured.
			r.log.Warn("epic link search failed", zap.String("key", key), zap.Error(err))
			record(fmt.Errorf("resolve %s via epic link: %w", key, err))
		}
		for _, is := range issues {
			add(is.Key, "epic_link")
		}
	}

	issue, err := r.tracker.GetIssue(ctx, key, []string{"issuelinks"})
	if err != nil {
		r.log.Warn("issue link lookup failed", zap.String("key", key), zap.Error(err))
		record(fmt.Errorf("resolve %s via issue links: %w", key, err))
	}
	for _, l := range issue.Links {
		t := strings.ToLower(l.Type)
		switch l.Direction {
		case "outward":
			if matchesVocab(t, parentOfVocab) {
				add(l.Key, "issuelinks")
			}
		case "inward":
			if matchesVocab(t, childOfVocab) {
				add(l.Key, "issuelinks")
			}
		}
	}

	r.mu.Lock()
	r.cache[key] = links
	r.mu.Unlock()

	out := make([]ResolvedLink, len(links))
	copy(out, links)
	return out
}

// ClearCache drops all cached resolutions.
func (r *Resolver) ClearCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string][]ResolvedLink)
}

func matchesVocab(linkType string, vocab []string) bool {
	for _, v := range vocab {
		if strings.Contains(linkType, v) {
			return true
		}
	}
	return false
}

package hierarchy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var issueFields = []string{"summary", "description", "status", "labels", "parent_key", "epic_link"}

// Fetcher walks an epic hierarchy breadth-first from a root key, fetching
// children level by level with a bounded amount of concurrency.
type Fetcher struct {
	tracker   Tracker
	cfg       Config
	log       *zap.Logger
	detector  *Detector
	resolver  *Resolver
	extractor *Extractor
}

func NewFetcher(tracker Tracker, cfg Config, log *zap.Logger) (*Fetcher, error) {
	if tracker == nil {
		return nil, errors.New("tracker is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Fetcher{
		tracker:   tracker,
		cfg:       cfg,
		log:       log,
		detector:  NewDetector(cfg.CircularRefHandling, log),
		resolver:  NewResolver(tracker, cfg, log),
		extractor: NewExtractor(log),
	}, nil
}

// FetchHierarchy fetches the tree rooted at rootKey. It never returns an
// error: failures are reported inside the result, and only a root that
// cannot be fetched at all leaves the tree empty.
func (f *Fetcher) FetchHierarchy(ctx context.Context, rootKey string) *RecursionResult {
	start := time.Now()
	f.detector.Reset()
	f.resolver.ClearCache()
	cycleBase := len(f.detector.Cycles())

	res := &RecursionResult{}
	var errMu sync.Mutex
	record := func(err error) {
		errMu.Lock()
		res.Errors = append(res.Errors, err.Error())
		errMu.Unlock()
	}

	if _, err := f.detector.Enter(rootKey, nil); err != nil {
		record(err)
	}
	root, err := f.fetchNode(ctx, rootKey)
	if err != nil {
		record(fmt.Errorf("fetch root %s: %w", rootKey, err))
		res.Root = &EpicNode{Key: rootKey}
		return f.finalize(res, cycleBase, start)
	}
	res.Root = root

	if err := f.expand(ctx, root, []string{rootKey}, record); err != nil {
		var cycleErr *CircularReferenceError
		if errors.As(err, &cycleErr) {
			record(cycleErr)
		} else {
			record(fmt.Errorf("expand %s: %w", rootKey, err))
		}
	}

	res.Criteria = f.extractor.ExtractFromHierarchy(root)
	return f.finalize(res, cycleBase, start)
}

// expand resolves and fetches the children of node. Ancestors is the chain
// of keys from the root down to and including node.
func (f *Fetcher) expand(ctx context.Context, node *EpicNode, ancestors []string, record func(error)) error {
	if node.Depth+1 > f.cfg.MaxDepth {
		f.log.Debug("depth limit reached, not expanding",
			zap.String("key", node.Key), zap.Int("depth", node.Depth))
		return nil
	}
	links := f.resolver.Resolve(ctx, node.Key, record)
	if len(links) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.cfg.ParallelFetches)
	var mu sync.Mutex
	for _, link := range links {
		link := link
		g.Go(func() error {
			ok, err := f.detector.Enter(link.Key, ancestors)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			child, err := f.fetchNode(gctx, link.Key)
			if err != nil {
				f.log.Warn("child fetch failed",
					zap.String("key", link.Key), zap.String("parent", node.Key), zap.Error(err))
				record(fmt.Errorf("fetch %s (child of %s): %w", link.Key, node.Key, err))
				return nil
			}
			child.Depth = node.Depth + 1
			child.ParentKey = node.Key

			chain := make([]string, 0, len(ancestors)+1)
			chain = append(chain, ancestors...)
			chain = append(chain, link.Key)
			if err := f.expand(gctx, child, chain, record); err != nil {
				return err
			}
			mu.Lock()
			node.Children = append(node.Children, child)
			mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

func (f *Fetcher) fetchNode(ctx context.Context, key string) (*EpicNode, error) {
	issue, err := f.tracker.GetIssue(ctx, key, issueFields)
	if err != nil {
		return nil, err
	}
	desc := flattenDescription(issue.Description)
	node := &EpicNode{
		Key:         issue.Key,
		Summary:     issue.Summary,
		Description: desc,
		Status:      issue.Status,
		Labels:      issue.Labels,
	}
	if node.Key == "" {
		node.Key = key
	}
	node.Criteria = f.extractor.Extract(desc, node.Key)
	return node, nil
}

func (f *Fetcher) finalize(res *RecursionResult, cycleBase int, start time.Time) *RecursionResult {
	res.CircularRefs = f.detector.Cycles()[cycleBase:]
	if res.Root != nil {
		var walk func(n *EpicNode)
		walk = func(n *EpicNode) {
			res.TotalEpics++
			if n.Depth > res.MaxDepthReached {
				res.MaxDepthReached = n.Depth
			}
			for _, c := range n.Children {
				walk(c)
			}
		}
		walk(res.Root)
	}
	res.Duration = time.Since(start)
	res.Success = res.Root != nil && len(res.Errors) == 0
	return res
}

// flattenDescription renders a raw description value as plain text. Trackers
// return either a JSON string or a rich-text document with nested content
// blocks carrying text leaves.
func flattenDescription(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return strings.Trim(string(raw), `"`)
	}
	var b strings.Builder
	flattenContent(doc, &b)
	return strings.TrimRight(b.String(), "\n")
}

func flattenContent(node any, b *strings.Builder) {
	switch v := node.(type) {
	case map[string]any:
		if text, ok := v["text"].(string); ok {
			b.WriteString(text)
		}
		if content, ok := v["content"].([]any); ok {
			for _, child := range content {
				flattenContent(child, b)
			}
			switch v["type"] {
			case "paragraph", "heading", "listItem":
				b.WriteString("\n")
			}
		}
	case []any:
		for _, child := range v {
			flattenContent(child, b)
		}
	}
}

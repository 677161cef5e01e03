package hierarchy

import (
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Detector tracks visited issues across a traversal and classifies revisits.
// A key that reappears on its own ancestor path is a circular reference and
// is handled per the configured mode. A key already visited on another branch
// is dropped silently so diamond-shaped graphs expand each issue once.
//
// Safe for concurrent use.
type Detector struct {
	mode CircularMode
	log  *zap.Logger

	mu      sync.Mutex
	visited map[string]bool
	cycles  []CycleRecord
}

func NewDetector(mode CircularMode, log *zap.Logger) *Detector {
	if log == nil {
		log = zap.NewNop()
	}
	return &Detector{
		mode:    mode,
		log:     log,
		visited: make(map[string]bool),
	}
}

// Enter claims a key for expansion. It returns true when the caller owns the
// key and should fetch it, false when the key must be dropped. In error mode
// a detected cycle returns a *CircularReferenceError.
func (d *Detector) Enter(key string, ancestors []string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, a := range ancestors {
		if a != key {
			continue
		}
		path := append(append([]string{}, ancestors...), key)
		d.cycles = append(d.cycles, CycleRecord{Key: key, Path: path})
		switch d.mode {
		case CircularError:
			return false, &CircularReferenceError{Key: key, Path: path}
		case CircularWarn:
			d.log.Warn("circular reference detected",
				zap.String("key", key),
				zap.String("path", strings.Join(path, " -> ")))
		}
		return false, nil
	}

	if d.visited[key] {
		return false, nil
	}
	d.visited[key] = true
	return true, nil
}

// Seen reports whether a key has been claimed in this traversal.
func (d *Detector) Seen(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.visited[key]
}

// Cycles returns the circular references recorded so far.
func (d *Detector) Cycles() []CycleRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]CycleRecord, len(d.cycles))
	copy(out, d.cycles)
	return out
}

// VisitedCount returns how many distinct keys have been claimed.
func (d *Detector) VisitedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.visited)
}

// Reset clears the visited set so the detector can be reused for a fresh
// traversal. Cumulative cycle records are kept; callers interested in a
// single run snapshot the length of Cycles before starting.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.visited = make(map[string]bool)
}

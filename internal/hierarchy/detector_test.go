package hierarchy

import (
	"errors"
	"testing"
)

func TestDetectorClaimsEachKeyOnce(t *testing.T) {
	d := NewDetector(CircularWarn, nil)
	ok, err := d.Enter("R", nil)
	if err != nil || !ok {
		t.Fatalf("first enter: ok=%v err=%v", ok, err)
	}
	ok, err = d.Enter("R", []string{"X"})
	if err != nil || ok {
		t.Fatalf("revisit off-path should be dropped silently: ok=%v err=%v", ok, err)
	}
	if len(d.Cycles()) != 0 {
		t.Fatalf("off-path revisit is not a cycle")
	}
	if !d.Seen("R") || d.Seen("A") {
		t.Fatalf("seen bookkeeping wrong")
	}
}

func TestDetectorRecordsCycleOnPath(t *testing.T) {
	d := NewDetector(CircularWarn, nil)
	if ok, _ := d.Enter("R", nil); !ok {
		t.Fatal("enter R")
	}
	ok, err := d.Enter("R", []string{"R", "A", "B"})
	if err != nil || ok {
		t.Fatalf("cycle in warn mode: ok=%v err=%v", ok, err)
	}
	cycles := d.Cycles()
	if len(cycles) != 1 || cycles[0].Key != "R" {
		t.Fatalf("cycles = %+v", cycles)
	}
	want := []string{"R", "A", "B", "R"}
	if len(cycles[0].Path) != len(want) {
		t.Fatalf("path = %v", cycles[0].Path)
	}
	for i, k := range want {
		if cycles[0].Path[i] != k {
			t.Fatalf("path = %v, want %v", cycles[0].Path, want)
		}
	}
}

func TestDetectorErrorMode(t *testing.T) {
	d := NewDetector(CircularError, nil)
	_, err := d.Enter("A", []string{"R", "A"})
	var cycleErr *CircularReferenceError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("want CircularReferenceError, got %v", err)
	}
	if cycleErr.Key != "A" {
		t.Fatalf("key = %s", cycleErr.Key)
	}
	if len(d.Cycles()) != 1 {
		t.Fatalf("cycle should still be recorded")
	}
}

func TestDetectorSkipModeIsSilent(t *testing.T) {
	d := NewDetector(CircularSkip, nil)
	ok, err := d.Enter("A", []string{"A"})
	if err != nil || ok {
		t.Fatalf("skip mode: ok=%v err=%v", ok, err)
	}
	if len(d.Cycles()) != 1 {
		t.Fatalf("skip mode still records the cycle")
	}
}

func TestDetectorReset(t *testing.T) {
	d := NewDetector(CircularWarn, nil)
	d.Enter("A", nil)
	d.Enter("A", []string{"A"})
	d.Reset()
	if d.Seen("A") || d.VisitedCount() != 0 {
		t.Fatalf("reset did not clear the visited set")
	}
	if len(d.Cycles()) != 1 {
		t.Fatalf("cycle statistics must survive a reset")
	}
	if ok, _ := d.Enter("A", nil); !ok {
		t.Fatalf("key should be claimable again after reset")
	}
}

package classify

import (
	"errors"
	"math"
	"testing"
)

func TestNewSeedsFromWPM(t *testing.T) {
	c, err := New(Config{InitialWPM: 20, LearningWindow: 10, Sensitivity: 0.4, DashRatio: 3})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := c.DotMS(); got != 60 {
		t.Fatalf("DotMS = %v, want 60", got)
	}
	if got := c.Threshold(); got != 120 {
		t.Fatalf("Threshold = %v, want 120", got)
	}
	if _, err := New(Config{InitialWPM: 0}); err == nil {
		t.Fatalf("New(wpm=0) succeeded, want error")
	}
}

func TestHintThresholdMidpoint(t *testing.T) {
	rows := []struct {
		d    float64
		want Symbol
	}{
		{80, Dot},
		{199, Dot},
		{200, Dash},
		{250, Dash},
	}
	for _, r := range rows {
		c := NewFromHints(100, 300, DefaultConfig())
		got, conf, err := c.Classify(r.d)
		if err != nil {
			t.Fatalf("Classify(%v): %v", r.d, err)
		}
		if got != r.want {
			t.Fatalf("Classify(%v) = %q, want %q", r.d, got, r.want)
		}
		if conf < 0.5 || conf > 1 {
			t.Fatalf("confidence %v out of [0.5,1]", conf)
		}
	}
}

func TestDecideIsPureAndDeterministic(t *testing.T) {
	c := NewFromHints(100, 300, DefaultConfig())
	for _, d := range []float64{90, 110, 320, 95} {
		c.Classify(d)
	}
	snap := c.Clone()

	s1, c1, _ := c.Decide(150)
	s2, c2, _ := c.Decide(150)
	if s1 != s2 || c1 != c2 {
		t.Fatalf("Decide not idempotent: (%q,%v) vs (%q,%v)", s1, c1, s2, c2)
	}
	if c.DotMS() != snap.DotMS() {
		t.Fatalf("Decide mutated estimate: %v != %v", c.DotMS(), snap.DotMS())
	}

	a, b := snap.Clone(), snap.Clone()
	sa, ca, _ := a.Classify(170)
	sb, cb, _ := b.Classify(170)
	if sa != sb || ca != cb || a.DotMS() != b.DotMS() {
		t.Fatalf("Classify on equal snapshots diverged")
	}
}

func TestAdaptsTowardOperatorSpeed(t *testing.T) {
	c := NewFromHints(100, 300, Config{LearningWindow: 20, Sensitivity: 0.5, DashRatio: 3})
	for i := 0; i < 50; i++ {
		c.Classify(60)
		c.Classify(180)
	}
	if got := c.DotMS(); math.Abs(got-60) > 5 {
		t.Fatalf("DotMS after fast keying = %v, want ~60", got)
	}
	// 150ms is a dash at 60ms dots even though the starting threshold was 200
	if sym, _, _ := c.Decide(150); sym != Dash {
		t.Fatalf("Decide(150) = %q after adaptation, want dash", sym)
	}
}

func TestLongPressIsClipped(t *testing.T) {
	c := NewFromHints(100, 300, Config{LearningWindow: 5, Sensitivity: 1, DashRatio: 3})
	c.Classify(60000)
	if got := c.DotMS(); got > 300 {
		t.Fatalf("DotMS after a 60s hold = %v, want <= 300", got)
	}
	if got := c.DotMS(); got < minDotMS || got > maxDotMS {
		t.Fatalf("DotMS %v escaped [%v,%v]", got, minDotMS, maxDotMS)
	}
}

func TestFallbackNeverFails(t *testing.T) {
	var c *Classifier
	if _, _, err := c.Classify(100); !errors.Is(err, ErrNotReady) {
		t.Fatalf("nil Classify err = %v, want ErrNotReady", err)
	}
	if got := ClassifyOr(nil, 80, 100, 300); got != Dot {
		t.Fatalf("ClassifyOr(nil, 80) = %q, want dot", got)
	}
	if got := ClassifyOr(nil, 250, 100, 300); got != Dash {
		t.Fatalf("ClassifyOr(nil, 250) = %q, want dash", got)
	}
	if got := ClassifyOr(&Classifier{}, 250, 100, 300); got != Dash {
		t.Fatalf("ClassifyOr(zero, 250) = %q, want dash", got)
	}
}

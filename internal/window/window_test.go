package window

import "testing"

func TestWindowScenarioMidDocument(t *testing.T) {
	m := NewManager(Config{Buffer: 60, MaxLive: 320})
	m.SetFocus(500)
	r := m.Update(1000)

	if r.Width() > 320 {
		t.Fatalf("window width %d exceeds max live", r.Width())
	}
	if r.Start > 440 || r.End < 561 {
		t.Fatalf("window %v must cover focus±buffer [440,561)", r)
	}
	if r.Start == 0 {
		t.Fatalf("mid-document window must not include index 0, got %v", r)
	}
	if !(r.Start <= 500 && 500 < r.End) {
		t.Fatalf("focus must stay inside window, got %v", r)
	}
}

func TestWindowExpandsTowardMaxLive(t *testing.T) {
	m := NewManager(Config{Buffer: 10, MaxLive: 100})
	m.SetFocus(500)
	r := m.Update(1000)

	if r.Width() != 100 {
		t.Fatalf("window should expand to max live, got width %d (%v)", r.Width(), r)
	}
}

func TestWindowClampsAtEdges(t *testing.T) {
	m := NewManager(Config{Buffer: 10, MaxLive: 50})
	r := m.Update(1000)
	if r.Start != 0 {
		t.Fatalf("initial window should start at 0, got %v", r)
	}
	if r.Width() != 50 {
		t.Fatalf("boundary remainder should be redistributed, width %d", r.Width())
	}

	m.SetFocus(999)
	r = m.Update(1000)
	if r.End != 1000 {
		t.Fatalf("tail focus should pin window end to total, got %v", r)
	}
	if r.Width() != 50 {
		t.Fatalf("tail window width %d, want 50", r.Width())
	}
}

func TestFocusRatchetNeverDecreases(t *testing.T) {
	m := NewManager(Config{Buffer: 5, MaxLive: 20})
	m.Update(100)
	m.SetFocus(50)
	m.SetFocus(30) // 已见节点重新入视：忽略
	if got := m.Focus(); got != 50 {
		t.Fatalf("focus ratchet regressed to %d", got)
	}
	m.SetFocus(60)
	if got := m.Focus(); got != 60 {
		t.Fatalf("focus should advance to 60, got %d", got)
	}
}

func TestFocusClampedToTotal(t *testing.T) {
	m := NewManager(Config{Buffer: 5, MaxLive: 20})
	m.Update(10)
	m.SetFocus(500)
	if got := m.Focus(); got != 9 {
		t.Fatalf("focus should clamp to total-1, got %d", got)
	}
}

func TestWindowSmallDocumentFullyLive(t *testing.T) {
	m := NewManager(Config{Buffer: 50, MaxLive: 300})
	r := m.Update(40)
	if r.Start != 0 || r.End != 40 {
		t.Fatalf("small document should be fully live, got %v", r)
	}
}

func TestHeightMapEstimates(t *testing.T) {
	h := NewHeightMap(1)
	if got := h.Estimate(3); got != 1 {
		t.Fatalf("fallback estimate = %d, want 1", got)
	}
	h.Observe(0, 4)
	h.Observe(1, 8)
	if got := h.Estimate(0); got != 4 {
		t.Fatalf("observed estimate = %d, want 4", got)
	}
	if got := h.Estimate(99); got != 6 {
		t.Fatalf("unobserved estimate should use average 6, got %d", got)
	}

	// 重复观测更新均值而不是重复计数。
	h.Observe(1, 2)
	if got := h.Average(); got != 3 {
		t.Fatalf("average after re-observation = %d, want 3", got)
	}
}

func TestHeightMapSpacers(t *testing.T) {
	h := NewHeightMap(2)
	for i := 0; i < 10; i++ {
		h.Observe(i, 3)
	}
	lead, trail := h.Spacers(Range{Start: 2, End: 8}, 10)
	if lead != 6 {
		t.Fatalf("lead spacer = %d, want 6", lead)
	}
	if trail != 6 {
		t.Fatalf("trail spacer = %d, want 6", trail)
	}
}

func TestHeightMapPrune(t *testing.T) {
	h := NewHeightMap(1)
	h.Observe(0, 5)
	h.Observe(9, 7)
	h.Prune(5)
	if got := h.Estimate(9); got != 5 {
		t.Fatalf("pruned index should fall back to average 5, got %d", got)
	}
}

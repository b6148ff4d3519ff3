package schedule

import (
	"sync"
	"testing"
	"time"
)

// manualHook 把调度步攒起来由测试手动驱动。
type manualHook struct {
	mu    sync.Mutex
	steps []func(Deadline)
}

func (h *manualHook) Schedule(step func(Deadline)) func() {
	h.mu.Lock()
	h.steps = append(h.steps, step)
	h.mu.Unlock()
	return func() {}
}

// pump 执行所有已安排的步，直到没有新步被安排。
func (h *manualHook) pump() {
	for i := 0; i < 10000; i++ {
		h.mu.Lock()
		if len(h.steps) == 0 {
			h.mu.Unlock()
			return
		}
		step := h.steps[0]
		h.steps = h.steps[1:]
		h.mu.Unlock()
		step(nil)
	}
}

func TestInitialBatchOnMount(t *testing.T) {
	hook := &manualHook{}
	s := NewScheduler(Config{InitialBatch: 40, Batch: 80, Enabled: true}, hook, nil)
	defer s.Close()

	s.Apply(1000, "doc")
	if got := s.Rendered(); got != 40 {
		t.Fatalf("rendered immediately after mount = %d, want 40", got)
	}
}

func TestAdvancesToTotal(t *testing.T) {
	hook := &manualHook{}
	var mu sync.Mutex
	var seen []int
	s := NewScheduler(Config{InitialBatch: 40, Batch: 80, Enabled: true}, hook, func(rendered int) {
		mu.Lock()
		seen = append(seen, rendered)
		mu.Unlock()
	})
	defer s.Close()

	s.Apply(1000, "doc")
	hook.pump()

	if got := s.Rendered(); got != 1000 {
		t.Fatalf("rendered after pumping = %d, want 1000", got)
	}
	mu.Lock()
	defer mu.Unlock()
	prev := 0
	for _, r := range seen {
		if r < prev {
			t.Fatalf("rendered-count must be non-decreasing, saw %v", seen)
		}
		prev = r
	}
}

func TestIdentityChangeResets(t *testing.T) {
	hook := &manualHook{}
	s := NewScheduler(Config{InitialBatch: 30, Batch: 60, Enabled: true}, hook, nil)
	defer s.Close()

	s.Apply(500, "a")
	hook.pump()
	if got := s.Rendered(); got != 500 {
		t.Fatalf("rendered = %d, want 500", got)
	}

	s.Apply(500, "b")
	if got := s.Rendered(); got != 30 {
		t.Fatalf("identity change should reset to initial batch, got %d", got)
	}
}

func TestSameIdentityGrowthOnlyRaisesTarget(t *testing.T) {
	hook := &manualHook{}
	s := NewScheduler(Config{InitialBatch: 30, Batch: 60, Enabled: true}, hook, nil)
	defer s.Close()

	s.Apply(100, "stream")
	hook.pump()
	if got := s.Rendered(); got != 100 {
		t.Fatalf("rendered = %d, want 100", got)
	}

	// 同一身份下 total 增长：不回退，继续向新总数推进。
	s.Apply(200, "stream")
	if got := s.Rendered(); got < 100 {
		t.Fatalf("growth must not reset, got %d", got)
	}
	hook.pump()
	if got := s.Rendered(); got != 200 {
		t.Fatalf("rendered after growth = %d, want 200", got)
	}
}

func TestConfigChangeResets(t *testing.T) {
	hook := &manualHook{}
	s := NewScheduler(Config{InitialBatch: 30, Batch: 60, Enabled: true}, hook, nil)
	defer s.Close()

	s.Apply(300, "doc")
	hook.pump()

	s.SetConfig(Config{InitialBatch: 10, Batch: 20, Enabled: true})
	if got := s.Rendered(); got != 10 {
		t.Fatalf("config change should reset to new initial batch, got %d", got)
	}
}

func TestDisabledPromotesSynchronously(t *testing.T) {
	hook := &manualHook{}
	s := NewScheduler(Config{InitialBatch: 40, Batch: 80, Enabled: false}, hook, nil)
	defer s.Close()

	s.Apply(1000, "doc")
	if got := s.Rendered(); got != 1000 {
		t.Fatalf("disabled batching should promote synchronously, got %d", got)
	}
	hook.mu.Lock()
	defer hook.mu.Unlock()
	if len(hook.steps) != 0 {
		t.Fatalf("disabled batching must not schedule steps")
	}
}

func TestTargetClampsToRenderedAndTotal(t *testing.T) {
	hook := &manualHook{}
	s := NewScheduler(Config{InitialBatch: 50, Batch: 60, Enabled: true}, hook, nil)
	defer s.Close()

	s.Apply(100, "doc")
	s.SetTarget(10) // 低于水位：夹到 rendered，不回退
	hook.pump()
	if got := s.Rendered(); got != 50 {
		t.Fatalf("target below watermark must not regress, got %d", got)
	}

	s.SetTarget(1000) // 高于总数：夹到 total
	hook.pump()
	if got := s.Rendered(); got != 100 {
		t.Fatalf("target above total should clamp, got %d", got)
	}
}

// slowClock 驱动自适应分支：回调成本由测试设定。
func TestAdaptiveIncrementShrinksAndGrows(t *testing.T) {
	hook := &manualHook{}
	budget := 8 * time.Millisecond
	cost := 20 * time.Millisecond

	s := NewScheduler(Config{InitialBatch: 0, Batch: 64, Budget: budget, Enabled: true}, hook, nil)
	defer s.Close()

	clock := time.Now()
	s.now = func() time.Time {
		clock = clock.Add(cost / 2)
		return clock
	}

	s.Apply(10000, "doc")
	step := func() {
		hook.mu.Lock()
		f := hook.steps[0]
		hook.steps = hook.steps[1:]
		hook.mu.Unlock()
		f(nil)
	}

	before := s.Rendered()
	step()
	first := s.Rendered() - before
	if first != 64 {
		t.Fatalf("first step should advance by full batch, got %d", first)
	}

	// 超预算：增量减半。
	before = s.Rendered()
	step()
	if got := s.Rendered() - before; got != 32 {
		t.Fatalf("over-budget step should halve increment, got %d", got)
	}

	// 改为远低于预算：先按当前增量推进，再放大 1.5 倍。
	cost = 2 * time.Millisecond
	before = s.Rendered()
	step()
	if got := s.Rendered() - before; got != 16 {
		t.Fatalf("cheap step advances by current increment, got %d", got)
	}
	before = s.Rendered()
	step()
	if got := s.Rendered() - before; got != 24 {
		t.Fatalf("increment should grow to 24, got %d", got)
	}
}

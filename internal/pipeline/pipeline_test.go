package pipeline

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"testing"
	"time"

	"mdstream/internal/config"
	"mdstream/internal/events"
	"mdstream/internal/formula"
	"mdstream/internal/node"
	"mdstream/internal/offthread"
	"mdstream/internal/schedule"
	"mdstream/internal/visibility"
)

// manualHook 把推进步攒起来由测试驱动。
type manualHook struct {
	mu    sync.Mutex
	steps []func(schedule.Deadline)
}

func (h *manualHook) Schedule(step func(schedule.Deadline)) func() {
	h.mu.Lock()
	h.steps = append(h.steps, step)
	h.mu.Unlock()
	return func() {}
}

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

// fakeObserver 是测试注入的可见性原语。
type fakeObserver struct {
	mu       sync.Mutex
	observed map[string]func(bool)
}

func newFakeObserver() *fakeObserver {
	return &fakeObserver{observed: map[string]func(bool){}}
}

func (f *fakeObserver) factory() visibility.Factory {
	return func(root string) visibility.Observer { return f }
}

func (f *fakeObserver) Observe(target string, margin int, notify func(visible bool)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observed[target] = notify
}

func (f *fakeObserver) Unobserve(target string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.observed, target)
}

func (f *fakeObserver) Disconnect() {}

func (f *fakeObserver) trigger(target string) {
	f.mu.Lock()
	notify := f.observed[target]
	f.mu.Unlock()
	if notify != nil {
		notify(true)
	}
}

func paragraphs(n int, key string) node.Sequence {
	nodes := make([]node.Node, n)
	for i := range nodes {
		nodes[i] = node.Node{Type: node.TypeParagraph, Index: i, Content: fmt.Sprintf("para %d", i)}
	}
	return node.Sequence{Nodes: nodes, Key: key}
}

func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached: %s", msg)
}

func TestInitialBatchThenFullPromotion(t *testing.T) {
	hook := &manualHook{}
	cfg := config.Default()
	cfg.InitialBatchSize = 40
	cfg.BatchSize = 80
	cfg.DeferUntilVisible = false
	cfg.ViewportPriority = false

	loop := NewLoop(Options{
		Config:   cfg,
		Features: map[string]bool{"virtualization": false, "worker_render": false},
		Hook:     hook,
	})
	defer loop.Close()

	loop.Apply(paragraphs(1000, "doc"))
	if got := loop.Rendered(); got != 40 {
		t.Fatalf("rendered immediately after mount = %d, want 40", got)
	}

	hook.pump()
	if got := loop.Rendered(); got != 1000 {
		t.Fatalf("rendered after pumping = %d, want 1000", got)
	}

	snap := loop.Snapshot()
	if len(snap.Decisions) != 1000 {
		t.Fatalf("unvirtualized snapshot should cover all nodes, got %d", len(snap.Decisions))
	}
	for _, d := range snap.Decisions {
		if d.State != node.SlotMaterialized {
			t.Fatalf("node %d not materialized after full promotion", d.Index)
		}
	}
}

func TestDeferUntilVisibleGate(t *testing.T) {
	hook := &manualHook{}
	obs := newFakeObserver()
	cfg := config.Default()
	cfg.InitialBatchSize = 5
	cfg.BatchSize = 10
	cfg.DeferUntilVisible = true
	cfg.ViewportPriority = false

	loop := NewLoop(Options{
		Config:   cfg,
		Features: map[string]bool{"virtualization": false, "worker_render": false},
		Hook:     hook,
		Observer: obs.factory(),
	})
	defer loop.Close()

	loop.Apply(paragraphs(20, "doc"))
	hook.pump()
	if got := loop.Rendered(); got != 20 {
		t.Fatalf("rendered = %d, want 20", got)
	}

	snap := loop.Snapshot()
	for _, d := range snap.Decisions {
		switch {
		case d.Index < 5 && d.State != node.SlotMaterialized:
			// 初始批豁免可见性门。
			t.Fatalf("eager prefix node %d should be materialized", d.Index)
		case d.Index >= 5 && d.State != node.SlotPlaceholder:
			t.Fatalf("gated node %d should stay placeholder", d.Index)
		}
	}

	obs.trigger(SlotTarget(10))
	waitUntil(t, func() bool {
		for _, d := range loop.Snapshot().Decisions {
			if d.Index == 10 {
				return d.State == node.SlotMaterialized
			}
		}
		return false
	}, "visible node materializes")

	// 仍不可见的节点保持占位。
	for _, d := range loop.Snapshot().Decisions {
		if d.Index == 15 && d.State != node.SlotPlaceholder {
			t.Fatalf("node 15 should remain gated")
		}
	}
}

func TestWindowMoveCollapsesSlots(t *testing.T) {
	cfg := config.Default()
	cfg.InitialBatchSize = 100
	cfg.DeferUntilVisible = false
	cfg.ViewportPriority = false
	cfg.MaxLiveNodes = 10
	cfg.LiveBuffer = 2

	queue := events.NewQueue(256)
	defer queue.Close()
	sub := queue.Subscribe()

	loop := NewLoop(Options{
		Config:   cfg,
		Features: map[string]bool{"batching": false, "worker_render": false},
		Events:   queue,
	})
	defer loop.Close()

	loop.Apply(paragraphs(100, "doc"))
	snap := loop.Snapshot()
	if snap.Window.Start != 0 || snap.Window.Width() != 10 {
		t.Fatalf("initial window = %v", snap.Window)
	}

	loop.SetFocus(50)
	snap = loop.Snapshot()
	if snap.Window.Width() > 10 {
		t.Fatalf("window width %d exceeds max live", snap.Window.Width())
	}
	if !snap.Window.Contains(50) {
		t.Fatalf("window %v must contain focus", snap.Window)
	}
	if snap.Window.Start == 0 {
		t.Fatalf("window should have moved away from origin")
	}
	for _, d := range snap.Decisions {
		if d.State != node.SlotMaterialized {
			t.Fatalf("in-window node %d should materialize, got %s", d.Index, d.State)
		}
	}
	if snap.Lead == 0 {
		t.Fatalf("leading spacer should account for collapsed prefix")
	}

	collapsed := false
	timeout := time.After(time.Second)
	for !collapsed {
		select {
		case e := <-sub:
			if e.Type == events.TypeSlotCollapsed {
				collapsed = true
			}
		case <-timeout:
			t.Fatalf("no slot.collapsed event observed")
		}
	}
}

func TestDiagramAndFormulaOutcomes(t *testing.T) {
	cfg := config.Default()
	cfg.DeferUntilVisible = false
	cfg.ViewportPriority = false

	diagClient := offthread.NewClient(offthread.ClientOptions{Kind: "diagram"})
	diagClient.Bind(offthread.NewFuncWorker(func(ctx context.Context, p offthread.Payload) (string, error) {
		if p.Mode == "parse" {
			return "ok", nil
		}
		return "svg:" + p.Content, nil
	}))
	defer diagClient.Close()

	formulaRenderer := formula.NewRenderer(formula.Options{})
	formulaRenderer.Bind(offthread.NewFuncWorker(func(ctx context.Context, p offthread.Payload) (string, error) {
		return "typeset:" + p.Content, nil
	}))
	defer formulaRenderer.Close()

	loop := NewLoop(Options{
		Config:        cfg,
		Features:      map[string]bool{"batching": false, "virtualization": false},
		DiagramClient: diagClient,
		Formula:       formulaRenderer,
	})
	defer loop.Close()

	loop.Apply(node.Sequence{Key: "doc", Nodes: []node.Node{
		{Type: node.TypeDiagram, Index: 0, Content: "graph TD\nA --> B"},
		{Type: node.TypeFormula, Index: 1, Content: "E = mc^2"},
	}})

	waitUntil(t, func() bool {
		snap := loop.Snapshot()
		if len(snap.Decisions) != 2 {
			return false
		}
		d0, d1 := snap.Decisions[0], snap.Decisions[1]
		return d0.Diagram != nil && d1.Formula != ""
	}, "offthread renders settle")

	snap := loop.Snapshot()
	if snap.Decisions[0].Diagram.Payload != "svg:graph TD\nA --> B" {
		t.Fatalf("diagram payload = %q", snap.Decisions[0].Diagram.Payload)
	}
	if snap.Decisions[1].Formula != "typeset:E = mc^2" {
		t.Fatalf("formula payload = %q", snap.Decisions[1].Formula)
	}
}

func TestCollapsedSlotWatchersExit(t *testing.T) {
	obs := newFakeObserver()
	cfg := config.Default()
	cfg.InitialBatchSize = 1
	cfg.BatchSize = 500
	cfg.DeferUntilVisible = true
	cfg.ViewportPriority = false
	cfg.MaxLiveNodes = 10
	cfg.LiveBuffer = 2

	loop := NewLoop(Options{
		Config:   cfg,
		Features: map[string]bool{"batching": false, "worker_render": false},
		Observer: obs.factory(),
	})
	defer loop.Close()

	baseline := runtime.NumGoroutine()
	loop.Apply(paragraphs(500, "doc"))
	for focus := 10; focus < 400; focus += 10 {
		loop.SetFocus(focus)
	}

	// 离窗槽位注销后，其可见性监听协程应当退出，而不是滞留到 Close。
	// 留一点余量给窗口内仍然存活的监听者。
	waitUntil(t, func() bool {
		return runtime.NumGoroutine() <= baseline+12
	}, "visibility watchers exit when their slots collapse")
}

func TestIdentityChangeResetsPipeline(t *testing.T) {
	hook := &manualHook{}
	cfg := config.Default()
	cfg.InitialBatchSize = 30
	cfg.DeferUntilVisible = false
	cfg.ViewportPriority = false

	loop := NewLoop(Options{
		Config:   cfg,
		Features: map[string]bool{"virtualization": false, "worker_render": false},
		Hook:     hook,
	})
	defer loop.Close()

	loop.Apply(paragraphs(200, "a"))
	hook.pump()
	if got := loop.Rendered(); got != 200 {
		t.Fatalf("rendered = %d, want 200", got)
	}

	loop.Apply(paragraphs(200, "b"))
	if got := loop.Rendered(); got != 30 {
		t.Fatalf("identity change should reset to initial batch, got %d", got)
	}

	// 同一身份下增长不回退。
	hook.pump()
	loop.Apply(paragraphs(300, "b"))
	if got := loop.Rendered(); got < 200 {
		t.Fatalf("growth must not reset, got %d", got)
	}
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"mdstream/internal/config"
	"mdstream/internal/diagram"
	"mdstream/internal/events"
	"mdstream/internal/features"
	"mdstream/internal/formula"
	"mdstream/internal/logger"
	"mdstream/internal/node"
	"mdstream/internal/offthread"
	"mdstream/internal/schedule"
	"mdstream/internal/visibility"
	"mdstream/internal/window"
)

// unboundedLive 在关闭虚拟化特性时充当 MaxLive，上限足够大即可。
const unboundedLive = 1 << 20

// Decision 是单个槽位的渲染决策：要么占位，要么物化；物化的
// 图表/公式槽还携带异步渲染的当前产出。
type Decision struct {
	Index int
	Node  node.Node
	State node.SlotState

	// Pending 表示该槽有一次离线渲染在途。
	Pending bool
	// Diagram 是图表槽最近一次渐进渲染的结果；nil 表示尚未产出。
	Diagram *diagram.Outcome
	// Formula 是公式槽的渲染产物；Err 非空时回退为源码展示。
	Formula string
	Err     error
}

// Snapshot 是呈现层消费的一帧完整决策。
type Snapshot struct {
	Total    int
	Rendered int
	Window   window.Range
	// Lead/Trail 是窗口外节点折算的 spacer 高度。
	Lead, Trail int
	Decisions   []Decision
}

// Options 配置渲染循环。
type Options struct {
	Config   config.Config
	Features map[string]bool
	// Hook 为 nil 时使用按 BatchDelay 触发的 TimerHook。
	Hook schedule.Hook
	// Observer 是可见性原语工厂；nil 时注册即视为可见。
	Observer visibility.Factory
	// Formula/DiagramClient 由调用方创建并绑定 worker；Loop 不负责关闭。
	Formula       *formula.Renderer
	DiagramClient *offthread.Client
	Validator     diagram.Validator
	Events        *events.Queue
	Log           *logger.LogEntry
}

// slot 是 Loop 私有的槽位状态。
type slot struct {
	state      node.SlotState
	handle     *visibility.Handle
	controller *diagram.Controller
	content    string

	pending bool
	outcome *diagram.Outcome
	formula string
	err     error
}

// Loop 是组合根：把节点序列、批量推进水位、虚拟化窗口和可见性
// 状态汇成逐槽决策，并把可见性跃迁回灌给焦点棘轮与延迟门。所有
// 跨组件副作用都走各组件的公开操作，内部状态互不直接触碰。
type Loop struct {
	mu    sync.Mutex
	cfg   config.Config
	feats map[string]bool

	scheduler *schedule.Scheduler
	window    *window.Manager
	heights   *window.HeightMap
	registry  *visibility.Registry

	formula       *formula.Renderer
	diagramClient *offthread.Client
	validator     diagram.Validator
	queue         *events.Queue
	log           *logger.LogEntry

	seq        node.Sequence
	identity   string
	slots      map[int]*slot
	rendered   int
	lastRange  window.Range
	lastTarget int

	dirty  chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	closed bool
}

// NewLoop 创建渲染循环。
func NewLoop(opts Options) *Loop {
	cfg := opts.Config.Clamped()
	feats := features.Resolve(opts.Features)

	log := opts.Log
	if log == nil {
		log = logger.Named("pipeline")
	}

	maxLive := cfg.MaxLiveNodes
	if !feats["virtualization"] {
		maxLive = unboundedLive
	}

	hook := opts.Hook
	if hook == nil {
		// 推进步按 BatchDelay 间隔触发，但不晚于 idle 超时。
		delay := cfg.BatchDelay()
		if t := cfg.IdleTimeout(); t > 0 && t < delay {
			delay = t
		}
		hook = schedule.TimerHook{Delay: delay}
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &Loop{
		cfg:     cfg,
		feats:   feats,
		window:  window.NewManager(window.Config{Buffer: cfg.LiveBuffer, MaxLive: maxLive}),
		heights: window.NewHeightMap(1),
		registry: visibility.NewRegistry(opts.Observer,
			feats["defer_until_visible"] && cfg.DeferUntilVisible),
		formula:       opts.Formula,
		diagramClient: opts.DiagramClient,
		validator:     opts.Validator,
		queue:         opts.Events,
		log:           log,
		slots:         map[int]*slot{},
		lastTarget:    -1,
		dirty:         make(chan struct{}, 1),
		ctx:           ctx,
		cancel:        cancel,
	}
	l.scheduler = schedule.NewScheduler(schedule.Config{
		InitialBatch: cfg.InitialBatchSize,
		Batch:        cfg.BatchSize,
		Budget:       cfg.BatchBudget(),
		Enabled:      feats["batching"],
	}, hook, l.onPromoted)
	return l
}

// Apply 接入一份新的序列快照。身份变化触发整体重置；同一身份下
// 只抬高总数并继续推进。
func (l *Loop) Apply(seq node.Sequence) {
	identity := seq.Identity()
	if l.cfg.DatasetKey != "" && seq.Key == "" {
		identity = l.cfg.DatasetKey
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	reset := identity != l.identity && l.identity != ""
	l.seq = seq
	l.identity = identity
	if reset {
		l.teardownSlotsLocked()
		l.window.Reset()
		l.heights.Reset()
		l.lastRange = window.Range{}
		l.lastTarget = -1
	}
	l.mu.Unlock()

	l.heights.Prune(seq.Total())
	l.scheduler.Apply(seq.Total(), identity)
	l.publish(events.TypeSequenceApplied, -1, seq.Total())
	l.recompute()
}

// SetFocus 把呈现层观测到的焦点索引喂给窗口棘轮并重算决策。
// 棘轮只进不退，未前进时是空操作，避免反馈环。
func (l *Loop) SetFocus(i int) {
	if i <= l.window.Focus() {
		return
	}
	l.window.SetFocus(i)
	l.recompute()
}

// ObserveHeight 记录一次物化槽的实际渲染高度。
func (l *Loop) ObserveHeight(index, height int) {
	l.heights.Observe(index, height)
}

// EstimateHeight 返回槽位的估计高度（最近观测值或全体均值）。
func (l *Loop) EstimateHeight(index int) int {
	return l.heights.Estimate(index)
}

// Updates 返回决策变化信号。通道只作边沿提示，消费方应随后取 Snapshot。
func (l *Loop) Updates() <-chan struct{} {
	return l.dirty
}

// Registry 暴露可见性注册表（呈现层切换 root 时使用）。
func (l *Loop) Registry() *visibility.Registry {
	return l.registry
}

// Rendered 返回当前批量推进水位。
func (l *Loop) Rendered() int {
	return l.scheduler.Rendered()
}

// Snapshot 计算当前帧的完整决策。
func (l *Loop) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	total := l.seq.Total()
	rng := l.lastRange
	lead, trail := l.heights.Spacers(rng, total)
	snap := Snapshot{
		Total:    total,
		Rendered: l.rendered,
		Window:   rng,
		Lead:     lead,
		Trail:    trail,
	}
	for i := rng.Start; i < rng.End && i < total; i++ {
		s := l.slots[i]
		d := Decision{Index: i, Node: l.seq.Nodes[i], State: node.SlotPlaceholder}
		if s != nil {
			d.State = s.state
			d.Pending = s.pending
			d.Diagram = s.outcome
			d.Formula = s.formula
			d.Err = s.err
		}
		snap.Decisions = append(snap.Decisions, d)
	}
	return snap
}

// onPromoted 是调度器的推进回调；物化耗时计入该步成本。
func (l *Loop) onPromoted(rendered int) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.rendered = rendered
	l.mu.Unlock()

	l.publish(events.TypeBatchPromoted, -1, rendered)
	l.recompute()
}

// recompute 重算窗口与每个槽的状态跃迁。这是唯一改变槽状态的路径。
func (l *Loop) recompute() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	total := l.seq.Total()
	rng := l.window.Update(total)
	moved := rng != l.lastRange
	l.lastRange = rng
	l.rendered = l.scheduler.Rendered()

	// 离窗槽收缩为占位并卸载；高度留在高度表里撑 spacer。
	var collapsed []int
	for i, s := range l.slots {
		if rng.Contains(i) && i < total {
			continue
		}
		if s.state == node.SlotMaterialized {
			collapsed = append(collapsed, i)
		}
		l.releaseSlotLocked(i, s)
	}

	// 窗口内槽位：unmounted → placeholder → materialized。
	var materialized []int
	for i := rng.Start; i < rng.End && i < total; i++ {
		s := l.slots[i]
		if s == nil {
			s = &slot{state: node.SlotPlaceholder}
			l.slots[i] = s
			if l.deferredLocked(i) {
				s.handle = l.registry.Register(SlotTarget(i), visibility.Options{Margin: l.cfg.LiveBuffer})
				l.watchVisible(i, s.handle)
			}
		}
		if s.state == node.SlotMaterialized {
			l.refreshRenderLocked(i, s)
			continue
		}
		if i >= l.rendered {
			continue
		}
		if s.handle != nil && !s.handle.Visible() {
			continue
		}
		s.state = node.SlotMaterialized
		materialized = append(materialized, i)
		l.refreshRenderLocked(i, s)
	}

	target := -1
	if l.cfg.ViewportPriority && l.feats["viewport_priority"] && total > 0 {
		target = rng.End + l.cfg.LiveBuffer
		if target > total {
			target = total
		}
	}
	retarget := target >= 0 && target != l.lastTarget
	if retarget {
		l.lastTarget = target
	}
	l.mu.Unlock()

	if retarget {
		l.scheduler.SetTarget(target)
	}
	if moved {
		l.publish(events.TypeWindowMoved, -1, rng)
	}
	for _, i := range collapsed {
		l.publish(events.TypeSlotCollapsed, i, nil)
	}
	for _, i := range materialized {
		l.publish(events.TypeSlotMaterialized, i, nil)
	}
	l.signal()
}

// deferredLocked 判断槽位是否受延迟门约束。初始批内的槽豁免。
func (l *Loop) deferredLocked(i int) bool {
	if !l.feats["defer_until_visible"] || !l.cfg.DeferUntilVisible {
		return false
	}
	return i >= l.cfg.InitialBatchSize
}

// watchVisible 监听一次性可见信号，喂回焦点棘轮并解开延迟门。
// 句柄注销（槽位离窗）时协程随之退出，不等到 Close。
func (l *Loop) watchVisible(i int, h *visibility.Handle) {
	if h == nil || h.Visible() {
		return
	}
	go func() {
		select {
		case <-h.WhenVisible():
		case <-h.Done():
			return
		case <-l.ctx.Done():
			return
		}
		l.window.SetFocus(i)
		l.recompute()
	}()
}

// refreshRenderLocked 为物化的图表/公式槽保证有一次在途或已完成的
// 离线渲染。内容未变时沿用现有产出。
func (l *Loop) refreshRenderLocked(i int, s *slot) {
	if !l.feats["worker_render"] {
		return
	}
	n := l.seq.Nodes[i]
	switch n.Type {
	case node.TypeDiagram:
		if s.content == n.Content && (s.pending || s.outcome != nil) {
			return
		}
		s.content = n.Content
		s.pending = true
		if s.controller == nil {
			s.controller = diagram.NewController(diagram.Options{
				Client:      l.diagramClient,
				Validator:   l.validator,
				Theme:       l.cfg.Theme,
				FullTimeout: l.cfg.WorkerTimeout(),
			})
		}
		go l.renderDiagram(i, s.controller, n.Content)
	case node.TypeFormula:
		if l.formula == nil {
			return
		}
		if s.content == n.Content && (s.pending || s.formula != "" || s.err != nil) {
			return
		}
		s.content = n.Content
		s.pending = true
		go l.renderFormula(i, n.Content)
	}
}

func (l *Loop) renderDiagram(i int, c *diagram.Controller, source string) {
	out, err := c.Render(l.ctx, source)
	if errors.Is(err, diagram.ErrStale) || offthread.IsAborted(err) {
		return
	}

	l.mu.Lock()
	s := l.slots[i]
	if s == nil || s.controller != c {
		l.mu.Unlock()
		return
	}
	s.pending = false
	if err != nil {
		s.err = err
	} else {
		s.outcome = &out
		s.err = out.Err
	}
	l.mu.Unlock()

	if err != nil || out.Mode == diagram.ModeError {
		l.log.WithField("index", i).Warn("diagram render failed")
		l.publish(events.TypeRenderFailed, i, err)
	} else {
		l.publish(events.TypeRenderCompleted, i, out.Mode)
	}
	l.signal()
}

func (l *Loop) renderFormula(i int, source string) {
	display := formula.DisplayBlock
	out, err := l.formula.Render(l.ctx, source, display)
	if offthread.IsAborted(err) {
		return
	}

	l.mu.Lock()
	s := l.slots[i]
	if s == nil || s.content != source {
		l.mu.Unlock()
		return
	}
	s.pending = false
	s.formula = out
	s.err = err
	l.mu.Unlock()

	if err != nil {
		l.log.WithField("index", i).Warn("formula render failed, falling back to source")
		l.publish(events.TypeRenderFailed, i, err)
	} else {
		l.publish(events.TypeRenderCompleted, i, nil)
	}
	l.signal()
}

// releaseSlotLocked 卸载一个槽位并释放其可见性句柄与控制器。
func (l *Loop) releaseSlotLocked(i int, s *slot) {
	if s.handle != nil {
		s.handle.Destroy()
	}
	if s.controller != nil {
		s.controller.Close()
	}
	delete(l.slots, i)
}

func (l *Loop) teardownSlotsLocked() {
	for i, s := range l.slots {
		l.releaseSlotLocked(i, s)
	}
}

func (l *Loop) publish(t events.Type, index int, payload any) {
	if l.queue == nil {
		return
	}
	if err := l.queue.Publish(events.Event{Type: t, Index: index, Payload: payload}); err != nil && !errors.Is(err, events.ErrQueueClosed) {
		l.log.WithField("type", string(t)).Debug("event dropped")
	}
}

func (l *Loop) signal() {
	select {
	case l.dirty <- struct{}{}:
	default:
	}
}

// Close 停止推进并释放全部槽位。幂等。
func (l *Loop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.teardownSlotsLocked()
	l.mu.Unlock()

	l.cancel()
	l.scheduler.Close()
	l.registry.Close()
}

// SlotTarget 返回槽位在可见性注册表中的目标标识。
func SlotTarget(i int) string {
	return fmt.Sprintf("node-%d", i)
}

// ParseSlotTarget 解析目标标识；非槽位目标返回 false。
func ParseSlotTarget(target string) (int, bool) {
	var i int
	if _, err := fmt.Sscanf(target, "node-%d", &i); err != nil {
		return 0, false
	}
	return i, true
}

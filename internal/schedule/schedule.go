package schedule

import (
	"sync"
	"time"
)

// Deadline 是协作式调度回调收到的剩余时间提示。Remaining 可能
// 返回 0 表示宿主没有提示。
type Deadline interface {
	Remaining() time.Duration
}

// Hook 抽象 idle/next-frame 风格的协作式调度钩子：安排一次回调并
// 返回取消函数。实现决定回调在何时、哪个 goroutine 上执行。
type Hook interface {
	Schedule(step func(Deadline)) (cancel func())
}

// sliceDeadline 以固定时间片模拟剩余时间提示。
type sliceDeadline struct {
	start time.Time
	slice time.Duration
}

func (d sliceDeadline) Remaining() time.Duration {
	rem := d.slice - time.Since(d.start)
	if rem < 0 {
		return 0
	}
	return rem
}

// TimerHook 是默认钩子：Delay 之后在计时器 goroutine 上回调，
// 并给出 Slice 大小的剩余时间片。
type TimerHook struct {
	Delay time.Duration
	Slice time.Duration
}

// Schedule 实现 Hook。
func (h TimerHook) Schedule(step func(Deadline)) func() {
	slice := h.Slice
	if slice <= 0 {
		slice = 16 * time.Millisecond
	}
	t := time.AfterFunc(h.Delay, func() {
		step(sliceDeadline{start: time.Now(), slice: slice})
	})
	return func() { t.Stop() }
}

// Config 是批量推进参数。
type Config struct {
	// InitialBatch 是挂载时立即物化的节点数；<=0 取 30。
	InitialBatch int
	// Batch 是稳态批大小，也是自适应增量的上限；<=0 取 60。
	Batch int
	// Budget 是单步时间预算；<=0 取 8ms。
	Budget time.Duration
	// Enabled 为 false 时关闭批量推进：同步推进到目标。
	Enabled bool
}

func (c Config) withDefaults() Config {
	if c.InitialBatch <= 0 {
		c.InitialBatch = 30
	}
	if c.Batch <= 0 {
		c.Batch = 60
	}
	if c.Budget <= 0 {
		c.Budget = 8 * time.Millisecond
	}
	return c
}

func (c Config) equal(o Config) bool {
	return c.InitialBatch == o.InitialBatch && c.Batch == o.Batch &&
		c.Budget == o.Budget && c.Enabled == o.Enabled
}

// Scheduler 决定 N 个已解析节点中有多少被实际物化（rendered-count）。
// rendered-count 在同一数据集内单调不减；数据集身份或批量配置变化时
// 重置为初始批并重新推进。增量大小按实测步耗自适应收缩/放大。
type Scheduler struct {
	mu        sync.Mutex
	cfg       Config
	hook      Hook
	onAdvance func(rendered int)

	total     int
	identity  string
	target    int
	hasTarget bool
	rendered  int
	increment int

	scheduled bool
	cancel    func()
	closed    bool

	now func() time.Time
}

// NewScheduler 创建调度器。onAdvance 在每次 rendered-count 前进后
// 同步调用（持锁外），其耗时计入该步的成本测量。
func NewScheduler(cfg Config, hook Hook, onAdvance func(rendered int)) *Scheduler {
	cfg = cfg.withDefaults()
	if hook == nil {
		hook = TimerHook{}
	}
	return &Scheduler{
		cfg:       cfg,
		hook:      hook,
		onAdvance: onAdvance,
		increment: cfg.Batch,
		now:       time.Now,
	}
}

// Apply 输入新的序列快照。身份变化（或批量配置变化后首次 Apply）
// 会把 rendered-count 重置为初始批并重置自适应增量；同一身份下
// total 增长只抬高目标并继续推进。
func (s *Scheduler) Apply(total int, identity string) {
	if total < 0 {
		total = 0
	}
	s.mu.Lock()
	reset := identity != s.identity
	s.identity = identity
	s.total = total
	if !s.hasTarget || s.target > total {
		s.target = total
	}
	if reset {
		s.resetLocked()
	}
	if s.rendered > total {
		s.rendered = total
	}
	s.mu.Unlock()

	if reset {
		s.notify()
	}
	s.kick()
}

// SetConfig 更新批量配置；有实际变化时按规格重置。
func (s *Scheduler) SetConfig(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	if cfg.equal(s.cfg) {
		s.mu.Unlock()
		return
	}
	s.cfg = cfg
	s.resetLocked()
	s.mu.Unlock()
	s.notify()
	s.kick()
}

// SetTarget 设定推进目标（虚拟化下为 live-window end + buffer）。
// 目标被夹取到 [rendered, total]。
func (s *Scheduler) SetTarget(target int) {
	s.mu.Lock()
	if target > s.total {
		target = s.total
	}
	if target < s.rendered {
		target = s.rendered
	}
	s.target = target
	s.hasTarget = true
	s.mu.Unlock()
	s.kick()
}

// resetLocked 回到初始批水位。调用方持锁。
func (s *Scheduler) resetLocked() {
	s.rendered = s.cfg.InitialBatch
	if s.rendered > s.total {
		s.rendered = s.total
	}
	s.increment = s.cfg.Batch
}

// Rendered 返回当前水位。
func (s *Scheduler) Rendered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rendered
}

// kick 保证有且只有一个待执行的推进步。关闭批量时同步推进到目标。
func (s *Scheduler) kick() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if !s.cfg.Enabled {
		advanced := s.rendered < s.target
		s.rendered = s.target
		s.mu.Unlock()
		if advanced {
			s.notify()
		}
		return
	}
	if s.scheduled || s.rendered >= s.target {
		s.mu.Unlock()
		return
	}
	s.scheduled = true
	s.cancel = s.hook.Schedule(s.step)
	s.mu.Unlock()
}

// step 执行一次推进：按当前增量前进，测量该增量的墙钟成本并调节
// 下一次增量；剩余时间片超过预算一半时在同一次回调内继续推进。
func (s *Scheduler) step(d Deadline) {
	s.mu.Lock()
	s.scheduled = false
	s.cancel = nil
	budget := s.cfg.Budget
	s.mu.Unlock()

	for {
		s.mu.Lock()
		if s.closed || s.rendered >= s.target {
			s.mu.Unlock()
			return
		}
		next := s.rendered + s.increment
		if next > s.target {
			next = s.target
		}
		s.rendered = next
		s.mu.Unlock()

		start := s.now()
		s.notify()
		cost := s.now().Sub(start)

		s.mu.Lock()
		floor := s.cfg.Batch / 4
		if floor < 1 {
			floor = 1
		}
		switch {
		case cost > budget*12/10:
			s.increment /= 2
			if s.increment < floor {
				s.increment = floor
			}
		case cost < budget/2:
			s.increment = s.increment * 3 / 2
			if s.increment > s.cfg.Batch {
				s.increment = s.cfg.Batch
			}
		}
		done := s.rendered >= s.target
		s.mu.Unlock()

		if done {
			return
		}
		if d != nil && d.Remaining() > budget/2 {
			continue
		}
		s.kick()
		return
	}
}

func (s *Scheduler) notify() {
	if s.onAdvance == nil {
		return
	}
	s.mu.Lock()
	rendered := s.rendered
	s.mu.Unlock()
	s.onAdvance(rendered)
}

// Close 停止后续推进。幂等。
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

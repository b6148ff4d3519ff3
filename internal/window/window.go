package window

import "sync"

// Range 是连续的存活索引区间 [Start, End)。
type Range struct {
	Start int
	End   int
}

// Width 返回区间宽度。
func (r Range) Width() int {
	return r.End - r.Start
}

// Contains 判断索引是否在区间内。
func (r Range) Contains(i int) bool {
	return i >= r.Start && i < r.End
}

// Config 是虚拟化窗口参数。
type Config struct {
	// Buffer 是焦点两侧的缓冲节点数；<0 取 0。
	Buffer int
	// MaxLive 是同时挂载的节点上限；<=0 取 200。
	MaxLive int
}

func (c Config) withDefaults() Config {
	if c.Buffer < 0 {
		c.Buffer = 0
	}
	if c.MaxLive <= 0 {
		c.MaxLive = 200
	}
	return c
}

// Manager 根据焦点索引计算存活窗口。焦点只进不退（单调棘轮），
// 避免已见节点重新入视时窗口来回抖动。
type Manager struct {
	mu    sync.Mutex
	cfg   Config
	focus int
	total int
	cur   Range
}

// NewManager 创建窗口管理器。
func NewManager(cfg Config) *Manager {
	return &Manager{cfg: cfg.withDefaults()}
}

// SetFocus 提升焦点索引。低于当前焦点的输入被忽略；越界值被夹取。
func (m *Manager) SetFocus(i int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i > m.focus {
		m.focus = i
	}
	m.clampLocked()
}

// Focus 返回当前焦点。
func (m *Manager) Focus() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.focus
}

// Reset 清零焦点（数据集身份变化时使用）。
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.focus = 0
	m.cur = Range{}
}

// Update 输入当前总数并重算窗口。
func (m *Manager) Update(total int) Range {
	if total < 0 {
		total = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total = total
	m.clampLocked()
	m.cur = compute(m.focus, total, m.cfg)
	return m.cur
}

// Current 返回最近一次计算的窗口。
func (m *Manager) Current() Range {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur
}

func (m *Manager) clampLocked() {
	if m.total <= 0 {
		m.focus = 0
		return
	}
	if m.focus > m.total-1 {
		m.focus = m.total - 1
	}
	if m.focus < 0 {
		m.focus = 0
	}
}

// compute 先取焦点±buffer，再向 MaxLive 对称收缩/扩张（受 [0,total]
// 约束），保证 0 ≤ start ≤ focus < end ≤ total 且宽度不超过 MaxLive。
func compute(focus, total int, cfg Config) Range {
	if total <= 0 {
		return Range{}
	}
	start := focus - cfg.Buffer
	if start < 0 {
		start = 0
	}
	end := focus + cfg.Buffer + 1
	if end > total {
		end = total
	}

	span := end - start
	switch {
	case span > cfg.MaxLive:
		// 对称收缩，但焦点必须留在窗口内。
		excess := span - cfg.MaxLive
		cutStart := excess / 2
		cutEnd := excess - cutStart
		start += cutStart
		end -= cutEnd
		if focus < start {
			shift := start - focus
			start -= shift
			end -= shift
		}
		if focus >= end {
			shift := focus - end + 1
			start += shift
			end += shift
		}
	case span < cfg.MaxLive:
		// 对称扩张；碰到边界时把余量让给另一侧。
		deficit := cfg.MaxLive - span
		if deficit > total-span {
			deficit = total - span
		}
		growStart := deficit / 2
		growEnd := deficit - growStart
		start -= growStart
		end += growEnd
		if start < 0 {
			end += -start
			start = 0
		}
		if end > total {
			start -= end - total
			end = total
		}
		if start < 0 {
			start = 0
		}
	}
	return Range{Start: start, End: end}
}

// HeightMap 记录每个索引最近观测到的渲染高度（终端行数），只用于
// 给占位与两端 spacer 定尺寸，不影响正确性。
type HeightMap struct {
	mu      sync.Mutex
	heights map[int]int
	sum     int
	count   int
	// fallback 在尚无任何观测时使用；<=0 取 1。
	fallback int
}

// NewHeightMap 创建高度表。
func NewHeightMap(fallback int) *HeightMap {
	if fallback <= 0 {
		fallback = 1
	}
	return &HeightMap{heights: map[int]int{}, fallback: fallback}
}

// Observe 记录一次高度观测。
func (h *HeightMap) Observe(index, height int) {
	if height <= 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.heights[index]; ok {
		h.sum += height - old
	} else {
		h.sum += height
		h.count++
	}
	h.heights[index] = height
}

// Estimate 返回索引的估计高度：最近观测值，否则全体均值。
func (h *HeightMap) Estimate(index int) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if v, ok := h.heights[index]; ok {
		return v
	}
	return h.averageLocked()
}

// Average 返回全体观测均值。
func (h *HeightMap) Average() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.averageLocked()
}

func (h *HeightMap) averageLocked() int {
	if h.count == 0 {
		return h.fallback
	}
	avg := h.sum / h.count
	if avg < 1 {
		avg = 1
	}
	return avg
}

// Prune 丢弃超出当前总数的观测（序列收缩时调用）。
func (h *HeightMap) Prune(total int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, v := range h.heights {
		if i >= total {
			delete(h.heights, i)
			h.sum -= v
			h.count--
		}
	}
}

// Spacers 计算窗口前后 spacer 的高度，保持滚动位置与总尺寸稳定。
func (h *HeightMap) Spacers(r Range, total int) (lead, trail int) {
	for i := 0; i < r.Start && i < total; i++ {
		lead += h.Estimate(i)
	}
	for i := r.End; i < total; i++ {
		trail += h.Estimate(i)
	}
	return lead, trail
}

// Reset 清空所有观测。
func (h *HeightMap) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.heights = map[int]int{}
	h.sum = 0
	h.count = 0
}

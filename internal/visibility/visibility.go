package visibility

import "sync"

// Observer 是底层的接近式可见性观察原语。实现方负责在目标进入
// margin 范围时回调 notify；核心不关心它基于终端视口还是测试桩。
type Observer interface {
	// Observe 注册目标。进入可见范围时以 visible=true 回调。
	Observe(target string, margin int, notify func(visible bool))
	// Unobserve 取消对目标的观察。对未注册目标调用应为空操作。
	Unobserve(target string)
	// Disconnect 释放观察上下文。之后所有 Observe/Unobserve 均为空操作。
	Disconnect()
}

// Factory 为指定 root 创建观察上下文。返回 nil 表示宿主缺少
// 观察原语，此时注册方一律 fail-open。
type Factory func(root string) Observer

// Options 控制单次注册。
type Options struct {
	Margin int
}

// Handle 是单个目标的可见性句柄：pending → visible 的一次性状态机。
// 目标变为可见后会从底层观察器注销，但句柄仍可查询。
type Handle struct {
	mu        sync.Mutex
	target    string
	margin    int
	visible   bool
	destroyed bool
	ch        chan struct{}
	done      chan struct{}
	registry  *Registry
}

// Visible 报告目标当前是否可见。
func (h *Handle) Visible() bool {
	if h == nil {
		return true
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.visible
}

// WhenVisible 返回首次可见时关闭的通道（一次性信号）。
func (h *Handle) WhenVisible() <-chan struct{} {
	if h == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return h.ch
}

// Done 返回 Destroy 时关闭的通道。等待可见信号的一方应同时监听它，
// 句柄注销后停止等待；注销不伪造可见事件，ch 保持原状。
func (h *Handle) Done() <-chan struct{} {
	if h == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return h.done
}

// Destroy 注销句柄。幂等；底层上下文已被拆除时也不会出错。
func (h *Handle) Destroy() {
	if h == nil {
		return
	}
	h.mu.Lock()
	if h.destroyed {
		h.mu.Unlock()
		return
	}
	h.destroyed = true
	close(h.done)
	reg := h.registry
	h.registry = nil
	h.mu.Unlock()
	if reg != nil {
		reg.drop(h)
	}
}

// markVisible 触发一次性可见信号。重复调用无效果。
func (h *Handle) markVisible() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.visible {
		return false
	}
	h.visible = true
	close(h.ch)
	return true
}

// Registry 包装观察原语：每个 root 至多持有一个观察上下文，root
// 变化时拆除重建，并把仍注册的目标重新挂接上去。
type Registry struct {
	mu       sync.Mutex
	factory  Factory
	enabled  bool
	root     string
	observer Observer
	handles  map[string]*Handle
}

// NewRegistry 创建注册表。factory 为 nil 或 enabled 为 false 时，
// Register 返回即时可见的句柄（fail-open，绝不阻塞渲染）。
func NewRegistry(factory Factory, enabled bool) *Registry {
	return &Registry{
		factory: factory,
		enabled: enabled && factory != nil,
		handles: map[string]*Handle{},
	}
}

// Register 注册一个渲染目标并返回其句柄。
func (r *Registry) Register(target string, opts Options) *Handle {
	h := &Handle{target: target, margin: opts.Margin, ch: make(chan struct{}), done: make(chan struct{})}

	if r == nil || !r.enabled {
		h.visible = true
		close(h.ch)
		return h
	}

	r.mu.Lock()
	if r.observer == nil {
		r.observer = r.factory(r.root)
	}
	obs := r.observer
	if obs == nil {
		// 宿主拒绝提供观察上下文：fail-open。
		r.mu.Unlock()
		h.markVisible()
		return h
	}
	h.registry = r
	r.handles[target] = h
	r.mu.Unlock()

	obs.Observe(target, opts.Margin, func(visible bool) {
		if visible {
			r.notifyVisible(target)
		}
	})
	return h
}

// SetRoot 切换逻辑 root。旧观察上下文被拆除，存活句柄重新挂接。
func (r *Registry) SetRoot(root string) {
	if r == nil || !r.enabled {
		return
	}
	r.mu.Lock()
	if root == r.root && r.observer != nil {
		r.mu.Unlock()
		return
	}
	old := r.observer
	r.root = root
	r.observer = r.factory(root)
	obs := r.observer
	pending := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		pending = append(pending, h)
	}
	r.mu.Unlock()

	if old != nil {
		old.Disconnect()
	}
	if obs == nil {
		for _, h := range pending {
			h.markVisible()
		}
		return
	}
	for _, h := range pending {
		target := h.target
		obs.Observe(target, h.margin, func(visible bool) {
			if visible {
				r.notifyVisible(target)
			}
		})
	}
}

// Close 拆除当前观察上下文。已注册句柄保持原状态。
func (r *Registry) Close() {
	if r == nil {
		return
	}
	r.mu.Lock()
	obs := r.observer
	r.observer = nil
	r.mu.Unlock()
	if obs != nil {
		obs.Disconnect()
	}
}

func (r *Registry) notifyVisible(target string) {
	r.mu.Lock()
	h := r.handles[target]
	obs := r.observer
	if h != nil {
		delete(r.handles, target)
	}
	r.mu.Unlock()
	if h == nil {
		return
	}
	// 一次性：可见后即从底层观察器注销。
	if obs != nil {
		obs.Unobserve(target)
	}
	h.markVisible()
}

func (r *Registry) drop(h *Handle) {
	r.mu.Lock()
	cur, ok := r.handles[h.target]
	var obs Observer
	if ok && cur == h {
		delete(r.handles, h.target)
		obs = r.observer
	}
	r.mu.Unlock()
	if obs != nil {
		obs.Unobserve(h.target)
	}
}

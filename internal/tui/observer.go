package tui

import (
	"sync"

	"mdstream/internal/visibility"
)

type watch struct {
	margin int
	notify func(visible bool)
}

// ViewObserver 是终端视口驱动的可见性观察原语：TUI 在每次滚动或
// 重建后上报可见目标，已注册目标进入视口（含 margin）时回调。
type ViewObserver struct {
	mu           sync.Mutex
	targets      map[string]watch
	disconnected bool
}

// NewViewObserver 创建观察器。
func NewViewObserver() *ViewObserver {
	return &ViewObserver{targets: map[string]watch{}}
}

// Factory 返回可见性注册表用的工厂。同一个观察器跨 root 复用，
// root 切换时注册表先 Disconnect 再重新挂接。
func (o *ViewObserver) Factory() visibility.Factory {
	return func(root string) visibility.Observer {
		o.mu.Lock()
		o.disconnected = false
		o.mu.Unlock()
		return o
	}
}

// Observe 实现 visibility.Observer。
func (o *ViewObserver) Observe(target string, margin int, notify func(visible bool)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.disconnected {
		return
	}
	o.targets[target] = watch{margin: margin, notify: notify}
}

// Unobserve 实现 visibility.Observer。
func (o *ViewObserver) Unobserve(target string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.targets, target)
}

// Disconnect 实现 visibility.Observer。
func (o *ViewObserver) Disconnect() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.disconnected = true
	o.targets = map[string]watch{}
}

// Sync 上报当前可见性。isVisible 按目标与其注册时的 margin 判定；
// 命中的目标在锁外回调（回调方会反过来调用 Unobserve）。
func (o *ViewObserver) Sync(isVisible func(target string, margin int) bool) {
	o.mu.Lock()
	var hits []watch
	for target, w := range o.targets {
		if isVisible(target, w.margin) {
			hits = append(hits, w)
		}
	}
	o.mu.Unlock()

	for _, w := range hits {
		w.notify(true)
	}
}

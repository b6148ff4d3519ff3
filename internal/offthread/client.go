package offthread

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultCap 是默认并发上限。
const DefaultCap = 3

// DefaultTimeout 是未显式指定时的单请求超时。
const DefaultTimeout = 10 * time.Second

// ClientOptions 配置一个渲染客户端实例。
type ClientOptions struct {
	// Kind 标识渲染器种类（formula/diagram），只用于错误文案。
	Kind string
	// Cap 是并发上限；<=0 取 DefaultCap。
	Cap int
	// CacheCap 是结果缓存容量；<=0 取 DefaultCacheCap。
	CacheCap int
	// Timeout 是默认单请求超时；<=0 取 DefaultTimeout。
	Timeout time.Duration
}

// Client 是与单个 worker 的请求/应答协议实现：并发封顶、响应关联、
// 单请求超时、取消、有界结果缓存与等容量重试。每个实例独占自己的
// 在途表与缓存；多实例互不影响，可独立 create/bind/rebind/dispose。
type Client struct {
	kind       string
	cache      *Cache
	defTimeout time.Duration

	mu       sync.Mutex
	worker   Worker
	stop     chan struct{}
	cap      int
	inflight map[string]*pending
	waiters  []chan struct{}
	closed   bool
}

type outcome struct {
	value string
	err   error
}

type pending struct {
	id    string
	done  chan outcome
	timer *time.Timer
}

// NewClient 创建客户端。未绑定 worker 前所有提交都以 CodeInit 失败。
func NewClient(opts ClientOptions) *Client {
	capN := opts.Cap
	if capN <= 0 {
		capN = DefaultCap
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		kind:       opts.Kind,
		cache:      NewCache(opts.CacheCap),
		defTimeout: timeout,
		cap:        capN,
		inflight:   map[string]*pending{},
	}
}

// Bind 绑定（或换绑）worker。旧 worker 被终止，其后续消息按身份
// 检查直接忽略；在途请求的关联随之失效，最终按各自超时收尾。
func (c *Client) Bind(w Worker) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		if w != nil {
			w.Terminate()
		}
		return
	}
	old := c.worker
	oldStop := c.stop
	c.worker = w
	c.stop = make(chan struct{})
	stop := c.stop
	c.mu.Unlock()

	if oldStop != nil {
		close(oldStop)
	}
	if old != nil {
		old.Terminate()
	}
	if w != nil {
		go c.receive(w, stop)
	}
}

// Rebind 等价于 Bind，保留命名以强调换绑语义。
func (c *Client) Rebind(w Worker) { c.Bind(w) }

// receive 消费一个具体 worker 的消息。换绑后本协程退出，
// 旧 worker 的迟到消息不会再进入在途表。
func (c *Client) receive(w Worker, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case resp := <-w.Responses():
			if !c.bound(w) {
				return
			}
			c.settle(resp)
		case err := <-w.Failures():
			if !c.bound(w) {
				return
			}
			c.failAll(&ClientError{Code: CodeInit, Kind: c.kind, Cause: err})
		}
	}
}

func (c *Client) bound(w Worker) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.worker == w
}

// Submit 提交一次渲染。无 worker 立即 CodeInit（先于缓存检查，
// 未初始化的客户端不提供任何结果）；缓存命中同步返回，不派发；
// 在途数达到上限立即 CodeBusy（不排队）。否则注册在途项并派发，
// 以响应、超时、取消三者中先到者收尾，三条路径都恰好注销一次。
func (c *Client) Submit(ctx context.Context, payload Payload, timeout time.Duration) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	c.mu.Lock()
	if c.closed || c.worker == nil {
		c.mu.Unlock()
		return "", &ClientError{Code: CodeInit, Kind: c.kind}
	}
	if v, ok := c.cache.Get(payload.CacheKey()); ok {
		c.mu.Unlock()
		return v, nil
	}
	if len(c.inflight) >= c.cap {
		busy := &ClientError{Code: CodeBusy, Kind: c.kind, InFlight: len(c.inflight), Cap: c.cap}
		c.mu.Unlock()
		return "", busy
	}
	if timeout <= 0 {
		timeout = c.defTimeout
	}
	id := uuid.NewString()
	p := &pending{id: id, done: make(chan outcome, 1)}
	p.timer = time.AfterFunc(timeout, func() {
		if q := c.take(id); q != nil {
			q.done <- outcome{err: &ClientError{Code: CodeTimeout, Kind: c.kind}}
		}
	})
	c.inflight[id] = p
	w := c.worker
	c.mu.Unlock()

	if err := w.Send(Request{ID: id, Payload: payload, CreatedAt: time.Now()}); err != nil {
		if c.take(id) != nil {
			return "", &ClientError{Code: CodeInit, Kind: c.kind, Cause: err}
		}
	}

	select {
	case out := <-p.done:
		return c.finish(payload, out)
	case <-ctx.Done():
		if q := c.take(id); q != nil {
			return "", &ClientError{Code: CodeAborted, Kind: c.kind, Cause: ctx.Err()}
		}
		// 已被其他路径收尾，结果必然在通道里。
		return c.finish(payload, <-p.done)
	}
}

func (c *Client) finish(payload Payload, out outcome) (string, error) {
	if out.err != nil {
		return "", out.err
	}
	if !payload.NoStore {
		c.cache.Put(payload.CacheKey(), out.value)
	}
	return out.value, nil
}

// settle 把关联响应交付给对应的在途项。未知 ID（迟到/已收尾）忽略。
func (c *Client) settle(resp Response) {
	p := c.take(resp.ID)
	if p == nil {
		return
	}
	if resp.Err != "" {
		p.done <- outcome{err: &RenderError{Kind: c.kind, Message: resp.Err}}
		return
	}
	p.done <- outcome{value: resp.Result}
}

// take 注销在途项并唤醒容量等待者。每个 ID 只有一个调用方能拿到。
func (c *Client) take(id string) *pending {
	c.mu.Lock()
	p, ok := c.inflight[id]
	if ok {
		delete(c.inflight, id)
	}
	waiters := c.waiters
	if ok {
		c.waiters = nil
	}
	c.mu.Unlock()
	if !ok {
		return nil
	}
	p.timer.Stop()
	for _, ch := range waiters {
		close(ch)
	}
	return p
}

func (c *Client) failAll(err error) {
	c.mu.Lock()
	pendings := make([]*pending, 0, len(c.inflight))
	for _, p := range c.inflight {
		pendings = append(pendings, p)
	}
	c.inflight = map[string]*pending{}
	waiters := c.waiters
	c.waiters = nil
	c.mu.Unlock()

	for _, p := range pendings {
		p.timer.Stop()
		p.done <- outcome{err: err}
	}
	for _, ch := range waiters {
		close(ch)
	}
}

// WaitForCapacity 等到在途数低于上限。超时与取消先到者生效。
func (c *Client) WaitForCapacity(ctx context.Context, timeout time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var expire <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expire = t.C
	}
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return &ClientError{Code: CodeInit, Kind: c.kind}
		}
		if len(c.inflight) < c.cap {
			c.mu.Unlock()
			return nil
		}
		ch := make(chan struct{})
		c.waiters = append(c.waiters, ch)
		c.mu.Unlock()

		select {
		case <-ch:
		case <-expire:
			return &ClientError{Code: CodeTimeout, Kind: c.kind}
		case <-ctx.Done():
			return &ClientError{Code: CodeAborted, Kind: c.kind, Cause: ctx.Err()}
		}
	}
}

// BackpressureOptions 控制 SubmitWithBackpressure 的重试行为。
type BackpressureOptions struct {
	// Retries 是 CodeBusy 后的最大重试次数；<=0 取 1。
	Retries int
	// WaitTimeout 是单次等容量的上限；0 表示不设限。
	WaitTimeout time.Duration
	// Backoff 是线性退避基数：第 n 次重试前等待 n*Backoff。
	Backoff time.Duration
	// Timeout 透传给每次 Submit。
	Timeout time.Duration
}

// SubmitWithBackpressure 提交渲染；仅对 CodeBusy 做等容量重试，
// 其余失败立即透传。
func (c *Client) SubmitWithBackpressure(ctx context.Context, payload Payload, opts BackpressureOptions) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	retries := opts.Retries
	if retries <= 0 {
		retries = 1
	}
	for attempt := 0; ; attempt++ {
		v, err := c.Submit(ctx, payload, opts.Timeout)
		if err == nil || !IsBusy(err) || attempt >= retries {
			return v, err
		}
		if werr := c.WaitForCapacity(ctx, opts.WaitTimeout); werr != nil {
			return "", werr
		}
		if opts.Backoff > 0 {
			select {
			case <-time.After(time.Duration(attempt+1) * opts.Backoff):
			case <-ctx.Done():
				return "", &ClientError{Code: CodeAborted, Kind: c.kind, Cause: ctx.Err()}
			}
		}
	}
}

// SetCap 在运行时调整并发上限。调低不会取消在途请求，只约束新提交。
func (c *Client) SetCap(n int) {
	if n < 1 {
		n = 1
	}
	c.mu.Lock()
	grew := n > c.cap
	c.cap = n
	waiters := c.waiters
	if grew {
		c.waiters = nil
	}
	c.mu.Unlock()
	if grew {
		for _, ch := range waiters {
			close(ch)
		}
	}
}

// Cap 返回当前并发上限。
func (c *Client) Cap() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cap
}

// InFlight 返回当前在途请求数。
func (c *Client) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

// Cache 暴露客户端独占的结果缓存。
func (c *Client) Cache() *Cache {
	return c.cache
}

// Bound 报告是否已绑定 worker。
func (c *Client) Bound() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.worker != nil
}

// Close 终止 worker 并以 CodeInit 收尾所有在途请求。幂等。
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	w := c.worker
	stop := c.stop
	c.worker = nil
	c.stop = nil
	c.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if w != nil {
		w.Terminate()
	}
	c.failAll(&ClientError{Code: CodeInit, Kind: c.kind})
}

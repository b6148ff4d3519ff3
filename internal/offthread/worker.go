package offthread

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Payload 是一次渲染请求的输入。Content/Mode 构成缓存键；
// NoStore 为 true 时成功结果不会写入缓存（部分渲染路径使用）。
type Payload struct {
	Content string
	Mode    string
	Theme   string
	NoStore bool
}

// CacheKey 返回 (content, mode) 缓存键。
func (p Payload) CacheKey() string {
	return p.Content + "\x00" + p.Mode
}

// Request 是发往 worker 的消息。ID 用于响应关联，由客户端独占分配。
type Request struct {
	ID        string
	Payload   Payload
	CreatedAt time.Time
}

// Response 是 worker 的应答。Err 非空表示渲染引擎拒绝了输入。
type Response struct {
	ID     string
	Result string
	Err    string
}

// Worker 抽象一个隔离执行上下文：只要求 postMessage 式的发送、
// onmessage/onerror 式的接收和 terminate 能力。宿主可随时换绑。
type Worker interface {
	Send(req Request) error
	// Responses 返回应答通道。通道由 worker 持有，不会关闭。
	Responses() <-chan Response
	// Failures 返回 worker 级故障通道（对应 onerror）。
	Failures() <-chan error
	Terminate()
}

// ErrWorkerTerminated 表示向已终止的 worker 发送消息。
var ErrWorkerTerminated = errors.New("worker terminated")

// RenderFunc 是 worker 内执行的不透明渲染函数。
type RenderFunc func(ctx context.Context, payload Payload) (string, error)

// FuncWorker 在独立 goroutine 中运行 RenderFunc，是进程内的标准
// worker 绑定。它与客户端只通过消息通道交互，不共享任何状态。
type FuncWorker struct {
	fn        RenderFunc
	responses chan Response
	failures  chan error

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	dead   bool
}

// NewFuncWorker 创建 worker。fn 为 nil 时所有请求都会以故障应答。
func NewFuncWorker(fn RenderFunc) *FuncWorker {
	ctx, cancel := context.WithCancel(context.Background())
	return &FuncWorker{
		fn:        fn,
		responses: make(chan Response, 16),
		failures:  make(chan error, 4),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Send 派发一个请求。每个请求在自己的 goroutine 中执行。
func (w *FuncWorker) Send(req Request) error {
	w.mu.Lock()
	if w.dead {
		w.mu.Unlock()
		return ErrWorkerTerminated
	}
	ctx := w.ctx
	w.mu.Unlock()

	go func() {
		if w.fn == nil {
			w.deliver(Response{ID: req.ID, Err: "no render function bound"})
			return
		}
		result, err := w.fn(ctx, req.Payload)
		if ctx.Err() != nil {
			// terminate 之后的结果直接丢弃。
			return
		}
		if err != nil {
			w.deliver(Response{ID: req.ID, Err: err.Error()})
			return
		}
		w.deliver(Response{ID: req.ID, Result: result})
	}()
	return nil
}

func (w *FuncWorker) deliver(resp Response) {
	select {
	case w.responses <- resp:
	case <-w.ctx.Done():
	}
}

// Responses 实现 Worker。
func (w *FuncWorker) Responses() <-chan Response {
	return w.responses
}

// Failures 实现 Worker。
func (w *FuncWorker) Failures() <-chan error {
	return w.failures
}

// Fail 注入一次 worker 级故障（主要供宿主与测试使用）。
func (w *FuncWorker) Fail(err error) {
	if err == nil {
		return
	}
	select {
	case w.failures <- err:
	default:
	}
}

// Terminate 终止 worker。幂等；在途请求的结果被丢弃。
func (w *FuncWorker) Terminate() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dead {
		return
	}
	w.dead = true
	w.cancel()
}

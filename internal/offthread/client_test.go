package offthread

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// stubWorker 记录派发并由测试手动应答。
type stubWorker struct {
	mu        sync.Mutex
	reqs      []Request
	responses chan Response
	failures  chan error
	dead      bool
}

func newStubWorker() *stubWorker {
	return &stubWorker{
		responses: make(chan Response, 16),
		failures:  make(chan error, 4),
	}
}

func (w *stubWorker) Send(req Request) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dead {
		return ErrWorkerTerminated
	}
	w.reqs = append(w.reqs, req)
	return nil
}

func (w *stubWorker) Responses() <-chan Response { return w.responses }
func (w *stubWorker) Failures() <-chan error     { return w.failures }

func (w *stubWorker) Terminate() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.dead = true
}

func (w *stubWorker) sent() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.reqs)
}

func (w *stubWorker) respond(i int, result string) {
	w.mu.Lock()
	id := w.reqs[i].ID
	w.mu.Unlock()
	w.responses <- Response{ID: id, Result: result}
}

func (w *stubWorker) reject(i int, msg string) {
	w.mu.Lock()
	id := w.reqs[i].ID
	w.mu.Unlock()
	w.responses <- Response{ID: id, Err: msg}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
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

func TestSubmitWithoutWorker(t *testing.T) {
	c := NewClient(ClientOptions{Kind: "formula"})
	defer c.Close()

	_, err := c.Submit(context.Background(), Payload{Content: "x"}, time.Second)
	if !IsCode(err, CodeInit) {
		t.Fatalf("expected WORKER_INIT_ERROR, got %v", err)
	}
}

func TestUnboundClientRejectsDespiteCache(t *testing.T) {
	c := NewClient(ClientOptions{Kind: "formula"})
	defer c.Close()

	p := Payload{Content: "x", Mode: "block"}
	c.Cache().Put(p.CacheKey(), "stale")

	// 初始化检查先于缓存：未绑定 worker 的客户端不提供任何结果。
	_, err := c.Submit(context.Background(), p, time.Second)
	if !IsCode(err, CodeInit) {
		t.Fatalf("expected WORKER_INIT_ERROR before cache lookup, got %v", err)
	}
}

func TestBusyAtCapRejectsSynchronously(t *testing.T) {
	c := NewClient(ClientOptions{Kind: "formula", Cap: 2})
	defer c.Close()
	w := newStubWorker()
	c.Bind(w)

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		content := string(rune('a' + i))
		go func() {
			_, err := c.Submit(context.Background(), Payload{Content: content}, time.Second)
			results <- err
		}()
	}
	waitFor(t, func() bool { return c.InFlight() == 2 }, "two requests in flight")

	_, err := c.Submit(context.Background(), Payload{Content: "overflow"}, time.Second)
	var cerr *ClientError
	if !errors.As(err, &cerr) || cerr.Code != CodeBusy {
		t.Fatalf("expected WORKER_BUSY, got %v", err)
	}
	if cerr.InFlight != 2 || cerr.Cap != 2 {
		t.Fatalf("busy error should carry counts, got inflight=%d cap=%d", cerr.InFlight, cerr.Cap)
	}
	// 超限提交不允许触达 worker。
	if w.sent() != 2 {
		t.Fatalf("overflow submission must not dispatch, worker saw %d", w.sent())
	}

	w.respond(0, "r0")
	w.respond(1, "r1")
	for i := 0; i < 2; i++ {
		if err := <-results; err != nil {
			t.Fatalf("in-flight request failed: %v", err)
		}
	}
}

func TestCacheSingleDispatch(t *testing.T) {
	c := NewClient(ClientOptions{Kind: "formula"})
	defer c.Close()
	w := newStubWorker()
	c.Bind(w)

	payload := Payload{Content: "E=mc^2", Mode: "block"}
	done := make(chan string, 1)
	go func() {
		v, err := c.Submit(context.Background(), payload, time.Second)
		if err != nil {
			t.Errorf("submit failed: %v", err)
		}
		done <- v
	}()
	waitFor(t, func() bool { return w.sent() == 1 }, "first dispatch")
	w.respond(0, "typeset")
	if v := <-done; v != "typeset" {
		t.Fatalf("unexpected result %q", v)
	}

	v, err := c.Submit(context.Background(), payload, time.Second)
	if err != nil || v != "typeset" {
		t.Fatalf("expected cache hit, got %q err=%v", v, err)
	}
	if w.sent() != 1 {
		t.Fatalf("cache hit must not dispatch again, worker saw %d", w.sent())
	}
}

func TestCancellationFreesCapacity(t *testing.T) {
	c := NewClient(ClientOptions{Kind: "diagram", Cap: 1})
	defer c.Close()
	w := newStubWorker()
	c.Bind(w)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Submit(ctx, Payload{Content: "g"}, time.Minute)
		errCh <- err
	}()
	waitFor(t, func() bool { return c.InFlight() == 1 }, "request in flight")

	cancel()
	err := <-errCh
	if !IsAborted(err) {
		t.Fatalf("expected ABORT_ERROR, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("abort should unwrap to context.Canceled, got %v", err)
	}
	// 取消即刻释放容量。
	if werr := c.WaitForCapacity(context.Background(), 100*time.Millisecond); werr != nil {
		t.Fatalf("capacity should be free after cancellation: %v", werr)
	}
	if c.InFlight() != 0 {
		t.Fatalf("inflight should be empty, got %d", c.InFlight())
	}
}

func TestTimeoutIsIndependentPerCall(t *testing.T) {
	c := NewClient(ClientOptions{Kind: "formula", Cap: 2})
	defer c.Close()
	w := newStubWorker()
	c.Bind(w)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Submit(context.Background(), Payload{Content: "slow"}, 30*time.Millisecond)
		errCh <- err
	}()
	resCh := make(chan string, 1)
	go func() {
		v, _ := c.Submit(context.Background(), Payload{Content: "fast"}, time.Second)
		resCh <- v
	}()
	waitFor(t, func() bool { return w.sent() == 2 }, "both dispatched")

	if err := <-errCh; !IsTimeout(err) {
		t.Fatalf("expected WORKER_TIMEOUT, got %v", err)
	}
	for i := 0; i < 2; i++ {
		w.mu.Lock()
		content := w.reqs[i].Payload.Content
		w.mu.Unlock()
		if content == "fast" {
			w.respond(i, "ok")
		}
	}
	if v := <-resCh; v != "ok" {
		t.Fatalf("unrelated call should still succeed, got %q", v)
	}
}

func TestRenderErrorPropagates(t *testing.T) {
	c := NewClient(ClientOptions{Kind: "diagram"})
	defer c.Close()
	w := newStubWorker()
	c.Bind(w)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Submit(context.Background(), Payload{Content: "bad"}, time.Second)
		errCh <- err
	}()
	waitFor(t, func() bool { return w.sent() == 1 }, "dispatched")
	w.reject(0, "syntax error")

	err := <-errCh
	var rerr *RenderError
	if !errors.As(err, &rerr) {
		t.Fatalf("expected RenderError, got %v", err)
	}
	if rerr.Message != "syntax error" || rerr.Kind != "diagram" {
		t.Fatalf("unexpected render error: %+v", rerr)
	}
}

func TestRebindIgnoresStaleWorker(t *testing.T) {
	c := NewClient(ClientOptions{Kind: "formula"})
	defer c.Close()
	w1 := newStubWorker()
	c.Bind(w1)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Submit(context.Background(), Payload{Content: "x"}, 80*time.Millisecond)
		errCh <- err
	}()
	waitFor(t, func() bool { return w1.sent() == 1 }, "dispatched to old worker")

	w2 := newStubWorker()
	c.Rebind(w2)
	if !w1.deadState() {
		t.Fatalf("rebind should terminate the old worker")
	}
	// 旧 worker 的迟到应答不再进入在途表，请求按超时收尾。
	w1.respond(0, "stale")
	if err := <-errCh; !IsTimeout(err) {
		t.Fatalf("expected timeout after rebind, got %v", err)
	}
}

func (w *stubWorker) deadState() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dead
}

func TestSubmitWithBackpressureRetriesBusy(t *testing.T) {
	c := NewClient(ClientOptions{Kind: "diagram", Cap: 1})
	defer c.Close()
	w := newStubWorker()
	c.Bind(w)

	first := make(chan error, 1)
	go func() {
		_, err := c.Submit(context.Background(), Payload{Content: "hold"}, time.Second)
		first <- err
	}()
	waitFor(t, func() bool { return c.InFlight() == 1 }, "slot occupied")

	second := make(chan error, 1)
	go func() {
		_, err := c.SubmitWithBackpressure(context.Background(), Payload{Content: "queued"}, BackpressureOptions{
			Retries: 1,
			Timeout: time.Second,
		})
		second <- err
	}()
	// 第二个请求先吃到 busy，随后等容量。
	time.Sleep(30 * time.Millisecond)
	w.respond(0, "done")
	if err := <-first; err != nil {
		t.Fatalf("first request failed: %v", err)
	}
	waitFor(t, func() bool { return w.sent() == 2 }, "retry dispatched")
	w.respond(1, "done2")
	if err := <-second; err != nil {
		t.Fatalf("backpressure retry should succeed: %v", err)
	}
}

func TestBackpressureDoesNotRetryRenderError(t *testing.T) {
	c := NewClient(ClientOptions{Kind: "formula"})
	defer c.Close()
	w := newStubWorker()
	c.Bind(w)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.SubmitWithBackpressure(context.Background(), Payload{Content: "bad"}, BackpressureOptions{Retries: 3, Timeout: time.Second})
		errCh <- err
	}()
	waitFor(t, func() bool { return w.sent() == 1 }, "dispatched")
	w.reject(0, "no")

	var rerr *RenderError
	if err := <-errCh; !errors.As(err, &rerr) {
		t.Fatalf("render error must not be retried, got %v", err)
	}
	if w.sent() != 1 {
		t.Fatalf("expected single dispatch, got %d", w.sent())
	}
}

func TestWorkerFailureFailsAllInflight(t *testing.T) {
	c := NewClient(ClientOptions{Kind: "formula", Cap: 2})
	defer c.Close()
	w := newStubWorker()
	c.Bind(w)

	errs := make(chan error, 2)
	for _, content := range []string{"a", "b"} {
		content := content
		go func() {
			_, err := c.Submit(context.Background(), Payload{Content: content}, time.Second)
			errs <- err
		}()
	}
	waitFor(t, func() bool { return c.InFlight() == 2 }, "two in flight")

	w.failures <- errors.New("worker crashed")
	for i := 0; i < 2; i++ {
		if err := <-errs; !IsCode(err, CodeInit) {
			t.Fatalf("expected init failure, got %v", err)
		}
	}
}

func TestCloseSettlesInflight(t *testing.T) {
	c := NewClient(ClientOptions{Kind: "diagram"})
	w := newStubWorker()
	c.Bind(w)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Submit(context.Background(), Payload{Content: "x"}, time.Minute)
		errCh <- err
	}()
	waitFor(t, func() bool { return c.InFlight() == 1 }, "in flight")

	c.Close()
	if err := <-errCh; !IsCode(err, CodeInit) {
		t.Fatalf("close should settle inflight with init error, got %v", err)
	}
	if _, err := c.Submit(context.Background(), Payload{Content: "y"}, time.Second); !IsCode(err, CodeInit) {
		t.Fatalf("submit after close should fail, got %v", err)
	}
}

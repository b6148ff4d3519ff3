package formula

import (
	"context"
	"strings"
	"time"

	"mdstream/internal/offthread"
)

// Display 区分行内与块级排版，参与缓存键。
type Display string

const (
	DisplayInline Display = "inline"
	DisplayBlock  Display = "block"
)

// Options 配置公式渲染器。
type Options struct {
	// Cap/CacheCap/Timeout 透传给底层客户端。
	Cap      int
	CacheCap int
	Timeout  time.Duration
	// Retries/Backoff 控制 busy 重试。
	Retries int
	Backoff time.Duration
}

// Renderer 是公式路径对离线渲染客户端的实例化：归一化输入、
// (content, mode) 缓存、busy 退避重试。排版算法本身是不透明的
// RenderFunc，由宿主随 worker 一起提供。
type Renderer struct {
	client  *offthread.Client
	retries int
	backoff time.Duration
	timeout time.Duration
}

// NewRenderer 创建公式渲染器。
func NewRenderer(opts Options) *Renderer {
	return &Renderer{
		client: offthread.NewClient(offthread.ClientOptions{
			Kind:     "formula",
			Cap:      opts.Cap,
			CacheCap: opts.CacheCap,
			Timeout:  opts.Timeout,
		}),
		retries: opts.Retries,
		backoff: opts.Backoff,
		timeout: opts.Timeout,
	}
}

// Bind 绑定公式 worker。
func (r *Renderer) Bind(w offthread.Worker) {
	r.client.Bind(w)
}

// Client 暴露底层客户端（运行时调容量、测试注入）。
func (r *Renderer) Client() *offthread.Client {
	return r.client
}

// Normalize 折叠换行与首尾空白，保证等价公式命中同一缓存键。
func Normalize(source string) string {
	s := strings.ReplaceAll(source, "\r\n", "\n")
	return strings.TrimSpace(s)
}

// Render 渲染一个公式。渲染失败返回类型化错误，调用方回退为源码展示。
func (r *Renderer) Render(ctx context.Context, source string, display Display) (string, error) {
	payload := offthread.Payload{
		Content: Normalize(source),
		Mode:    string(display),
	}
	return r.client.SubmitWithBackpressure(ctx, payload, offthread.BackpressureOptions{
		Retries: r.retries,
		Backoff: r.backoff,
		Timeout: r.timeout,
	})
}

// Close 释放渲染器。
func (r *Renderer) Close() {
	r.client.Close()
}

package diagram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"mdstream/internal/offthread"
)

// Mode 是图表槽最终的展示形态。
type Mode string

const (
	// ModeFull 表示完整源码渲染成功。
	ModeFull Mode = "full"
	// ModePartial 表示仅渲染了结构安全的前缀。
	ModePartial Mode = "partial"
	// ModeSource 表示回退为源码文本展示。
	ModeSource Mode = "source"
	// ModeError 表示连源码回退都不可用的终端失败。
	ModeError Mode = "error"
)

// ErrStale 表示本次尝试的结果已被更新的输入取代，调用方应直接丢弃。
var ErrStale = errors.New("diagram render superseded by newer input")

// Outcome 是一次渲染尝试的产出。Partial 时 Source 是被渲染的前缀。
type Outcome struct {
	Mode    Mode
	Payload string
	Source  string
	Err     error
}

// Validator 是进程内的结构校验回退（off-thread 校验不可用时使用）。
type Validator func(ctx context.Context, source string) error

// Options 配置渐进渲染控制器。
type Options struct {
	// Cap/CacheCap 透传给底层客户端。
	Cap      int
	CacheCap int
	// FullTimeout 是完整渲染的宽松超时；<=0 取 10s。
	FullTimeout time.Duration
	// PartialTimeout 是前缀渲染的较短超时；<=0 取 FullTimeout 的一半。
	PartialTimeout time.Duration
	// Validator 可选；nil 时校验不可用即视为通过。
	Validator Validator
	// Policy 可选；nil 时使用 DefaultPolicy。
	Policy DanglingPolicy
	// Theme 参与完整渲染的缓存键。
	Theme string
	// Client 可选；提供时多个控制器共享同一个客户端（及其
	// worker、缓存与并发上限），Close 不再关闭它。
	Client *offthread.Client
}

// Controller 是图表路径的渐进渲染控制器：完整解析 → 完整渲染 →
// 前缀渲染 → 源码回退，逐级降级。代数令牌是唯一的过期防护：任何
// 完成时令牌已落后的尝试，其结果无条件丢弃，没有回滚或合并。
type Controller struct {
	client     *offthread.Client
	ownsClient bool

	mu         sync.Mutex
	generation uint64
	lastFull   string

	validator      Validator
	policy         DanglingPolicy
	theme          string
	fullTimeout    time.Duration
	partialTimeout time.Duration
}

// NewController 创建控制器及其专属客户端。
func NewController(opts Options) *Controller {
	full := opts.FullTimeout
	if full <= 0 {
		full = 10 * time.Second
	}
	partial := opts.PartialTimeout
	if partial <= 0 {
		partial = full / 2
	}
	policy := opts.Policy
	if policy == nil {
		policy = DefaultPolicy()
	}
	client := opts.Client
	owns := false
	if client == nil {
		client = offthread.NewClient(offthread.ClientOptions{
			Kind:     "diagram",
			Cap:      opts.Cap,
			CacheCap: opts.CacheCap,
			Timeout:  full,
		})
		owns = true
	}
	return &Controller{
		client:         client,
		ownsClient:     owns,
		validator:      opts.Validator,
		policy:         policy,
		theme:          opts.Theme,
		fullTimeout:    full,
		partialTimeout: partial,
	}
}

// Bind 绑定图表 worker。
func (c *Controller) Bind(w offthread.Worker) {
	c.client.Bind(w)
}

// Client 暴露底层客户端。
func (c *Controller) Client() *offthread.Client {
	return c.client
}

// Normalize 折叠换行并去除首尾空白。
func Normalize(source string) string {
	return strings.TrimSpace(strings.ReplaceAll(source, "\r\n", "\n"))
}

// renderMode 把主题并入 (content, mode) 缓存键，满足
// “完整结果按 (归一化源码, 主题) 缓存”。
func (c *Controller) renderMode() string {
	return "render:" + c.theme
}

// Render 对当前源码执行一次完整的渲染尝试。每次内容变化都从头
// 开始并递增代数；与上次成功完整渲染相同的归一化源码直接短路。
func (c *Controller) Render(ctx context.Context, source string) (Outcome, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	normalized := Normalize(source)
	if normalized == "" {
		return Outcome{Mode: ModeError, Err: errors.New("empty diagram source")}, nil
	}

	c.mu.Lock()
	c.generation++
	gen := c.generation
	skip := normalized == c.lastFull
	c.mu.Unlock()

	if skip {
		// 无关 prop 变化触发的重渲染：直接复用缓存结果。
		if v, ok := c.client.Cache().Get(offthread.Payload{Content: normalized, Mode: c.renderMode()}.CacheKey()); ok {
			return Outcome{Mode: ModeFull, Payload: v, Source: normalized}, nil
		}
	}

	// 阶段一：离线结构校验。
	parseOK := c.attemptParse(ctx, normalized)
	if err := c.staleOr(ctx, gen); err != nil {
		return Outcome{}, err
	}

	if parseOK {
		// 阶段二：完整渲染，宽松超时。
		out, err := c.client.SubmitWithBackpressure(ctx, offthread.Payload{
			Content: normalized,
			Mode:    c.renderMode(),
			Theme:   c.theme,
		}, offthread.BackpressureOptions{Timeout: c.fullTimeout})
		if serr := c.staleOr(ctx, gen); serr != nil {
			return Outcome{}, serr
		}
		if err == nil {
			c.mu.Lock()
			c.lastFull = normalized
			c.mu.Unlock()
			return Outcome{Mode: ModeFull, Payload: out, Source: normalized}, nil
		}
		if offthread.IsAborted(err) {
			return Outcome{}, err
		}
	}

	// 阶段三：裁掉悬空后缀，渲染最长安全前缀。
	prefix := Normalize(c.policy.TrimDangling(normalized))
	if prefix != "" && prefix != normalized {
		out, err := c.client.Submit(ctx, offthread.Payload{
			Content: prefix,
			Mode:    c.renderMode(),
			Theme:   c.theme,
			NoStore: true, // 部分结果不进缓存，也不标记为完整渲染
		}, c.partialTimeout)
		if serr := c.staleOr(ctx, gen); serr != nil {
			return Outcome{}, serr
		}
		if err == nil {
			return Outcome{Mode: ModePartial, Payload: out, Source: prefix}, nil
		}
		if offthread.IsAborted(err) {
			return Outcome{}, err
		}
	}

	// 最后回退：源码文本展示。
	return Outcome{Mode: ModeSource, Source: normalized}, nil
}

// attemptParse 先尝试离线校验，基础设施不可用时退回进程内校验。
// 返回 false 表示源码结构上确定无效。
func (c *Controller) attemptParse(ctx context.Context, normalized string) bool {
	_, err := c.client.Submit(ctx, offthread.Payload{
		Content: normalized,
		Mode:    "parse",
		NoStore: true,
	}, c.partialTimeout)
	if err == nil {
		return true
	}
	var renderErr *offthread.RenderError
	if errors.As(err, &renderErr) {
		return false
	}
	// 传输层失败：退回进程内校验；没有校验器就当作通过，
	// 让完整渲染自己见分晓。
	if c.validator == nil {
		return true
	}
	return c.validator(ctx, normalized) == nil
}

// staleOr 统一过期与取消检查。
func (c *Controller) staleOr(ctx context.Context, gen uint64) error {
	if err := ctx.Err(); err != nil {
		return &offthread.ClientError{Code: offthread.CodeAborted, Kind: "diagram", Cause: err}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation {
		return ErrStale
	}
	return nil
}

// Generation 返回当前代数（测试用）。
func (c *Controller) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// Close 释放控制器；共享客户端由其所有者关闭。
func (c *Controller) Close() {
	if c.ownsClient {
		c.client.Close()
	}
}

package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config is the only persisted config file schema. All knobs of the
// incremental renderer live here; out-of-range values are clamped on
// load, never rejected.
type Config struct {
	InitialBatchSize  int             `toml:"initial_batch_size"`
	BatchSize         int             `toml:"batch_size"`
	BatchDelayMs      int             `toml:"batch_delay_ms"`
	BatchBudgetMs     int             `toml:"batch_budget_ms"`
	IdleTimeoutMs     int             `toml:"idle_timeout_ms"`
	DeferUntilVisible bool            `toml:"defer_until_visible"`
	MaxLiveNodes      int             `toml:"max_live_nodes"`
	LiveBuffer        int             `toml:"live_buffer"`
	ViewportPriority  bool            `toml:"viewport_priority"`
	DatasetKey        string          `toml:"dataset_key"`
	WorkerConcurrency int             `toml:"worker_concurrency"`
	WorkerTimeoutMs   int             `toml:"worker_timeout_ms"`
	CacheCapacity     int             `toml:"cache_capacity"`
	Theme             string          `toml:"theme"`
	LogPath           string          `toml:"log_path"`
	Features          map[string]bool `toml:"features"`
	Source            string          `toml:"-"`
}

// Default 返回默认配置。
func Default() Config {
	return Config{
		InitialBatchSize:  30,
		BatchSize:         60,
		BatchDelayMs:      50,
		BatchBudgetMs:     8,
		IdleTimeoutMs:     300,
		DeferUntilVisible: true,
		MaxLiveNodes:      300,
		LiveBuffer:        50,
		ViewportPriority:  true,
		WorkerConcurrency: 3,
		WorkerTimeoutMs:   10000,
		CacheCapacity:     200,
		Theme:             "default",
	}
}

// DefaultPath 返回默认配置文件路径。
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".mdstream", "config.toml")
}

// Load 读取配置文件；文件缺失时返回默认值并应用环境变量。
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = DefaultPath()
	}
	if path == "" {
		return cfg, errors.New("config path is empty and $HOME is not set")
	}
	cfg.Source = path

	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return applyEnv(cfg.Clamped()), nil
		}
		return cfg, err
	}
	if err := toml.Unmarshal(content, &cfg); err != nil {
		return cfg, err
	}
	return applyEnv(cfg.Clamped()), nil
}

func applyEnv(cfg Config) Config {
	if env := strings.TrimSpace(os.Getenv("MDSTREAM_THEME")); env != "" {
		cfg.Theme = env
	}
	if env := strings.TrimSpace(os.Getenv("MDSTREAM_LOG_PATH")); env != "" {
		cfg.LogPath = env
	}
	return cfg
}

// Clamped 把越界值夹回合法范围。配置错误不致命，夹取而非报错。
func (c Config) Clamped() Config {
	d := Default()
	if c.InitialBatchSize <= 0 {
		c.InitialBatchSize = d.InitialBatchSize
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.BatchSize < c.InitialBatchSize/4 {
		c.BatchSize = c.InitialBatchSize / 4
	}
	if c.BatchDelayMs < 0 {
		c.BatchDelayMs = 0
	}
	if c.BatchBudgetMs <= 0 {
		c.BatchBudgetMs = d.BatchBudgetMs
	}
	if c.IdleTimeoutMs < 0 {
		c.IdleTimeoutMs = 0
	}
	if c.MaxLiveNodes <= 0 {
		c.MaxLiveNodes = d.MaxLiveNodes
	}
	if c.LiveBuffer < 0 {
		c.LiveBuffer = 0
	}
	if c.LiveBuffer*2+1 > c.MaxLiveNodes {
		c.LiveBuffer = (c.MaxLiveNodes - 1) / 2
	}
	if c.WorkerConcurrency <= 0 {
		c.WorkerConcurrency = d.WorkerConcurrency
	}
	if c.WorkerTimeoutMs <= 0 {
		c.WorkerTimeoutMs = d.WorkerTimeoutMs
	}
	if c.CacheCapacity <= 0 {
		c.CacheCapacity = d.CacheCapacity
	}
	if strings.TrimSpace(c.Theme) == "" {
		c.Theme = d.Theme
	}
	return c
}

// BatchDelay 返回批推进的调度间隔。
func (c Config) BatchDelay() time.Duration {
	return time.Duration(c.BatchDelayMs) * time.Millisecond
}

// BatchBudget 返回单步时间预算。
func (c Config) BatchBudget() time.Duration {
	return time.Duration(c.BatchBudgetMs) * time.Millisecond
}

// IdleTimeout 返回协作式调度步的最长等待；0 表示不设上限。
func (c Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutMs) * time.Millisecond
}

// WorkerTimeout 返回离线渲染的单请求超时。
func (c Config) WorkerTimeout() time.Duration {
	return time.Duration(c.WorkerTimeoutMs) * time.Millisecond
}

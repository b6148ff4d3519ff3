package config

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

// Save 把配置写到磁盘。只持久化与默认值不同的键：配置文件记录的是
// 用户的显式选择，默认值的演进不被旧快照钉死。
func Save(path string, cfg Config) error {
	if path == "" {
		path = DefaultPath()
	}
	if path == "" {
		return errors.New("config path is empty and $HOME is not set")
	}
	data, err := toml.Marshal(overridesOf(cfg))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// overridesOf 提取与默认配置不同的键，键名与 toml 标签一致。
func overridesOf(c Config) map[string]any {
	d := Default()
	out := map[string]any{}
	keep := func(key string, changed bool, v any) {
		if changed {
			out[key] = v
		}
	}
	keep("initial_batch_size", c.InitialBatchSize != d.InitialBatchSize, c.InitialBatchSize)
	keep("batch_size", c.BatchSize != d.BatchSize, c.BatchSize)
	keep("batch_delay_ms", c.BatchDelayMs != d.BatchDelayMs, c.BatchDelayMs)
	keep("batch_budget_ms", c.BatchBudgetMs != d.BatchBudgetMs, c.BatchBudgetMs)
	keep("idle_timeout_ms", c.IdleTimeoutMs != d.IdleTimeoutMs, c.IdleTimeoutMs)
	keep("defer_until_visible", c.DeferUntilVisible != d.DeferUntilVisible, c.DeferUntilVisible)
	keep("max_live_nodes", c.MaxLiveNodes != d.MaxLiveNodes, c.MaxLiveNodes)
	keep("live_buffer", c.LiveBuffer != d.LiveBuffer, c.LiveBuffer)
	keep("viewport_priority", c.ViewportPriority != d.ViewportPriority, c.ViewportPriority)
	keep("dataset_key", c.DatasetKey != d.DatasetKey, c.DatasetKey)
	keep("worker_concurrency", c.WorkerConcurrency != d.WorkerConcurrency, c.WorkerConcurrency)
	keep("worker_timeout_ms", c.WorkerTimeoutMs != d.WorkerTimeoutMs, c.WorkerTimeoutMs)
	keep("cache_capacity", c.CacheCapacity != d.CacheCapacity, c.CacheCapacity)
	keep("theme", c.Theme != d.Theme, c.Theme)
	keep("log_path", c.LogPath != d.LogPath, c.LogPath)
	if len(c.Features) > 0 {
		out["features"] = c.Features
	}
	return out
}

package config

import (
	"strconv"
	"strings"
)

// ApplyKVOverrides applies free-form -c key=value overrides.
// 未识别的键与非法的值直接忽略；feature.<key>=bool 切换特性开关。
func ApplyKVOverrides(cfg Config, overrides []string) Config {
	if len(overrides) == 0 {
		return cfg
	}
	for _, raw := range overrides {
		parts := strings.SplitN(raw, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])

		if name, ok := strings.CutPrefix(key, "feature."); ok {
			if b, err := strconv.ParseBool(val); err == nil {
				if cfg.Features == nil {
					cfg.Features = map[string]bool{}
				}
				cfg.Features[name] = b
			}
			continue
		}

		switch key {
		case "initial_batch_size", "initial-batch-size":
			setInt(&cfg.InitialBatchSize, val)
		case "batch_size", "batch-size":
			setInt(&cfg.BatchSize, val)
		case "batch_delay_ms":
			setInt(&cfg.BatchDelayMs, val)
		case "batch_budget_ms":
			setInt(&cfg.BatchBudgetMs, val)
		case "idle_timeout_ms":
			setInt(&cfg.IdleTimeoutMs, val)
		case "defer_until_visible":
			setBool(&cfg.DeferUntilVisible, val)
		case "max_live_nodes", "max-live-nodes":
			setInt(&cfg.MaxLiveNodes, val)
		case "live_buffer", "live-buffer":
			setInt(&cfg.LiveBuffer, val)
		case "viewport_priority":
			setBool(&cfg.ViewportPriority, val)
		case "dataset_key":
			cfg.DatasetKey = val
		case "worker_concurrency":
			setInt(&cfg.WorkerConcurrency, val)
		case "worker_timeout_ms":
			setInt(&cfg.WorkerTimeoutMs, val)
		case "cache_capacity":
			setInt(&cfg.CacheCapacity, val)
		case "theme":
			cfg.Theme = val
		case "log_path":
			cfg.LogPath = val
		}
	}
	return cfg.Clamped()
}

func setInt(dst *int, val string) {
	if n, err := strconv.Atoi(val); err == nil {
		*dst = n
	}
}

func setBool(dst *bool, val string) {
	if b, err := strconv.ParseBool(val); err == nil {
		*dst = b
	}
}

// Package config loads the runtime configuration the core reads on
// startup (spec.md §6): pool, batch, and adaptive-sizing bounds, with file
// and INGESTFS_*-prefixed environment variable overlays over built-in
// defaults. The loading shape follows
// cmd/alexander-server/main.go's config.Load("") call site, backed by
// viper's standard precedence (defaults < file < env).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/prn-tf/ingestfs/internal/domain"
)

// LoggingConfig controls the process-wide zerolog setup.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// ScanConfig controls the directory scanner's defaults.
type ScanConfig struct {
	MaxDepth        int  `mapstructure:"max_depth"`
	IncludeHidden   bool `mapstructure:"include_hidden"`
	DetectSparse    bool `mapstructure:"detect_sparse"`
	ParallelWorkers int  `mapstructure:"parallel_workers"`
}

// WatchConfig controls the event watcher's debounce and queue bounds.
type WatchConfig struct {
	DebounceWindowMS int `mapstructure:"debounce_window_ms"`
	BatchSize        int `mapstructure:"batch_size"`
	QueueCapacity    int `mapstructure:"queue_capacity"`
}

// AdaptiveConfig controls the sizing/pressure controller's cadence.
type AdaptiveConfig struct {
	SizingIntervalSeconds int    `mapstructure:"sizing_interval_seconds"`
	MemoryIntervalSeconds int    `mapstructure:"memory_interval_seconds"`
	MemoryCeilingBytes    uint64 `mapstructure:"memory_ceiling_bytes"`
}

// RuntimeConfig is the top-level configuration object.
type RuntimeConfig struct {
	Logging  LoggingConfig             `mapstructure:"logging"`
	Pools    domain.PoolConfiguration  `mapstructure:"pools"`
	Batch    domain.BatchConfiguration `mapstructure:"batch"`
	Scan     ScanConfig                `mapstructure:"scan"`
	Watch    WatchConfig               `mapstructure:"watch"`
	Adaptive AdaptiveConfig            `mapstructure:"adaptive"`
}

// DebounceWindow returns the configured watch debounce as a time.Duration.
func (c WatchConfig) DebounceWindow() time.Duration {
	return time.Duration(c.DebounceWindowMS) * time.Millisecond
}

// SizingInterval returns the configured sizing cadence as a time.Duration.
func (c AdaptiveConfig) SizingInterval() time.Duration {
	return time.Duration(c.SizingIntervalSeconds) * time.Second
}

// MemoryInterval returns the configured memory-sampling cadence as a
// time.Duration.
func (c AdaptiveConfig) MemoryInterval() time.Duration {
	return time.Duration(c.MemoryIntervalSeconds) * time.Second
}

func setDefaults(v *viper.Viper) {
	pools := domain.DefaultPoolConfiguration()
	batchCfg := domain.DefaultBatchConfiguration()

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.pretty", false)

	v.SetDefault("pools.default_buffer_size", pools.DefaultBufferSize)
	v.SetDefault("pools.max_buffers", pools.MaxBuffers)
	v.SetDefault("pools.min_buffer_size", pools.MinBufferSize)
	v.SetDefault("pools.max_buffer_size", pools.MaxBufferSize)
	v.SetDefault("pools.io_pool_size", pools.IOPoolSize)
	v.SetDefault("pools.cpu_pool_size", pools.CPUPoolSize)
	v.SetDefault("pools.completion_pool_size", pools.CompletionPoolSize)
	v.SetDefault("pools.batch_pool_size", pools.BatchPoolSize)
	v.SetDefault("pools.mgmt_pool_size", pools.MgmtPoolSize)

	v.SetDefault("batch.max_concurrent_batches", batchCfg.MaxConcurrentBatches)
	v.SetDefault("batch.base_batch_size", batchCfg.BaseBatchSize)
	v.SetDefault("batch.min_batch_size", batchCfg.MinBatchSize)
	v.SetDefault("batch.default_strategy", int(batchCfg.DefaultStrategy))

	v.SetDefault("scan.max_depth", 0)
	v.SetDefault("scan.include_hidden", false)
	v.SetDefault("scan.detect_sparse", true)
	v.SetDefault("scan.parallel_workers", 4)

	v.SetDefault("watch.debounce_window_ms", 100)
	v.SetDefault("watch.batch_size", 32)
	v.SetDefault("watch.queue_capacity", 256)

	v.SetDefault("adaptive.sizing_interval_seconds", 30)
	v.SetDefault("adaptive.memory_interval_seconds", 1)
	v.SetDefault("adaptive.memory_ceiling_bytes", 0)
}

// Load reads defaults, then path if non-empty, then INGESTFS_*-prefixed
// environment variables, in that order of increasing precedence. path may
// be empty to skip file loading entirely.
func Load(path string) (*RuntimeConfig, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("INGESTFS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %q: %w", path, err)
		}
	}

	var cfg RuntimeConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}

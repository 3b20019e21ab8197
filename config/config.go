// Package config defines the engine-wide configuration knobs.
package config

import (
	"time"

	"github.com/latchdb/latchdb/pkg/logger"
	"github.com/latchdb/latchdb/pkg/telemetry"
)

// Config collects every tunable of the storage engine. Zero values are not
// meaningful; start from Default().
type Config struct {
	// BufferPoolSize is the number of page frames held in memory.
	BufferPoolSize int `yaml:"buffer_pool_size"`
	// BucketSize is the capacity of one extendible-hash bucket.
	BucketSize int `yaml:"bucket_size"`
	// LogTimeout is how long the WAL flusher sleeps before a timed flush.
	LogTimeout time.Duration `yaml:"log_timeout"`
	// EnableLogging turns the write-ahead log on. With logging off the
	// engine runs without durability.
	EnableLogging bool `yaml:"enable_logging"`

	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// Default returns the configuration the original engine shipped with.
func Default() Config {
	return Config{
		BufferPoolSize: 10,
		BucketSize:     50,
		LogTimeout:     time.Second,
		EnableLogging:  true,
		Logger: logger.Config{
			Level:      "info",
			Format:     "console",
			OutputFile: "stderr",
		},
		Telemetry: telemetry.Config{
			Enabled:     false,
			ServiceName: "latchdb",
		},
	}
}

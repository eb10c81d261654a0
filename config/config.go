// Package config holds the weft daemon configuration, loaded from TOML
// with environment variable overrides.
package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config is the weft core configuration
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Processor ProcessorConfig `mapstructure:"processor"`
}

// DatabaseConfig configures the sqlite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// QueueConfig configures the on-disk identity file queue
type QueueConfig struct {
	Dir       string `mapstructure:"dir"`        // queue root, gets queue/processing/failed subdirs
	ImportDir string `mapstructure:"import_dir"` // watched for dropped identity files, "" disables the watcher
}

// ProcessorConfig configures the background identity file processor
type ProcessorConfig struct {
	DelayMs           int `mapstructure:"delay_ms"`             // coalescing delay before a processing run (default: 5000)
	MaxFilesPerMinute int `mapstructure:"max_files_per_minute"` // throttle inside a run, 0 = unlimited
}

// Delay returns the coalescing delay as a duration.
func (c ProcessorConfig) Delay() time.Duration {
	return time.Duration(c.DelayMs) * time.Millisecond
}

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "weft.db")

	v.SetDefault("queue.dir", "identity-queue")
	v.SetDefault("queue.import_dir", "") // watcher off unless pointed somewhere

	v.SetDefault("processor.delay_ms", 5000)          // batch triggers arriving within 5s
	v.SetDefault("processor.max_files_per_minute", 0) // unlimited
}

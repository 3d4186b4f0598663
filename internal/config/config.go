// Package config loads and validates the server's YAML configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"

	"slatekv/pkg/engine"
)

// Config is the root configuration record. One instance is passed at
// construction; there is no global process state.
type Config struct {
	Logger LoggerConfig `yaml:"logger" validate:"required"`
	Server ServerConfig `yaml:"http-server" validate:"required"`
	DB     DBConfig     `yaml:"db" validate:"required"`
}

type ServerConfig struct {
	Port              int           `yaml:"port" validate:"required,min=1,max=65535"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
}

// DBConfig carries the engine knobs.
type DBConfig struct {
	DataDir string `yaml:"data_dir" validate:"required"`

	MemtableMaxBytes   uint64 `yaml:"memtable_max_bytes" validate:"min=1024"`
	MemtableMaxEntries int    `yaml:"memtable_max_entries" validate:"min=1"`

	MaxKeyBytes   int `yaml:"max_key_bytes" validate:"min=1"`
	MaxValueBytes int `yaml:"max_value_bytes" validate:"min=1"`

	MaxLevels           int   `yaml:"max_levels" validate:"min=2,max=16"`
	LevelBaseBytes      int64 `yaml:"level_base_bytes" validate:"min=1"`
	LevelSizeMultiplier int   `yaml:"level_size_multiplier" validate:"min=2"`

	WALSyncOnWrite bool `yaml:"wal_sync_on_write"`

	SSTableIndexInterval int     `yaml:"sstable_index_interval" validate:"min=1"`
	SSTableBloomFPRate   float64 `yaml:"sstable_bloom_fp_rate" validate:"gt=0,lt=1"`
	SSTableTargetBytes   uint64  `yaml:"sstable_target_bytes" validate:"min=1024"`

	L0CompactionThreshold int `yaml:"l0_compaction_threshold" validate:"min=1"`
	L0StallThreshold      int `yaml:"l0_stall_threshold" validate:"min=0"`

	CompactionPollInterval time.Duration `yaml:"compaction_poll_interval"`

	FlushOnClose bool `yaml:"flush_on_close"`
}

type LoggerConfig struct {
	Level string `yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	JSON  bool   `yaml:"json"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "INFO",
			JSON:  false,
		},
		Server: ServerConfig{
			Port:              8080,
			ReadHeaderTimeout: time.Second,
		},
		DB: DBConfig{
			DataDir:                "./data",
			MemtableMaxBytes:       5 * 1024 * 1024,
			MemtableMaxEntries:     100000,
			MaxKeyBytes:            4 * 1024,
			MaxValueBytes:          1 * 1024 * 1024,
			MaxLevels:              7,
			LevelBaseBytes:         10 * 1024 * 1024,
			LevelSizeMultiplier:    10,
			WALSyncOnWrite:         true,
			SSTableIndexInterval:   16,
			SSTableBloomFPRate:     0.01,
			SSTableTargetBytes:     64 * 1024 * 1024,
			L0CompactionThreshold:  4,
			L0StallThreshold:       8,
			CompactionPollInterval: time.Second,
			FlushOnClose:           true,
		},
	}
}

// Load reads the YAML file at path and validates it.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config: validate: %w", err)
	}
	return nil
}

// EngineOptions maps the DB section onto the engine's option record.
func (d DBConfig) EngineOptions() engine.Options {
	return engine.Options{
		DataDir:                d.DataDir,
		MemtableMaxBytes:       d.MemtableMaxBytes,
		MemtableMaxEntries:     d.MemtableMaxEntries,
		MaxKeyBytes:            d.MaxKeyBytes,
		MaxValueBytes:          d.MaxValueBytes,
		MaxLevels:              d.MaxLevels,
		LevelBaseBytes:         d.LevelBaseBytes,
		LevelSizeMultiplier:    d.LevelSizeMultiplier,
		WALSyncOnWrite:         d.WALSyncOnWrite,
		SSTableIndexInterval:   d.SSTableIndexInterval,
		SSTableBloomFPRate:     d.SSTableBloomFPRate,
		SSTableTargetBytes:     d.SSTableTargetBytes,
		L0CompactionThreshold:  d.L0CompactionThreshold,
		L0StallThreshold:       d.L0StallThreshold,
		CompactionPollInterval: d.CompactionPollInterval,
		FlushOnClose:           d.FlushOnClose,
	}
}

// SetupLogger installs the configured slog default.
func (l LoggerConfig) SetupLogger() {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if l.JSON {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

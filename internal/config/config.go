// Package config holds the per-document engine settings and the example
// host settings. Values come from defaults, then an optional TOML file,
// then command-line flags.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/kevinxiao27/collabdoc/causal"
	"github.com/kevinxiao27/collabdoc/snapshot"
)

var ErrInvalid = errors.New("invalid configuration")

// Duration is a time.Duration written as text ("5ms") in TOML files.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Engine configures one document instance.
type Engine struct {
	// BatchSize flushes the merge buffer as soon as it holds this many
	// operations.
	BatchSize int `toml:"batch_size"`
	// FlushDelay bounds how long a non-full buffer waits before flushing.
	FlushDelay Duration `toml:"flush_delay"`
	// CompactionThreshold is the log length above which the compactor
	// runs after a flush.
	CompactionThreshold int `toml:"compaction_threshold"`
	// CompactionWindow is the largest timestamp gap between two operations
	// the compactor still merges.
	CompactionWindow int64 `toml:"compaction_window"`
	CyclePolicy      causal.Policy `toml:"cycle_policy"`
	// DependencyFanout is how many of the most recent log ids a locally
	// built operation declares as dependencies.
	DependencyFanout int            `toml:"dependency_fanout"`
	Compression      snapshot.Codec `toml:"compression"`

	Logger *slog.Logger `toml:"-"`
}

func DefaultEngine() Engine {
	return Engine{
		BatchSize:           100,
		FlushDelay:          Duration(5 * time.Millisecond),
		CompactionThreshold: 50,
		CompactionWindow:    100,
		CyclePolicy:         causal.BestEffort,
		DependencyFanout:    3,
		Compression:         snapshot.CodecZstd,
	}
}

func (e Engine) Validate() error {
	var problems []string
	if e.BatchSize <= 0 {
		problems = append(problems, "batch_size must be positive")
	}
	if e.FlushDelay < 0 {
		problems = append(problems, "flush_delay must not be negative")
	}
	if e.CompactionThreshold <= 0 {
		problems = append(problems, "compaction_threshold must be positive")
	}
	if e.CompactionWindow < 0 {
		problems = append(problems, "compaction_window must not be negative")
	}
	if e.DependencyFanout < 0 {
		problems = append(problems, "dependency_fanout must not be negative")
	}
	if !e.CyclePolicy.Valid() {
		problems = append(problems, fmt.Sprintf("unknown cycle_policy %q", e.CyclePolicy))
	}
	if !e.Compression.Valid() {
		problems = append(problems, fmt.Sprintf("unknown compression %q", e.Compression))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// Log returns the configured logger, or slog.Default when none is set.
func (e Engine) Log() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

// Host configures the example server in cmd/server.
type Host struct {
	Listen           string   `toml:"listen"`
	RedisAddr        string   `toml:"redis_addr"`
	DatabaseURL      string   `toml:"database_url"`
	SnapshotInterval Duration `toml:"snapshot_interval"`
	LogLevel         string   `toml:"log_level"`

	Engine Engine `toml:"engine"`
}

func DefaultHost() Host {
	return Host{
		Listen:           ":8080",
		SnapshotInterval: Duration(30 * time.Second),
		LogLevel:         "info",
		Engine:           DefaultEngine(),
	}
}

func (h Host) Validate() error {
	if h.Listen == "" {
		return fmt.Errorf("%w: listen address is empty", ErrInvalid)
	}
	if h.SnapshotInterval < 0 {
		return fmt.Errorf("%w: snapshot_interval must not be negative", ErrInvalid)
	}
	if _, err := ParseLevel(h.LogLevel); err != nil {
		return err
	}
	return h.Engine.Validate()
}

// LoadHost reads a TOML file on top of DefaultHost. Keys missing from the
// file keep their defaults. An empty path returns the defaults.
func LoadHost(path string) (Host, error) {
	cfg := DefaultHost()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("%w: unknown log level %q", ErrInvalid, level)
}

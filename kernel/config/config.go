// Package config loads robolab.toml session configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	sab_layout "github.com/nmxmxh/robolab/kernel/threads/sab"
	"github.com/nmxmxh/robolab/kernel/utils"
)

// FileName is the conventional configuration file name.
const FileName = "robolab.toml"

// Config is the full session configuration.
type Config struct {
	Session    Session    `toml:"session"`
	Compiler   Compiler   `toml:"compiler"`
	Simulation Simulation `toml:"simulation"`
	Blocks     Blocks     `toml:"blocks"`
	Log        Log        `toml:"log"`
}

// Session sizes the shared regions.
type Session struct {
	RegisterFileBytes  uint32 `toml:"register-file-bytes"`
	SerialCapacity     uint32 `toml:"serial-capacity"`
	ConsoleCapacity    uint32 `toml:"console-capacity"`
	ConsoleLogCapacity uint32 `toml:"console-log-capacity"`
	Backing            string `toml:"backing"`
	MmapDir            string `toml:"mmap-dir"`
	WithoutConsole     bool   `toml:"without-console"`
}

// Compiler configures the compile service client.
type Compiler struct {
	BaseURL          string   `toml:"base-url"`
	Timeout          Duration `toml:"timeout"`
	FailureThreshold uint32   `toml:"failure-threshold"`
	OpenInterval     Duration `toml:"open-interval"`
	AcceptBrotli     bool     `toml:"accept-brotli"`
}

// Simulation sets the render and physics rates.
type Simulation struct {
	FrameRate int `toml:"frame-rate"`
	TickRate  int `toml:"tick-rate"`
}

// Blocks configures the graphical runtime.
type Blocks struct {
	WatchRate int    `toml:"watch-rate"`
	Library   string `toml:"library"`
}

// Log configures the component loggers.
type Log struct {
	Level string `toml:"level"`
	Color bool   `toml:"color"`
}

// Duration is a time.Duration written as a Go duration string ("5s").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns a configuration with every value set.
func Default() Config {
	return Config{
		Session: Session{
			RegisterFileBytes:  sab_layout.DEFAULT_REGISTER_FILE_BYTES,
			SerialCapacity:     sab_layout.DEFAULT_SERIAL_CAPACITY,
			ConsoleCapacity:    sab_layout.DEFAULT_CONSOLE_CAPACITY,
			ConsoleLogCapacity: sab_layout.DEFAULT_CONSOLE_LOG_CAPACITY,
			Backing:            string(sab_layout.BackingMemory),
		},
		Compiler: Compiler{
			BaseURL:          "http://localhost:8080",
			Timeout:          Duration{30 * time.Second},
			FailureThreshold: 5,
			OpenInterval:     Duration{30 * time.Second},
			AcceptBrotli:     true,
		},
		Simulation: Simulation{
			FrameRate: 60,
			TickRate:  200,
		},
		Blocks: Blocks{
			WatchRate: 10,
		},
		Log: Log{
			Level: "INFO",
			Color: true,
		},
	}
}

// Load reads path over the defaults. Keys missing from the file keep their
// default value.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("cannot read %s: %w", path, err)
	}
	if err := Parse(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse error in %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes TOML into cfg and validates the result. Unknown keys are
// rejected so typos do not silently fall back to defaults.
func Parse(data []byte, cfg *Config) error {
	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}
	return cfg.Validate()
}

// Validate reports every invalid value at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	s := c.Session
	check(s.RegisterFileBytes > 0, "session.register-file-bytes must be positive")
	check(s.SerialCapacity >= sab_layout.RING_MIN_CAPACITY, "session.serial-capacity must be at least %d", sab_layout.RING_MIN_CAPACITY)
	check(s.ConsoleCapacity >= sab_layout.RING_MIN_CAPACITY, "session.console-capacity must be at least %d", sab_layout.RING_MIN_CAPACITY)
	check(s.ConsoleLogCapacity >= sab_layout.RING_MIN_CAPACITY, "session.console-log-capacity must be at least %d", sab_layout.RING_MIN_CAPACITY)
	switch sab_layout.Backing(s.Backing) {
	case sab_layout.BackingMemory, sab_layout.BackingMmap:
	default:
		errs = append(errs, fmt.Errorf("session.backing %q must be %q or %q", s.Backing, sab_layout.BackingMemory, sab_layout.BackingMmap))
	}

	cc := c.Compiler
	check(cc.BaseURL != "", "compiler.base-url is required")
	check(cc.Timeout.Duration > 0, "compiler.timeout must be positive")
	check(cc.FailureThreshold > 0, "compiler.failure-threshold must be positive")
	check(cc.OpenInterval.Duration > 0, "compiler.open-interval must be positive")

	check(c.Simulation.FrameRate > 0, "simulation.frame-rate must be positive")
	check(c.Simulation.TickRate > 0, "simulation.tick-rate must be positive")
	check(c.Blocks.WatchRate > 0, "blocks.watch-rate must be positive")

	if _, ok := utils.ParseLevel(c.Log.Level); !ok {
		errs = append(errs, fmt.Errorf("log.level %q is not a known level", c.Log.Level))
	}
	return errors.Join(errs...)
}

// RegistryConfig returns the region registry settings.
func (c *Config) RegistryConfig(logger *utils.Logger) sab_layout.RegistryConfig {
	return sab_layout.RegistryConfig{
		Backing: sab_layout.Backing(c.Session.Backing),
		Dir:     c.Session.MmapDir,
		Logger:  logger,
	}
}

// Logger builds a component logger at the configured level.
func (c *Config) Logger(component string) *utils.Logger {
	level, _ := utils.ParseLevel(c.Log.Level)
	return utils.NewLogger(utils.LoggerConfig{
		Level:     level,
		Component: component,
		Output:    os.Stderr,
		Colorize:  c.Log.Color,
	})
}

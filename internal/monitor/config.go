package monitor

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zeusync/perfmon/internal/core/events"
	"github.com/zeusync/perfmon/internal/core/events/bus"
	"github.com/zeusync/perfmon/internal/core/responsiveness"
	"github.com/zeusync/perfmon/internal/core/smoothness"
)

var (
	ErrInvalidWindow   = errors.New("smoothness.window must be positive")
	ErrInvalidTimeout  = errors.New("responsiveness.probe_timeout must be positive")
	ErrInvalidQueue    = errors.New("dispatch.queue_size must not be negative")
	ErrMissingHost     = errors.New("host primitive missing")
	ErrHostPanic       = errors.New("host primitive panicked")
	ErrInvalidOverflow = errors.New("dispatch.overflow is not a known policy")
)

// Config is the full monitor configuration. Callbacks are not part of the
// file format; set them in code after loading.
type Config struct {
	Smoothness     SmoothnessConfig     `json:"smoothness" yaml:"smoothness"`
	Responsiveness ResponsivenessConfig `json:"responsiveness" yaml:"responsiveness"`
	Dispatch       DispatchConfig       `json:"dispatch" yaml:"dispatch"`
}

type SmoothnessConfig struct {
	Window    time.Duration                  `json:"window" yaml:"window"`
	OnMetrics func(events.SmoothnessMetrics) `json:"-" yaml:"-"`
}

type ResponsivenessConfig struct {
	ProbeTimeout   time.Duration                       `json:"probe_timeout" yaml:"probe_timeout"`
	MaxStackFrames int                                 `json:"max_stack_frames,omitempty" yaml:"max_stack_frames,omitempty"`
	OnIncident     func(events.ResponsivenessIncident) `json:"-" yaml:"-"`
}

type DispatchConfig struct {
	QueueSize int    `json:"queue_size,omitempty" yaml:"queue_size,omitempty"`
	Overflow  string `json:"overflow,omitempty" yaml:"overflow,omitempty"`
}

// DefaultConfig returns a 5s smoothness window and a 5s probe timeout.
func DefaultConfig() Config {
	return Config{
		Smoothness: SmoothnessConfig{
			Window: smoothness.DefaultWindow,
		},
		Responsiveness: ResponsivenessConfig{
			ProbeTimeout:   responsiveness.DefaultProbeTimeout,
			MaxStackFrames: responsiveness.DefaultMaxStackFrames,
		},
		Dispatch: DispatchConfig{
			QueueSize: bus.DefaultQueueSize,
			Overflow:  bus.DropNewest.String(),
		},
	}
}

// Validate reports the first invalid option.
func (c Config) Validate() error {
	if c.Smoothness.Window <= 0 {
		return fmt.Errorf("%w: got %s", ErrInvalidWindow, c.Smoothness.Window)
	}
	if c.Responsiveness.ProbeTimeout <= 0 {
		return fmt.Errorf("%w: got %s", ErrInvalidTimeout, c.Responsiveness.ProbeTimeout)
	}
	if c.Dispatch.QueueSize < 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidQueue, c.Dispatch.QueueSize)
	}
	if _, err := bus.ParseOverflowPolicy(c.Dispatch.Overflow); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidOverflow, err)
	}
	return nil
}

// ParseConfig decodes YAML over DefaultConfig, so omitted keys keep their defaults.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse monitor config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig reads and parses a YAML file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read monitor config: %w", err)
	}
	return ParseConfig(data)
}

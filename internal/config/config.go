// Package config loads DashFlow's ambient runtime settings from YAML with
// environment-variable overrides, and validates the result before it ever
// reaches the engine.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config holds the ambient inputs loaded from YAML and the environment.
// Package graph does not read it; a caller passes its values to the engine
// as graph.Option values.
type Config struct {
	// RecursionLimit caps the number of steps an invocation may take.
	// Zero means no limit, which is why min=0 rather than required here.
	RecursionLimit int `yaml:"recursion_limit" validate:"min=0"`

	// StepTimeout bounds a single Invoke/Stream/Resume call's wall clock.
	StepTimeout time.Duration `yaml:"step_timeout" validate:"min=0"`

	// EventBufferSize is the default capacity for Stream's output channel
	// and for any bounded internal event broadcast.
	EventBufferSize int `yaml:"event_buffer_size" validate:"required,min=1"`
}

// Default returns the configuration Load starts from before any file or
// environment override: no recursion limit, no step timeout, and the bounded-broadcast default
// buffer depth.
func Default() Config {
	return Config{
		RecursionLimit:  0,
		StepTimeout:     0,
		EventBufferSize: 1000,
	}
}

var validate = validator.New()

// envOverrides names the environment variables that override the
// corresponding YAML field, matching the three ambient inputs spec'd for
// DashFlow: recursion limit, step timeout, and event buffer size.
const (
	envRecursionLimit  = "DASHFLOW_RECURSION_LIMIT"
	envStepTimeout     = "DASHFLOW_STEP_TIMEOUT"
	envEventBufferSize = "DASHFLOW_EVENT_BUFFER_SIZE"
)

// Load reads path as YAML into a Config seeded with Default's values,
// applies any DASHFLOW_* environment overrides, and validates the result.
// A missing file is not an error: Load falls back to Default with
// environment overrides applied on top.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}

	if err := validate.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("config: invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if v, ok := os.LookupEnv(envRecursionLimit); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", envRecursionLimit, err)
		}
		cfg.RecursionLimit = n
	}
	if v, ok := os.LookupEnv(envStepTimeout); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", envStepTimeout, err)
		}
		cfg.StepTimeout = d
	}
	if v, ok := os.LookupEnv(envEventBufferSize); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", envEventBufferSize, err)
		}
		cfg.EventBufferSize = n
	}
	return nil
}

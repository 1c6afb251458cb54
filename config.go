package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/linht/synth-manager/plugins"
	"gopkg.in/yaml.v3"
	"periph.io/x/conn/v3/physic"
)

// Default file locations
const (
	DefaultConfigPath = "config.yaml"
	DefaultEnvPath    = ".env"
	EnvPrefix         = "LMX_"
)

type Config struct {
	Server struct {
		Port string `yaml:"port"`
		Host string `yaml:"host"`
	} `yaml:"server"`
	Auth struct {
		PasswordHash string `yaml:"password_hash"`
	} `yaml:"auth"`
	LogLevel string               `yaml:"log_level"`
	Synth    plugins.SynthConfig  `yaml:"synth"`
	Images   plugins.ImagesConfig `yaml:"images"`
	Plugins  []string             `yaml:"plugins"`
}

// defaultConfig returns the settings used when no file is present
func defaultConfig() Config {
	var cfg Config
	cfg.Server.Host = "0.0.0.0"
	cfg.Server.Port = "8080"
	cfg.LogLevel = "info"
	cfg.Plugins = []string{"synth"}
	return cfg
}

// loadConfig reads the YAML file at path over the defaults, then applies
// the .env file and LMX_* environment overrides. A missing file is only an
// error when required is set.
func loadConfig(path string, required bool, envPath string) (Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("error parsing config file %s: %w", path, err)
		}
		slog.Debug("Loaded configuration file", "path", path)
	case errors.Is(err, os.ErrNotExist) && !required:
		slog.Debug("No configuration file, using defaults", "path", path)
	default:
		return cfg, fmt.Errorf("could not read config file %s: %w", path, err)
	}

	// godotenv never overrides variables already set in the environment
	switch err := godotenv.Load(envPath); {
	case err == nil:
		slog.Debug("Loaded .env file", "path", envPath)
	case errors.Is(err, os.ErrNotExist):
		slog.Debug("No .env file loaded", "path", envPath)
	default:
		return cfg, fmt.Errorf("error parsing env file %s: %w", envPath, err)
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}

	cfg.Synth.ApplyDefaults()
	return cfg, nil
}

// envOverride binds one LMX_* variable to a config field
type envOverride struct {
	name  string
	apply func(cfg *Config, val string) error
}

func intPtr(v int) *int { return &v }

var envOverrides = []envOverride{
	{"SPI_DEVICE", func(c *Config, v string) error { c.Synth.SPIDevice = v; return nil }},
	{"SPI_BUS", func(c *Config, v string) error { return parseInto(&c.Synth.Bus, v) }},
	{"SPI_CS", func(c *Config, v string) error { return parseInto(&c.Synth.ChipSelect, v) }},
	{"SPI_SPEED", func(c *Config, v string) error {
		f, err := plugins.ParseFrequency(v)
		if err != nil {
			return err
		}
		c.Synth.SPISpeed = uint32(f / physic.Hertz)
		return nil
	}},
	{"SPI_TIMEOUT", func(c *Config, v string) error { return parseDuration(&c.Synth.SPITimeout, v) }},
	{"GPIO_CHIP", func(c *Config, v string) error { c.Synth.GPIO.Chip = v; return nil }},
	{"LOCK_DETECT_PIN", func(c *Config, v string) error {
		var pin int
		if err := parseInto(&pin, v); err != nil {
			return err
		}
		c.Synth.GPIO.LockDetectPin = intPtr(pin)
		return nil
	}},
	{"REFERENCE", func(c *Config, v string) error {
		f, err := plugins.ParseFrequency(v)
		if err != nil {
			return err
		}
		c.Synth.Reference.FrequencyHz = uint64(f / physic.Hertz)
		return nil
	}},
	{"FREQUENCY", func(c *Config, v string) error {
		f, err := plugins.ParseFrequency(v)
		if err != nil {
			return err
		}
		c.Synth.FrequencyHz = uint64(f / physic.Hertz)
		return nil
	}},
	{"LOCK_TIMEOUT", func(c *Config, v string) error { return parseDuration(&c.Synth.LockTimeout, v) }},
	{"REGISTER_IMAGE", func(c *Config, v string) error { c.Synth.RegisterImage = v; return nil }},
	{"EXTERNAL_DOUBLER", func(c *Config, v string) error { return parseBool(&c.Synth.ExternalDoubler, v) }},
	{"SIMULATE", func(c *Config, v string) error { return parseBool(&c.Synth.Simulate, v) }},
	{"PORT", func(c *Config, v string) error { c.Server.Port = v; return nil }},
	{"LOG_LEVEL", func(c *Config, v string) error { c.LogLevel = v; return nil }},
}

// applyEnv overrides config values from LMX_* variables
func applyEnv(cfg *Config) error {
	for _, o := range envOverrides {
		key := EnvPrefix + o.name
		val, ok := os.LookupEnv(key)
		if !ok || val == "" {
			continue
		}
		if err := o.apply(cfg, val); err != nil {
			return fmt.Errorf("invalid %s=%q: %w", key, val, err)
		}
		slog.Debug("ENV override", "key", key, "value", val)
	}
	return nil
}

func parseInto(dst *int, val string) error {
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func parseDuration(dst *time.Duration, val string) error {
	d, err := time.ParseDuration(strings.TrimSpace(val))
	if err != nil {
		return err
	}
	*dst = d
	return nil
}

func parseBool(dst *bool, val string) error {
	b, err := strconv.ParseBool(strings.TrimSpace(val))
	if err != nil {
		return err
	}
	*dst = b
	return nil
}

// parseLevel maps the configured log level onto slog
func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

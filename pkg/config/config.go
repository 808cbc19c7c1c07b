// Package config loads the kernel's YAML configuration document: timezone,
// loop cadence, quiet hours, the dreaming schedule, per-drive cadence
// overrides, and retrieval tuning.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// QuietHours is the window during which the planner loop (external to this
// module) suppresses proactive check-ins.
type QuietHours struct {
	Start string `yaml:"start"`
	End   string `yaml:"end"`
}

// WeeklyDream names the weekday and time-of-day the weekly alignment audit
// is allowed to fire.
type WeeklyDream struct {
	Weekday string `yaml:"weekday"`
	Time    string `yaml:"time"`
}

// Dreaming configures the reflection-window loop.
type Dreaming struct {
	NightlyWindow string      `yaml:"nightly_window"`
	Weekly        WeeklyDream `yaml:"weekly"`
}

// Retrieval configures the FTS index's tokenizer.
type Retrieval struct {
	FTSTokenizer     string `yaml:"fts_tokenizer"`
	FTSTokenizerArgs string `yaml:"fts_tokenizer_args"`
}

// Config is the kernel's top-level configuration document.
type Config struct {
	Timezone            string            `yaml:"timezone"`
	LoopIntervalSeconds int               `yaml:"loop_interval_seconds"`
	QuietHours          QuietHours        `yaml:"quiet_hours"`
	Dreaming            Dreaming          `yaml:"dreaming"`
	Drives              map[string]string `yaml:"drives"`
	Retrieval           Retrieval         `yaml:"retrieval"`
}

// Default returns the kernel's out-of-the-box configuration.
func Default() Config {
	return Config{
		Timezone:            "Australia/Brisbane",
		LoopIntervalSeconds: 15,
		QuietHours:          QuietHours{Start: "21:30", End: "07:00"},
		Dreaming: Dreaming{
			NightlyWindow: "21:00-23:00",
			Weekly:        WeeklyDream{Weekday: "Sun", Time: "21:30"},
		},
		Drives: map[string]string{},
		Retrieval: Retrieval{
			FTSTokenizer: "porter",
		},
	}
}

// Load reads and parses a YAML config document from path, filling in
// defaults for any field the document omits.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %q: %w", path, err)
	}

	if cfg.LoopIntervalSeconds <= 0 {
		cfg.LoopIntervalSeconds = 15
	}
	if cfg.Drives == nil {
		cfg.Drives = map[string]string{}
	}
	if cfg.Retrieval.FTSTokenizer == "" {
		cfg.Retrieval.FTSTokenizer = "porter"
	}

	return cfg, nil
}

// Location resolves the configured IANA timezone name, falling back to UTC
// if it cannot be loaded (e.g. no tzdata on the host).
func (c Config) Location() *time.Location {
	if c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

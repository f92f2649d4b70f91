package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

const (
	// EnvConfigPath names the environment variable overriding the config path.
	EnvConfigPath     = "SKYMATCH_CONFIG"
	defaultConfigPath = "~/.config/skymatch/config.json"
	defaultParallel   = 2
)

// Config holds user-editable settings.
type Config struct {
	Sky        Sky        `json:"sky" yaml:"sky"`
	Processing Processing `json:"processing" yaml:"processing"`
	Logging    Logging    `json:"logging" yaml:"logging"`
	Paths      Paths      `json:"paths" yaml:"paths"`
	Storage    Storage    `json:"storage" yaml:"storage"`
	Server     Server     `json:"server" yaml:"server"`
}

// Sky configures the sky matching engine.
type Sky struct {
	Method    string   `json:"skymethod" yaml:"skymethod"` // local, global, match, global+match, user
	Stat      string   `json:"skystat" yaml:"skystat"`     // mean, median, mode, midpt
	Lower     *float64 `json:"lower,omitempty" yaml:"lower,omitempty"`
	Upper     *float64 `json:"upper,omitempty" yaml:"upper,omitempty"`
	NClip     int      `json:"nclip" yaml:"nclip"`
	LSigma    float64  `json:"lsigma" yaml:"lsigma"`
	USigma    float64  `json:"usigma" yaml:"usigma"`
	BinWidth  float64  `json:"binwidth" yaml:"binwidth"` // histogram bin width in sigma
	MatchDown bool     `json:"match_down" yaml:"match_down"`
	Subtract  bool     `json:"subtract" yaml:"subtract"`
	StepSize  float64  `json:"stepsize" yaml:"stepsize"` // footprint edge sampling in pixels
	Workers   int      `json:"workers" yaml:"workers"`   // 0 means one per CPU
	Strict    bool     `json:"strict" yaml:"strict"`     // abort on any group failure
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs int    `json:"parallel_jobs" yaml:"parallel_jobs"`
	TempDir      string `json:"temp_dir" yaml:"temp_dir"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level" yaml:"level"`             // debug, info, warn, error
	Format     string `json:"format" yaml:"format"`           // text, json
	FileOutput bool   `json:"file_output" yaml:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir" yaml:"log_dir"`         // Directory for log files
}

// Paths configures default input/output locations.
type Paths struct {
	DefaultOutput string `json:"default_output" yaml:"default_output"`
	DatabasePath  string `json:"database_path" yaml:"database_path"`
}

// Storage selects the database driver.
type Storage struct {
	Driver string `json:"driver" yaml:"driver"` // sqlite (pure Go) or sqlite3 (cgo)
}

// Server configures the network front ends.
type Server struct {
	HTTPAddr  string   `json:"http_addr" yaml:"http_addr"`
	GRPCAddr  string   `json:"grpc_addr" yaml:"grpc_addr"`
	WatchDirs []string `json:"watch_dirs" yaml:"watch_dirs"`
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvConfigPath)
	if configPath == "" {
		configPath = defaultConfigPath
	}
	return LoadFile(configPath)
}

// LoadFile reads configuration from path. A missing file yields defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", expanded, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", expanded, err)
	}

	return cfg, nil
}

// Validate checks settings that are not owned by the sky engine.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Processing.ParallelJobs < 0 {
		return fmt.Errorf("parallel_jobs must not be negative")
	}
	return nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Sky: Sky{
			Method:    "global+match",
			Stat:      "mode",
			NClip:     5,
			LSigma:    4,
			USigma:    4,
			BinWidth:  0.1,
			MatchDown: true,
			Subtract:  false,
			StepSize:  10,
			Workers:   runtime.NumCPU(),
		},
		Processing: Processing{
			ParallelJobs: defaultParallel,
			TempDir:      os.TempDir(),
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DefaultOutput: "./output",
			DatabasePath:  filepath.Join(os.TempDir(), "skymatch.db"),
		},
		Storage: Storage{Driver: "sqlite"},
		Server: Server{
			HTTPAddr: ":8080",
			GRPCAddr: ":9090",
		},
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}

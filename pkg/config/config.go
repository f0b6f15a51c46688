// Package config provides configuration loading and management for spots3d.
// It handles loading configuration from YAML files, .env overrides and provides default values.
// Detection parameters are not part of this file; they are exchanged as JSON (see spotio).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/klauspost/cpuid"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// Workers is the number of goroutines used for ROI fitting and chunk processing
		Workers int `yaml:"workers"`

		// DeconChunkSize is the number of z planes deconvolved at once
		DeconChunkSize int `yaml:"deconChunkSize"`

		// DoGChunkSize is the number of z planes band-pass filtered at once
		DoGChunkSize int `yaml:"dogChunkSize"`

		// MemoryFraction is the share of physical memory a single chunk may use
		MemoryFraction float64 `yaml:"memoryFraction"`

		// MaxChunkBytes overrides the memory ceiling when positive
		MaxChunkBytes uint64 `yaml:"maxChunkBytes"`

		// Backend selects the convolution backend ("cpu" or "opencv")
		Backend string `yaml:"backend"`
	} `yaml:"processing"`

	// Detection points at the detection parameters file
	Detection struct {
		// ParamsFile is the JSON detection parameters file, empty for defaults
		ParamsFile string `yaml:"paramsFile"`

		// AutoParams requests percentile-derived filter ranges after fitting
		AutoParams bool `yaml:"autoParams"`

		// PercentileMin and PercentileMax bound the auto ranges
		PercentileMin float64 `yaml:"percentileMin"`
		PercentileMax float64 `yaml:"percentileMax"`
	} `yaml:"detection"`

	// Output parameters
	Output struct {
		// Dir receives the spot table, parameters and previews
		Dir string `yaml:"dir"`

		// SavePreviews writes max-projection PNGs of every layer
		SavePreviews bool `yaml:"savePreviews"`

		// SaveDeskewed adds a deskewed layer for skewed stacks
		SaveDeskewed bool `yaml:"saveDeskewed"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`

		// LogDir tees the log to files when set
		LogDir string `yaml:"logDir"`
	} `yaml:"output"`

	// Store parameters
	Store struct {
		// SQLitePath enables run persistence when set
		SQLitePath string `yaml:"sqlitePath"`
	} `yaml:"store"`

	// Server parameters
	Server struct {
		// Addr is the listen address of the layer server
		Addr string `yaml:"addr"`

		// StaticDir is served at / when set
		StaticDir string `yaml:"staticDir"`
	} `yaml:"server"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.Workers = defaultWorkers()
	cfg.Processing.DeconChunkSize = 128
	cfg.Processing.DoGChunkSize = 64
	cfg.Processing.MemoryFraction = 0.5
	cfg.Processing.Backend = "cpu"

	cfg.Detection.PercentileMin = 0
	cfg.Detection.PercentileMax = 100

	cfg.Output.Dir = "spots3d_output"
	cfg.Output.SavePreviews = true
	cfg.Output.Verbose = true

	cfg.Server.Addr = ":8080"

	return cfg
}

// defaultWorkers uses the logical core count reported by the CPU.
func defaultWorkers() int {
	if n := cpuid.CPU.LogicalCores; n > 0 {
		return n
	}
	return 1
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath == "" {
		return cfg, nil
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file %s: %w", configPath, err)
	}

	return cfg, cfg.Validate()
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}

// Validate rejects values no stage could run with.
func (cfg *Config) Validate() error {
	if cfg.Processing.Workers < 1 {
		return fmt.Errorf("processing.workers must be at least 1, got %d", cfg.Processing.Workers)
	}
	if cfg.Processing.DeconChunkSize < 1 || cfg.Processing.DoGChunkSize < 1 {
		return fmt.Errorf("processing chunk sizes must be at least 1")
	}
	if cfg.Processing.MemoryFraction <= 0 || cfg.Processing.MemoryFraction > 1 {
		return fmt.Errorf("processing.memoryFraction must be in (0, 1], got %g", cfg.Processing.MemoryFraction)
	}
	switch cfg.Processing.Backend {
	case "cpu", "opencv":
	default:
		return fmt.Errorf("processing.backend %q is not one of cpu, opencv", cfg.Processing.Backend)
	}
	if cfg.Detection.PercentileMin < 0 || cfg.Detection.PercentileMax > 100 ||
		cfg.Detection.PercentileMin >= cfg.Detection.PercentileMax {
		return fmt.Errorf("detection percentiles must satisfy 0 <= min < max <= 100")
	}
	return nil
}

// ApplyEnv loads envFile (ignored when absent) and applies SPOTS3D_* overrides.
func (cfg *Config) ApplyEnv(envFile string) error {
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return fmt.Errorf("error loading %s: %w", envFile, err)
			}
		}
	}

	if v := os.Getenv("SPOTS3D_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SPOTS3D_WORKERS: %w", err)
		}
		cfg.Processing.Workers = n
	}
	if v := os.Getenv("SPOTS3D_BACKEND"); v != "" {
		cfg.Processing.Backend = v
	}
	if v := os.Getenv("SPOTS3D_OUTPUT_DIR"); v != "" {
		cfg.Output.Dir = v
	}
	if v := os.Getenv("SPOTS3D_PARAMS"); v != "" {
		cfg.Detection.ParamsFile = v
	}
	if v := os.Getenv("SPOTS3D_SQLITE"); v != "" {
		cfg.Store.SQLitePath = v
	}
	if v := os.Getenv("SPOTS3D_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("SPOTS3D_MAX_CHUNK_BYTES"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("SPOTS3D_MAX_CHUNK_BYTES: %w", err)
		}
		cfg.Processing.MaxChunkBytes = n
	}
	return cfg.Validate()
}

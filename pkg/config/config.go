// Package config provides configuration loading and management for flatfield.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Output formats understood by the writer
const (
	FormatTIFF = "tif"
	FormatRaw  = "raw"
	FormatNone = "none"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Hardware parameters
	Hardware struct {
		// PhysicalCores divides the throttle sleep between polls
		PhysicalCores int `yaml:"physicalCores"`

		// LogicalCores bounds the number of images processed concurrently
		LogicalCores int `yaml:"logicalCores"`

		// MemoryMiB is the budget for in-flight images. Zero means half of system memory.
		MemoryMiB int `yaml:"memoryMiB"`
	} `yaml:"hardware"`

	// Sampling parameters
	Sampling struct {
		// MaxImages stops the run once this many flat images were accumulated
		MaxImages int `yaml:"maxImages"`

		// Patience is the non-flat streak tolerated before skipping ahead
		Patience int `yaml:"patience"`

		// SkipCount is the number of paths discarded per skip-ahead
		SkipCount int `yaml:"skipCount"`

		// Extensions lists accepted file extensions, without dot
		Extensions []string `yaml:"extensions"`

		// Channels lists channel subfolders processed in turn when present
		Channels []string `yaml:"channels"`
	} `yaml:"sampling"`

	// Denoising parameters
	Denoise struct {
		// SigmaSpatial is the spatial standard deviation of the bilateral filter
		SigmaSpatial float64 `yaml:"sigmaSpatial"`

		// SigmaColor is the range standard deviation. Zero uses the image std.
		SigmaColor float64 `yaml:"sigmaColor"`
	} `yaml:"denoise"`

	// Classifier parameters
	Classifier struct {
		// ModelPath points to a YAML logistic model. Empty falls back to MaxCV.
		ModelPath string `yaml:"modelPath"`

		// MaxCV is the coefficient of variation threshold used without a model
		MaxCV float64 `yaml:"maxCV"`
	} `yaml:"classifier"`

	// Raw tile geometry
	Raw struct {
		Width  int `yaml:"width"`
		Height int `yaml:"height"`
	} `yaml:"raw"`

	// Output parameters
	Output struct {
		// Format is one of tif, raw or none
		Format string `yaml:"format"`

		// Preview additionally writes an 8-bit PNG of the flat image
		Preview bool `yaml:"preview"`
	} `yaml:"output"`

	// Logging parameters
	Logging struct {
		Level string `yaml:"level"`
		JSON  bool   `yaml:"json"`
	} `yaml:"logging"`

	// Status server parameters
	Status struct {
		// Addr enables the HTTP status server when non-empty, e.g. ":8080"
		Addr string `yaml:"addr"`
	} `yaml:"status"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	hw := DetectHardware()
	cfg.Hardware.PhysicalCores = hw.PhysicalCores
	cfg.Hardware.LogicalCores = hw.LogicalCores
	cfg.Hardware.MemoryMiB = 0

	cfg.Sampling.MaxImages = 1024
	cfg.Sampling.Patience = 10
	cfg.Sampling.SkipCount = 100
	cfg.Sampling.Extensions = []string{"raw", "tif", "tiff"}
	cfg.Sampling.Channels = []string{"Ex_488_Em_0", "Ex_561_Em_1", "Ex_642_Em_2"}

	cfg.Denoise.SigmaSpatial = 1.0
	cfg.Denoise.SigmaColor = 0

	cfg.Classifier.ModelPath = ""
	cfg.Classifier.MaxCV = 0.5

	cfg.Raw.Width = 1850
	cfg.Raw.Height = 1850

	cfg.Output.Format = FormatTIFF
	cfg.Output.Preview = false

	cfg.Logging.Level = "info"
	cfg.Logging.JSON = false

	return cfg
}

// Validate checks that values are usable by the pipeline
func (c *Config) Validate() error {
	var errs []error
	if c.Hardware.PhysicalCores < 1 {
		errs = append(errs, fmt.Errorf("hardware.physicalCores must be at least 1, got %d", c.Hardware.PhysicalCores))
	}
	if c.Hardware.LogicalCores < 1 {
		errs = append(errs, fmt.Errorf("hardware.logicalCores must be at least 1, got %d", c.Hardware.LogicalCores))
	}
	if c.Hardware.MemoryMiB < 0 {
		errs = append(errs, fmt.Errorf("hardware.memoryMiB must not be negative, got %d", c.Hardware.MemoryMiB))
	}
	if c.Sampling.MaxImages < 1 {
		errs = append(errs, fmt.Errorf("sampling.maxImages must be at least 1, got %d", c.Sampling.MaxImages))
	}
	if c.Sampling.Patience < 0 {
		errs = append(errs, fmt.Errorf("sampling.patience must not be negative, got %d", c.Sampling.Patience))
	}
	if c.Sampling.SkipCount < 0 {
		errs = append(errs, fmt.Errorf("sampling.skipCount must not be negative, got %d", c.Sampling.SkipCount))
	}
	if len(c.Sampling.Extensions) == 0 {
		errs = append(errs, errors.New("sampling.extensions must not be empty"))
	}
	if c.Denoise.SigmaSpatial <= 0 {
		errs = append(errs, fmt.Errorf("denoise.sigmaSpatial must be positive, got %g", c.Denoise.SigmaSpatial))
	}
	if c.Denoise.SigmaColor < 0 {
		errs = append(errs, fmt.Errorf("denoise.sigmaColor must not be negative, got %g", c.Denoise.SigmaColor))
	}
	if c.Raw.Width < 1 || c.Raw.Height < 1 {
		errs = append(errs, fmt.Errorf("raw geometry must be positive, got %dx%d", c.Raw.Width, c.Raw.Height))
	}
	switch strings.ToLower(c.Output.Format) {
	case FormatTIFF, FormatRaw, FormatNone:
	default:
		errs = append(errs, fmt.Errorf("output.format must be one of tif, raw, none, got %q", c.Output.Format))
	}
	return errors.Join(errs...)
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath == "" {
		return cfg, nil
	}

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
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
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}

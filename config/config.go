// Package config loads run settings from defaults, an optional YAML file and
// PDFBUDGET_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"

	"github.com/wudi/pdfbudget/observability"
	"github.com/wudi/pdfbudget/optimize"
	"github.com/wudi/pdfbudget/pipeline"
	"github.com/wudi/pdfbudget/verify"
)

const envPrefix = "PDFBUDGET_"

type Config struct {
	Mode            string        `yaml:"mode"`
	SizeBudgetBytes int64         `yaml:"size_budget_bytes" validate:"gt=0"`
	MinQuality      int           `yaml:"min_quality_floor" validate:"min=0,max=100"`
	StartQuality    int           `yaml:"start_quality" validate:"gtefield=MinQuality,max=100"`
	Level           string        `yaml:"compression_level" validate:"oneof=standard extreme"`
	OutputDir       string        `yaml:"output_directory" validate:"required"`
	Workers         int           `yaml:"workers" validate:"gte=0"`
	DocumentTimeout time.Duration `yaml:"document_timeout" validate:"gte=0"`
	Verify          bool          `yaml:"verify_outputs"`
	Password        string        `yaml:"password"`
	Strict          bool          `yaml:"strict"`

	LogLevel  string `yaml:"log_level" validate:"oneof=trace debug info warn warning error"`
	LogFormat string `yaml:"log_format" validate:"oneof=text json"`
	Report    string `yaml:"report"`
}

var validate = func() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}()

func Default() Config {
	return Config{
		Mode:            pipeline.ModeSplit.String(),
		SizeBudgetBytes: pipeline.DefaultBudget,
		MinQuality:      optimize.DefaultMinQuality,
		StartQuality:    optimize.DefaultStartQuality,
		Level:           optimize.LevelStandard.String(),
		Workers:         runtime.NumCPU(),
		DocumentTimeout: 5 * time.Minute,
		Verify:          true,
		LogLevel:        "info",
		LogFormat:       "text",
	}
}

// Load starts from Default, overlays the YAML file at path when path is not
// empty, then the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.UnmarshalWithOptions(data, &cfg, yaml.Strict()); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Mode = envOr("MODE", c.Mode)
	c.SizeBudgetBytes = envInt64("SIZE_BUDGET_BYTES", c.SizeBudgetBytes)
	c.MinQuality = envInt("MIN_QUALITY", c.MinQuality)
	c.StartQuality = envInt("START_QUALITY", c.StartQuality)
	c.Level = envOr("COMPRESSION_LEVEL", c.Level)
	c.OutputDir = envOr("OUTPUT_DIR", c.OutputDir)
	c.Workers = envInt("WORKERS", c.Workers)
	c.DocumentTimeout = envDuration("DOCUMENT_TIMEOUT", c.DocumentTimeout)
	c.Verify = envBool("VERIFY", c.Verify)
	c.Password = envOr("PASSWORD", c.Password)
	c.Strict = envBool("STRICT", c.Strict)
	c.LogLevel = envOr("LOG_LEVEL", c.LogLevel)
	c.LogFormat = envOr("LOG_FORMAT", c.LogFormat)
	c.Report = envOr("REPORT", c.Report)
}

func (c Config) Validate() error {
	if _, err := pipeline.ParseMode(c.Mode); err != nil {
		return err
	}
	if err := validate.Struct(c); err != nil {
		var fields validator.ValidationErrors
		if !errors.As(err, &fields) {
			return err
		}
		msgs := make([]string, len(fields))
		for i, fe := range fields {
			rule := fe.Tag()
			if fe.Param() != "" {
				rule += "=" + fe.Param()
			}
			msgs[i] = fmt.Sprintf("%s: %v violates %s", fe.Field(), fe.Value(), rule)
		}
		return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
	}
	if c.Report != "" {
		switch strings.ToLower(filepath.Ext(c.Report)) {
		case ".md", ".markdown", ".html", ".htm", ".json":
		default:
			return fmt.Errorf("report must end in .md, .html or .json, got %q", c.Report)
		}
	}
	return nil
}

// Options converts a validated Config into runner options.
func (c Config) Options(logger observability.Logger) (pipeline.Options, error) {
	if err := c.Validate(); err != nil {
		return pipeline.Options{}, err
	}
	mode, _ := pipeline.ParseMode(c.Mode)
	level, _ := optimize.ParseLevel(c.Level)
	opts := pipeline.Options{
		Mode:            mode,
		Budget:          c.SizeBudgetBytes,
		Level:           level,
		StartQuality:    c.StartQuality,
		MinQuality:      c.MinQuality,
		OutputDir:       c.OutputDir,
		Workers:         c.Workers,
		DocumentTimeout: c.DocumentTimeout,
		Password:        c.Password,
		Strict:          c.Strict,
		Logger:          logger,
	}
	if c.Verify {
		opts.Verifier = verify.New()
	}
	return opts, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(envPrefix + key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(envPrefix + key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	if v := os.Getenv(envPrefix + key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(envPrefix + key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(envPrefix + key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// Package config loads and validates the sealedfs configuration file and
// turns it into the runtime components it describes.
package config

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/sealedfs/sealedfs/pkg/telemetry"
)

const (
	// DefaultBlockSize is the size of one page of the encrypted stream.
	// It is fixed per-filesystem at creation time.
	DefaultBlockSize = 4096

	// MinBlockSize is the smallest block size that still fits a node with
	// the minimum supported fan-out.
	MinBlockSize = 2048
)

// LoggerConfig describes the process-wide logger.
type LoggerConfig struct {
	// Level sets the minimum log level ("debug", "info", "warn", "error").
	Level string `yaml:"level"`
	// Format selects the output encoding, "json" or "console".
	Format string `yaml:"format"`
	// OutputFile is where logs go: "stdout", "stderr" or a file path.
	OutputFile string `yaml:"output_file"`
}

// Config is the top-level sealedfs configuration.
type Config struct {
	// BlockSize is the page size of the directory streams, in bytes.
	// Must be a power of two. Changing it on an existing filesystem is
	// not supported.
	BlockSize int `yaml:"block_size"`

	Logger    LoggerConfig     `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// Default returns the configuration used when no file is provided.
func Default() Config {
	return Config{
		BlockSize: DefaultBlockSize,
		Logger: LoggerConfig{
			Level:      "info",
			Format:     "json",
			OutputFile: "stderr",
		},
		Telemetry: telemetry.Config{
			Enabled:    false,
			ListenAddr: telemetry.DefaultListenAddr,
		},
	}
}

// Load reads a YAML configuration file, applies defaults for missing
// fields, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the engine cannot work with.
func (c Config) Validate() error {
	if c.BlockSize < MinBlockSize {
		return fmt.Errorf("block_size %d is below the minimum %d", c.BlockSize, MinBlockSize)
	}
	if c.BlockSize&(c.BlockSize-1) != 0 {
		return fmt.Errorf("block_size %d is not a power of two", c.BlockSize)
	}
	return nil
}

// BuildLogger constructs the zap logger the configuration describes. An
// unparseable level falls back to info rather than failing the mount.
func (c LoggerConfig) BuildLogger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(c.Level)
	if err != nil {
		level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	encoding := "json"
	if strings.ToLower(c.Format) == "console" {
		encoding = "console"
	}

	output := c.OutputFile
	switch strings.ToLower(output) {
	case "":
		output = "stderr"
	case "stdout", "stderr":
		output = strings.ToLower(output)
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	zapConfig := zap.Config{
		Level:            level,
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{output},
		ErrorOutputPaths: []string{"stderr"},
	}
	logger, err := zapConfig.Build(zap.Fields(zap.String("service", "sealedfs")))
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}

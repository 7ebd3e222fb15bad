// Package config loads the orbtrace YAML configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/OpenTraceLab/orbtrace/internal/logging"
	"github.com/OpenTraceLab/orbtrace/pkg/cmsisdap"
	"github.com/OpenTraceLab/orbtrace/pkg/dap"
	"github.com/OpenTraceLab/orbtrace/pkg/orbflow"
	"github.com/OpenTraceLab/orbtrace/pkg/tpiu"
	"github.com/OpenTraceLab/orbtrace/pkg/trace"
	"gopkg.in/yaml.v2"
)

var ErrInvalid = errors.New("config: invalid")

type Config struct {
	LogLevel string      `yaml:"log_level"`
	DAP      DAPConfig   `yaml:"dap"`
	Trace    TraceConfig `yaml:"trace"`
	Probe    ProbeConfig `yaml:"probe"`
}

type DAPConfig struct {
	Version         int    `yaml:"version"`
	WaitRetry       uint16 `yaml:"wait_retry"`
	MatchRetry      uint16 `yaml:"match_retry"`
	FirmwareVersion string `yaml:"firmware_version"`
}

type TraceConfig struct {
	Format              string        `yaml:"format"`
	Baudrate            uint32        `yaml:"baudrate"`
	IdleTimeout         time.Duration `yaml:"idle_timeout"`
	SuperframeThreshold int           `yaml:"superframe_threshold"`
	SuperframeInterval  time.Duration `yaml:"superframe_interval"`
	MaxPacket           int           `yaml:"max_packet"`
	Channels            string        `yaml:"channels"`
	FIFODepth           int           `yaml:"fifo_depth"`
}

// ProbeConfig selects the downstream CMSIS-DAP probe.
type ProbeConfig struct {
	VID uint16 `yaml:"vid"`
	PID uint16 `yaml:"pid"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		DAP: DAPConfig{
			Version:         int(dap.V2),
			WaitRetry:       dap.DefaultWaitRetry,
			MatchRetry:      dap.DefaultMatchRetry,
			FirmwareVersion: dap.DefaultFirmwareVersion,
		},
		Trace: TraceConfig{
			Format:              trace.FormatSWOManchesterTPIU.String(),
			Baudrate:            1000000,
			IdleTimeout:         tpiu.DefaultTimeout,
			SuperframeThreshold: orbflow.DefaultThreshold,
			SuperframeInterval:  orbflow.DefaultInterval,
			MaxPacket:           tpiu.MaxPacketSize,
			Channels:            "1-127",
			FIFODepth:           trace.DefaultFIFODepth,
		},
		Probe: ProbeConfig{
			VID: cmsisdap.VendorIDOrbcode,
			PID: cmsisdap.ProductIDOrbtrace,
		},
	}
}

// DefaultPath returns $HOME/.config/orbtrace.yaml, or "" if there is no home
// directory.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "orbtrace.yaml")
}

// Load reads path over the defaults. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return Parse(data)
}

// LoadOptional is Load, except that a missing file yields the defaults.
func LoadOptional(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every field that has a restricted range.
func (c *Config) Validate() error {
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: log_level: %v", ErrInvalid, err)
	}

	switch dap.Version(c.DAP.Version) {
	case dap.V1, dap.V2:
	default:
		return fmt.Errorf("%w: dap.version %d, want 1 or 2", ErrInvalid, c.DAP.Version)
	}
	if c.DAP.WaitRetry == 0 {
		return fmt.Errorf("%w: dap.wait_retry must be non-zero", ErrInvalid)
	}

	t := c.Trace
	if _, err := trace.ParseFormat(t.Format); err != nil {
		return fmt.Errorf("%w: trace.format: %v", ErrInvalid, err)
	}
	if _, err := tpiu.ParseChannels(t.Channels); err != nil {
		return fmt.Errorf("%w: trace.channels: %v", ErrInvalid, err)
	}
	if t.Baudrate == 0 {
		return fmt.Errorf("%w: trace.baudrate must be non-zero", ErrInvalid)
	}
	if t.MaxPacket < 1 || t.MaxPacket > tpiu.MaxPacketSize {
		return fmt.Errorf("%w: trace.max_packet %d out of range 1-%d", ErrInvalid, t.MaxPacket, tpiu.MaxPacketSize)
	}
	if t.IdleTimeout <= 0 || t.SuperframeInterval <= 0 {
		return fmt.Errorf("%w: trace timeouts must be positive", ErrInvalid)
	}
	if t.SuperframeThreshold < 1 {
		return fmt.Errorf("%w: trace.superframe_threshold must be positive", ErrInvalid)
	}
	if t.FIFODepth < 1 {
		return fmt.Errorf("%w: trace.fifo_depth must be positive", ErrInvalid)
	}
	return nil
}

// TraceFormat returns the parsed trace format. The config must be valid.
func (c *Config) TraceFormat() trace.Format {
	f, _ := trace.ParseFormat(c.Trace.Format)
	return f
}

// TraceChannels returns the parsed channel filter. The config must be valid.
func (c *Config) TraceChannels() *tpiu.ChannelFilter {
	f, err := tpiu.ParseChannels(c.Trace.Channels)
	if err != nil {
		return tpiu.NewChannelFilter()
	}
	return f
}

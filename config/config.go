// Package config loads the operator configuration of a flash run.
//
// A configuration file is YAML. Every key is optional; missing keys keep
// their defaults:
//
//	bus:
//	  adapter: slcan
//	  channel: /dev/ttyACM0
//	  bitrate: 500000
//	mode: application
//	flash:
//	  base: 0x08020000
//	  max_chunk_size: 512
//	  chunk_delay: 40ms
//	retry:
//	  transfer:
//	    max_attempts: 5
//	    delay: 50ms
//	    jitter: 100ms
//	    retry_on: [timeout]
//	isotp:
//	  stmin: 1
//	  blocksize: 8
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Awervas/can-loader/bus"
	"github.com/Awervas/can-loader/flasher"
	"github.com/Awervas/can-loader/image"
	"github.com/Awervas/can-loader/isotp"
	"github.com/Awervas/can-loader/logging"
	"github.com/Awervas/can-loader/uds"
)

// Operating modes.
const (
	ModeApplication = "application"
	ModeBootloader  = "bootloader"
)

// Config is the complete configuration of a flash run.
type Config struct {
	Bus   BusConfig             `yaml:"bus"`
	Mode  string                `yaml:"mode"`
	Modes map[string]AddressSet `yaml:"modes"`
	Image ImageConfig           `yaml:"image"`
	Flash FlashConfig           `yaml:"flash"`
	Retry RetryConfig           `yaml:"retry"`
	ISOTP isotp.Params          `yaml:"isotp"`
	UDS   uds.Config            `yaml:"uds"`
	Log   LogConfig             `yaml:"log"`
}

// BusConfig selects and opens the CAN adapter.
type BusConfig struct {
	Adapter    string `yaml:"adapter"`
	bus.Config `yaml:",inline"`
}

// AddressSet is the NormalFixed 29-bit address pair of one mode.
type AddressSet struct {
	Target byte `yaml:"target"`
	Source byte `yaml:"source"`
}

// ImageConfig controls segmentation.
type ImageConfig struct {
	Stride   int  `yaml:"stride"`
	FillByte byte `yaml:"fill_byte"`

	// MaxBlockSize splits larger blocks; 0 leaves blocks whole
	MaxBlockSize int `yaml:"max_block_size"`
}

// FlashConfig holds the device layout and timing.
type FlashConfig struct {
	Base            uint32        `yaml:"base"`
	MaxChunkSize    int           `yaml:"max_chunk_size"`
	ChunkDelay      time.Duration `yaml:"chunk_delay"`
	SettleDelay     time.Duration `yaml:"settle_delay"`
	FinalizeDelay   time.Duration `yaml:"finalize_delay"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	PollAttempts    int           `yaml:"poll_attempts"`
	EraseRoutine    uint16        `yaml:"erase_routine"`
	ChecksumRoutine uint16        `yaml:"checksum_routine"`
	ResetType       string        `yaml:"reset_type"`
}

// PolicyConfig is the YAML form of flasher.Policy.
type PolicyConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Delay       time.Duration `yaml:"delay"`
	Jitter      time.Duration `yaml:"jitter"`
	RetryOn     []string      `yaml:"retry_on"`
}

// RetryConfig is the YAML form of flasher.Policies.
type RetryConfig struct {
	Session      PolicyConfig `yaml:"session"`
	Reset        PolicyConfig `yaml:"reset"`
	RoutineStart PolicyConfig `yaml:"routine_start"`
	Download     PolicyConfig `yaml:"download"`
	Transfer     PolicyConfig `yaml:"transfer"`
}

// LogConfig selects log level and format.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

var resetTypes = map[string]uds.ResetType{
	"hard":       uds.HardReset,
	"key-off-on": uds.KeyOffOnReset,
	"soft":       uds.SoftReset,
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	p := flasher.DefaultPolicies()
	return &Config{
		Bus: BusConfig{
			Adapter: bus.SLCANAdapter,
			Config:  bus.Config{Bitrate: 500000, SerialBaud: 115200},
		},
		Mode: ModeApplication,
		Modes: map[string]AddressSet{
			ModeApplication: {Target: 0xF3, Source: 0xF1},
			ModeBootloader:  {Target: 0xF4, Source: 0xF1},
		},
		Image: ImageConfig{
			Stride:   image.DefaultStride,
			FillByte: image.DefaultFillByte,
		},
		Flash: FlashConfig{
			Base:            flasher.DefaultFlashBase,
			MaxChunkSize:    flasher.DefaultMaxChunkSize,
			ChunkDelay:      flasher.DefaultChunkDelay,
			SettleDelay:     flasher.DefaultSettleDelay,
			FinalizeDelay:   flasher.DefaultFinalizeDelay,
			PollInterval:    flasher.DefaultPollInterval,
			PollAttempts:    flasher.DefaultPollAttempts,
			EraseRoutine:    flasher.DefaultEraseRoutine,
			ChecksumRoutine: flasher.DefaultChecksumRoutine,
			ResetType:       "hard",
		},
		Retry: RetryConfig{
			Session:      policyConfig(p.Session),
			Reset:        policyConfig(p.Reset),
			RoutineStart: policyConfig(p.RoutineStart),
			Download:     policyConfig(p.Download),
			Transfer:     policyConfig(p.Transfer),
		},
		ISOTP: isotp.DefaultParams(),
		UDS:   uds.DefaultConfig(),
		Log:   LogConfig{Level: "info", Format: "text"},
	}
}

func policyConfig(p flasher.Policy) PolicyConfig {
	var on []string
	if p.RetryOn.Allows(flasher.Timeout) {
		on = append(on, "timeout")
	}
	if p.RetryOn.Allows(flasher.Rejected) {
		on = append(on, "rejected")
	}
	return PolicyConfig{MaxAttempts: p.MaxAttempts, Delay: p.Delay, Jitter: p.Jitter, RetryOn: on}
}

// Load reads the file at path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config: %w", err)
	}
	defer f.Close()

	cfg, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse reads YAML from r over the defaults and validates the result.
// Unknown keys are rejected.
func Parse(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default()
	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and cross references.
func (c *Config) Validate() error {
	var errs []error

	if c.Bus.Adapter == "" {
		errs = append(errs, errors.New("bus.adapter is required"))
	}
	if _, ok := c.Modes[c.Mode]; !ok {
		errs = append(errs, fmt.Errorf("mode %q is not one of %v", c.Mode, c.modeNames()))
	} else if _, err := c.Address(); err != nil {
		errs = append(errs, fmt.Errorf("mode %s: %w", c.Mode, err))
	}
	if c.Image.Stride <= 0 {
		errs = append(errs, fmt.Errorf("image.stride must be positive, got %d", c.Image.Stride))
	}
	if c.Image.MaxBlockSize < 0 {
		errs = append(errs, fmt.Errorf("image.max_block_size must not be negative, got %d", c.Image.MaxBlockSize))
	}
	if c.Flash.MaxChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("flash.max_chunk_size must be positive, got %d", c.Flash.MaxChunkSize))
	}
	if c.Flash.MaxChunkSize+flasher.TransferDataOverhead > c.ISOTP.MaxFrameSize {
		errs = append(errs, fmt.Errorf("flash.max_chunk_size %d plus %d bytes of TransferData header exceeds isotp.max_frame_size %d",
			c.Flash.MaxChunkSize, flasher.TransferDataOverhead, c.ISOTP.MaxFrameSize))
	}
	if c.Flash.PollAttempts <= 0 {
		errs = append(errs, fmt.Errorf("flash.poll_attempts must be positive, got %d", c.Flash.PollAttempts))
	}
	for name, d := range map[string]time.Duration{
		"flash.chunk_delay":    c.Flash.ChunkDelay,
		"flash.settle_delay":   c.Flash.SettleDelay,
		"flash.finalize_delay": c.Flash.FinalizeDelay,
		"flash.poll_interval":  c.Flash.PollInterval,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %s", name, d))
		}
	}
	if _, ok := resetTypes[c.Flash.ResetType]; !ok {
		errs = append(errs, fmt.Errorf("flash.reset_type %q is not one of hard, key-off-on, soft", c.Flash.ResetType))
	}
	if _, err := c.Policies(); err != nil {
		errs = append(errs, err)
	}
	if err := c.ISOTP.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("isotp: %w", err))
	}
	if c.UDS.RequestTimeout <= 0 || c.UDS.P2StarTimeout <= 0 {
		errs = append(errs, errors.New("uds timeouts must be positive"))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if f := c.Log.Format; f != "" && f != logging.FormatText && f != logging.FormatJSON {
		errs = append(errs, fmt.Errorf("log.format %q is not one of %s, %s", f, logging.FormatText, logging.FormatJSON))
	}

	return errors.Join(errs...)
}

func (c *Config) modeNames() []string {
	names := make([]string, 0, len(c.Modes))
	for name := range c.Modes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Address returns the tester address of the selected mode.
func (c *Config) Address() (isotp.Address, error) {
	set, ok := c.Modes[c.Mode]
	if !ok {
		return isotp.Address{}, fmt.Errorf("unknown mode %q", c.Mode)
	}
	addr := isotp.NewNormalFixed29Bit(set.Target, set.Source)
	return addr, addr.Validate()
}

// Policies converts the retry section.
func (c *Config) Policies() (flasher.Policies, error) {
	var p flasher.Policies
	for _, item := range []struct {
		name string
		in   PolicyConfig
		out  *flasher.Policy
	}{
		{"session", c.Retry.Session, &p.Session},
		{"reset", c.Retry.Reset, &p.Reset},
		{"routine_start", c.Retry.RoutineStart, &p.RoutineStart},
		{"download", c.Retry.Download, &p.Download},
		{"transfer", c.Retry.Transfer, &p.Transfer},
	} {
		if item.in.MaxAttempts < 1 {
			return p, fmt.Errorf("retry.%s.max_attempts must be at least 1, got %d", item.name, item.in.MaxAttempts)
		}
		if item.in.Delay < 0 || item.in.Jitter < 0 {
			return p, fmt.Errorf("retry.%s: delay and jitter must not be negative", item.name)
		}
		on, err := flasher.ParseRetryOn(item.in.RetryOn)
		if err != nil {
			return p, fmt.Errorf("retry.%s.retry_on: %w", item.name, err)
		}
		*item.out = flasher.Policy{
			MaxAttempts: item.in.MaxAttempts,
			Delay:       item.in.Delay,
			Jitter:      item.in.Jitter,
			RetryOn:     on,
		}
	}
	return p, nil
}

// FlasherOptions converts the flash and retry sections. The configuration
// must be valid.
func (c *Config) FlasherOptions() ([]flasher.Option, error) {
	policies, err := c.Policies()
	if err != nil {
		return nil, err
	}
	resetType, ok := resetTypes[c.Flash.ResetType]
	if !ok {
		return nil, fmt.Errorf("unknown reset type %q", c.Flash.ResetType)
	}

	return []flasher.Option{
		flasher.WithFlashBase(c.Flash.Base),
		flasher.WithMaxChunkSize(c.Flash.MaxChunkSize),
		flasher.WithMaxRequestSize(c.ISOTP.MaxFrameSize),
		flasher.WithChunkDelay(c.Flash.ChunkDelay),
		flasher.WithSettleDelay(c.Flash.SettleDelay),
		flasher.WithFinalizeDelay(c.Flash.FinalizeDelay),
		flasher.WithPolling(c.Flash.PollInterval, c.Flash.PollAttempts),
		flasher.WithRoutines(c.Flash.EraseRoutine, c.Flash.ChecksumRoutine),
		flasher.WithResetType(resetType),
		flasher.WithPolicies(policies),
	}, nil
}

// ImageOptions converts the image section.
func (c *Config) ImageOptions() []image.Option {
	return []image.Option{image.WithFillByte(c.Image.FillByte)}
}

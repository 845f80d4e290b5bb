package flasher

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/Awervas/can-loader/uds"
)

// Default device layout and timing.
const (
	DefaultFlashBase       = 0x08020000
	DefaultMaxChunkSize    = 512
	DefaultChunkDelay      = 40 * time.Millisecond
	DefaultSettleDelay     = 5 * time.Second
	DefaultFinalizeDelay   = 2 * time.Second
	DefaultPollInterval    = 500 * time.Millisecond
	DefaultPollAttempts    = 10
	DefaultEraseRoutine    = 0xFF00
	DefaultChecksumRoutine = 0xFF01
)

// Routine status bytes, read from the last byte of a results poll.
const (
	RoutineInProgress = 0x01
	RoutineComplete   = 0x02
)

// WaitFunc blocks for d or until ctx ends.
type WaitFunc func(ctx context.Context, d time.Duration) error

// Policies holds the retry policy of each kind of request.
type Policies struct {
	// Session covers programming and default session entry
	Session Policy

	// Reset covers both resets
	Reset Policy

	// RoutineStart covers the erase and checksum routine starts
	RoutineStart Policy

	// Download covers RequestDownload
	Download Policy

	// Transfer covers every TransferData
	Transfer Policy
}

// DefaultPolicies returns the retry policies used unless overridden.
func DefaultPolicies() Policies {
	return Policies{
		Session:      Policy{MaxAttempts: 3, Delay: 500 * time.Millisecond, RetryOn: RetryOnTimeout},
		Reset:        Policy{MaxAttempts: 3, Delay: 500 * time.Millisecond, RetryOn: RetryOnTimeout},
		RoutineStart: Policy{MaxAttempts: 5, Delay: 500 * time.Millisecond, RetryOn: RetryOnTimeout},
		Download:     Policy{MaxAttempts: 3, Delay: 500 * time.Millisecond, RetryOn: RetryOnTimeout | RetryOnRejected},
		Transfer:     Policy{MaxAttempts: 3, Delay: 50 * time.Millisecond, Jitter: 100 * time.Millisecond, RetryOn: RetryOnTimeout},
	}
}

// Config holds the flasher configuration.
type Config struct {
	// ProgressCallback is called during flashing to report progress (optional)
	ProgressCallback ProgressCallback

	// Logger is used for logging operations (optional)
	Logger Logger

	// FlashBase is the device address of image offset 0
	FlashBase uint32

	// MaxChunkSize caps the TransferData payload regardless of what the
	// device advertises
	MaxChunkSize int

	// MaxRequestSize is the largest request the transport can carry; zero
	// means unlimited. TransferData payloads are capped to fit.
	MaxRequestSize int

	// ChunkDelay is the pause after every accepted chunk
	ChunkDelay time.Duration

	// SettleDelay is the pause after a reset while the device reboots
	SettleDelay time.Duration

	// FinalizeDelay is the pause between verification and the return to the
	// default session
	FinalizeDelay time.Duration

	// PollInterval precedes every routine results poll
	PollInterval time.Duration

	// PollAttempts bounds the results polls per routine
	PollAttempts int

	// EraseRoutine and ChecksumRoutine are the routine identifiers
	EraseRoutine    uint16
	ChecksumRoutine uint16

	// ResetType is sent with both resets
	ResetType uds.ResetType

	// Policies are the per-request retry policies
	Policies Policies

	// Wait implements every delay; replaced in tests
	Wait WaitFunc

	// Rand is the jitter source; nil uses the global generator
	Rand *rand.Rand
}

// defaultConfig returns the default configuration.
func defaultConfig() Config {
	return Config{
		FlashBase:       DefaultFlashBase,
		MaxChunkSize:    DefaultMaxChunkSize,
		ChunkDelay:      DefaultChunkDelay,
		SettleDelay:     DefaultSettleDelay,
		FinalizeDelay:   DefaultFinalizeDelay,
		PollInterval:    DefaultPollInterval,
		PollAttempts:    DefaultPollAttempts,
		EraseRoutine:    DefaultEraseRoutine,
		ChecksumRoutine: DefaultChecksumRoutine,
		ResetType:       uds.HardReset,
		Policies:        DefaultPolicies(),
		Wait:            sleep,
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Option is a functional option for configuring the Flasher.
type Option func(*Config)

// WithProgressCallback sets a callback function to track flashing progress.
//
// Example:
//
//	f := flasher.New(client,
//	    flasher.WithProgressCallback(func(p flasher.Progress) {
//	        fmt.Printf("%.1f%% complete\n", p.Percentage)
//	    }),
//	)
func WithProgressCallback(callback ProgressCallback) Option {
	return func(c *Config) {
		c.ProgressCallback = callback
	}
}

// WithLogger sets a logger for the flasher operations.
//
// Example:
//
//	f := flasher.New(client, flasher.WithLogger(logging.NewAdapter(zapLogger)))
func WithLogger(logger Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithFlashBase sets the device address that image offset 0 maps to.
//
// Example:
//
//	f := flasher.New(client, flasher.WithFlashBase(0x08000000))
func WithFlashBase(base uint32) Option {
	return func(c *Config) {
		c.FlashBase = base
	}
}

// WithMaxChunkSize caps the TransferData payload. Values below 1 are ignored.
//
// Example:
//
//	f := flasher.New(client, flasher.WithMaxChunkSize(256))
func WithMaxChunkSize(size int) Option {
	return func(c *Config) {
		if size > 0 {
			c.MaxChunkSize = size
		}
	}
}

// WithMaxRequestSize sets the largest request the transport can carry,
// usually isotp.Params.MaxFrameSize. Values below 1 mean unlimited.
//
// Example:
//
//	f := flasher.New(client, flasher.WithMaxRequestSize(params.MaxFrameSize))
func WithMaxRequestSize(size int) Option {
	return func(c *Config) {
		c.MaxRequestSize = max(size, 0)
	}
}

// WithChunkDelay sets the pause after every accepted chunk.
//
// Example:
//
//	f := flasher.New(client, flasher.WithChunkDelay(10*time.Millisecond))
func WithChunkDelay(d time.Duration) Option {
	return func(c *Config) {
		if d >= 0 {
			c.ChunkDelay = d
		}
	}
}

// WithSettleDelay sets the pause after each reset.
func WithSettleDelay(d time.Duration) Option {
	return func(c *Config) {
		if d >= 0 {
			c.SettleDelay = d
		}
	}
}

// WithFinalizeDelay sets the pause before returning to the default session.
func WithFinalizeDelay(d time.Duration) Option {
	return func(c *Config) {
		if d >= 0 {
			c.FinalizeDelay = d
		}
	}
}

// WithPolling sets the results poll interval and the number of polls.
//
// Example:
//
//	f := flasher.New(client, flasher.WithPolling(time.Second, 30))
func WithPolling(interval time.Duration, attempts int) Option {
	return func(c *Config) {
		if interval >= 0 {
			c.PollInterval = interval
		}
		if attempts > 0 {
			c.PollAttempts = attempts
		}
	}
}

// WithRoutines sets the erase and checksum routine identifiers.
func WithRoutines(erase, checksum uint16) Option {
	return func(c *Config) {
		c.EraseRoutine = erase
		c.ChecksumRoutine = checksum
	}
}

// WithResetType sets the ECUReset sub-function.
func WithResetType(t uds.ResetType) Option {
	return func(c *Config) {
		c.ResetType = t
	}
}

// WithPolicies replaces the retry policies.
//
// Example:
//
//	p := flasher.DefaultPolicies()
//	p.Transfer.MaxAttempts = 5
//	f := flasher.New(client, flasher.WithPolicies(p))
func WithPolicies(p Policies) Option {
	return func(c *Config) {
		c.Policies = p
	}
}

// WithWaitFunc replaces the function used for every delay.
func WithWaitFunc(wait WaitFunc) Option {
	return func(c *Config) {
		if wait != nil {
			c.Wait = wait
		}
	}
}

// WithRand sets the jitter source.
func WithRand(r *rand.Rand) Option {
	return func(c *Config) {
		c.Rand = r
	}
}

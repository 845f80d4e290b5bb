package main

import (
	"time"

	"github.com/spf13/pflag"

	"github.com/Awervas/can-loader/config"
	"github.com/Awervas/can-loader/image"
)

// imageFlags select how the image is segmented.
type imageFlags struct {
	stride       int
	maxBlockSize int
}

func (f *imageFlags) register(fs *pflag.FlagSet) {
	fs.IntVar(&f.stride, "stride", image.DefaultStride, "segmentation window in bytes")
	fs.IntVar(&f.maxBlockSize, "max-block-size", 0, "split blocks larger than this many bytes (0 = never)")
}

func (f *imageFlags) apply(cfg *config.Config, fs *pflag.FlagSet) {
	if fs.Changed("stride") {
		cfg.Image.Stride = f.stride
	}
	if fs.Changed("max-block-size") {
		cfg.Image.MaxBlockSize = f.maxBlockSize
	}
}

// flashFlags override the bus, device and timing sections.
type flashFlags struct {
	imageFlags

	adapter    string
	channel    string
	bitrate    int
	base       uint32
	chunkSize  int
	chunkDelay time.Duration
	mode       string
	simulate   bool
}

func (f *flashFlags) register(fs *pflag.FlagSet) {
	f.imageFlags.register(fs)
	fs.StringVarP(&f.adapter, "bus", "b", "", "bus adapter (see 'can-loader buses')")
	fs.StringVar(&f.channel, "channel", "", "adapter channel: interface name or serial port")
	fs.IntVar(&f.bitrate, "bitrate", 0, "CAN bitrate in bit/s")
	fs.Uint32Var(&f.base, "base", 0, "flash address of image offset 0, e.g. 0x08020000")
	fs.IntVar(&f.chunkSize, "chunk-size", 0, "maximum TransferData payload in bytes")
	fs.DurationVar(&f.chunkDelay, "chunk-delay", 0, "pause after every accepted chunk")
	fs.StringVarP(&f.mode, "mode", "m", "", "target mode: application or bootloader")
	fs.BoolVar(&f.simulate, "simulate", false, "flash a simulated ECU on the virtual bus")
}

func (f *flashFlags) apply(cfg *config.Config, fs *pflag.FlagSet) {
	f.imageFlags.apply(cfg, fs)
	if fs.Changed("bus") {
		cfg.Bus.Adapter = f.adapter
	}
	if fs.Changed("channel") {
		cfg.Bus.Channel = f.channel
	}
	if fs.Changed("bitrate") {
		cfg.Bus.Bitrate = f.bitrate
	}
	if fs.Changed("base") {
		cfg.Flash.Base = f.base
	}
	if fs.Changed("chunk-size") {
		cfg.Flash.MaxChunkSize = f.chunkSize
	}
	if fs.Changed("chunk-delay") {
		cfg.Flash.ChunkDelay = f.chunkDelay
	}
	if fs.Changed("mode") {
		cfg.Mode = f.mode
	}
}

// loadConfig reads the configuration file, if any, and applies the flags
// the user set. Every error is a usage error.
func loadConfig(g *globalOptions, fs *pflag.FlagSet, apply func(*config.Config)) (*config.Config, error) {
	cfg := config.Default()
	if g.configPath != "" {
		loaded, err := config.Load(g.configPath)
		if err != nil {
			return nil, &usageError{err: err}
		}
		cfg = loaded
	}

	if fs.Changed("log-level") {
		cfg.Log.Level = g.logLevel
	}
	if fs.Changed("log-format") {
		cfg.Log.Format = g.logFormat
	}
	if apply != nil {
		apply(cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, &usageError{err: err}
	}
	return cfg, nil
}

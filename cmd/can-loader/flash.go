package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Awervas/can-loader/bus"
	"github.com/Awervas/can-loader/config"
	"github.com/Awervas/can-loader/ecusim"
	"github.com/Awervas/can-loader/flasher"
	"github.com/Awervas/can-loader/image"
	"github.com/Awervas/can-loader/logging"
	"github.com/Awervas/can-loader/uds"
)

// simulatorChannel is the virtual bus channel used by --simulate.
const simulatorChannel = "can-loader-sim"

func newFlashCommand(g *globalOptions) *cobra.Command {
	f := &flashFlags{}

	cmd := &cobra.Command{
		Use:   "flash IMAGE",
		Short: "Flash a raw binary image",
		Long: `Flash a raw binary image to the controller.

The image is cut into blocks that skip erased (0xFF) regions. The device is
switched to the programming session, reset, erased, written block by block,
verified and returned to the default session.`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(g, cmd.Flags(), func(cfg *config.Config) {
				f.apply(cfg, cmd.Flags())
				if f.simulate {
					cfg.Bus.Adapter = bus.VirtualAdapter
					if !cmd.Flags().Changed("channel") {
						cfg.Bus.Channel = simulatorChannel
					}
				}
			})
			if err != nil {
				return err
			}
			return runFlash(cmd.Context(), g, cfg, args[0], f.simulate)
		},
	}

	f.register(cmd.Flags())
	return cmd
}

func runFlash(ctx context.Context, g *globalOptions, cfg *config.Config, path string, simulate bool) error {
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, g.stderr)
	if err != nil {
		return &usageError{err: err}
	}
	defer logger.Sync()

	runID := uuid.New().String()
	logger = logger.With(zap.String("run_id", runID))

	blocks, err := loadBlocks(cfg, path)
	if err != nil {
		return err
	}
	logger.Info("image loaded",
		zap.String("path", path),
		zap.Int("blocks", len(blocks)),
		zap.Int("bytes", image.TotalBytes(blocks)),
	)

	addr, err := cfg.Address()
	if err != nil {
		return &usageError{err: err}
	}

	opts, err := cfg.FlasherOptions()
	if err != nil {
		return &usageError{err: err}
	}

	if simulate {
		srv, err := ecusim.Start(bus.NewVirtual(cfg.Bus.Channel), addr, cfg.ISOTP,
			ecusim.New(simulatorConfig(cfg, blocks), ecusim.WithLogger(logger.Named("ecusim"))))
		if err != nil {
			return fmt.Errorf("failed to start simulator: %w", err)
		}
		defer srv.Close()

		// The simulator reboots instantly.
		opts = append(opts,
			flasher.WithSettleDelay(0),
			flasher.WithFinalizeDelay(0),
			flasher.WithPolling(50*time.Millisecond, cfg.Flash.PollAttempts),
		)
	}

	b, err := bus.Open(cfg.Bus.Adapter, cfg.Bus.Config)
	if err != nil {
		return err
	}
	client, err := uds.Dial(b, addr, cfg.ISOTP, cfg.UDS)
	if err != nil {
		return err
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.Warn("failed to close connection", zap.Error(err))
		}
	}()

	logger.Info("connected",
		zap.String("adapter", cfg.Bus.Adapter),
		zap.String("channel", cfg.Bus.Channel),
		zap.String("mode", cfg.Mode),
		zap.Stringer("address", addr),
	)

	progress := newProgressRenderer(g.stdout)
	opts = append(opts,
		flasher.WithLogger(logging.NewAdapter(logger)),
		flasher.WithProgressCallback(progress.Update),
	)

	err = flasher.New(client, opts...).Flash(ctx, blocks)
	progress.Finish(err)
	if err != nil {
		return fmt.Errorf("run %s: %w", runID, err)
	}
	return nil
}

// loadBlocks segments the image at path and applies the block size limit.
func loadBlocks(cfg *config.Config, path string) ([]*image.Block, error) {
	blocks, err := image.Load(path, cfg.Image.Stride, cfg.ImageOptions()...)
	if err != nil {
		return nil, err
	}
	if cfg.Image.MaxBlockSize > 0 {
		blocks = image.Split(blocks, cfg.Image.MaxBlockSize)
	}
	return blocks, nil
}

// simulatorConfig sizes a simulated device for the image.
func simulatorConfig(cfg *config.Config, blocks []*image.Block) ecusim.Config {
	sim := ecusim.DefaultConfig()
	sim.FlashBase = cfg.Flash.Base
	sim.EraseRoutine = cfg.Flash.EraseRoutine
	sim.ChecksumRoutine = cfg.Flash.ChecksumRoutine
	if n := len(blocks); n > 0 {
		sim.FlashSize = max(sim.FlashSize, int(blocks[n-1].End()))
	}
	return sim
}

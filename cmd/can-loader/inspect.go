package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Awervas/can-loader/config"
	"github.com/Awervas/can-loader/flasher"
	"github.com/Awervas/can-loader/image"
)

func newInspectCommand(g *globalOptions) *cobra.Command {
	f := &imageFlags{}
	var (
		base      uint32
		chunkSize int
	)

	cmd := &cobra.Command{
		Use:   "inspect IMAGE",
		Short: "Show how an image would be flashed",
		Long: `Segment an image and print its blocks with their flash addresses,
CRC-16 and TransferData chunk count, without touching the bus.`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fs := cmd.Flags()
			cfg, err := loadConfig(g, fs, func(cfg *config.Config) {
				f.apply(cfg, fs)
				if fs.Changed("base") {
					cfg.Flash.Base = base
				}
				if fs.Changed("chunk-size") {
					cfg.Flash.MaxChunkSize = chunkSize
				}
			})
			if err != nil {
				return err
			}

			blocks, err := loadBlocks(cfg, args[0])
			if err != nil {
				return err
			}
			return printBlocks(g, cfg, blocks)
		},
	}

	f.register(cmd.Flags())
	cmd.Flags().Uint32Var(&base, "base", 0, "flash address of image offset 0")
	cmd.Flags().IntVar(&chunkSize, "chunk-size", 0, "maximum TransferData payload in bytes")
	return cmd
}

func printBlocks(g *globalOptions, cfg *config.Config, blocks []*image.Block) error {
	if len(blocks) == 0 {
		fmt.Fprintln(g.stdout, "image holds no data")
		return nil
	}

	w := tabwriter.NewWriter(g.stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "BLOCK\tOFFSET\tADDRESS\tSIZE\tCRC16\tCHUNKS")

	chunks := 0
	for i, b := range blocks {
		var n string
		plan, err := flasher.NewPlan(b, cfg.Flash.Base, cfg.Flash.MaxChunkSize)
		var (
			overflow   *flasher.SequenceOverflowError
			outOfRange *flasher.AddressRangeError
		)
		switch {
		case err == nil:
			n = fmt.Sprint(plan.Len())
			chunks += plan.Len()
		case errors.As(err, &overflow):
			n = fmt.Sprintf("%d (too many)", overflow.Chunks)
		case errors.As(err, &outOfRange):
			n = "- (address out of range)"
		default:
			return err
		}
		fmt.Fprintf(w, "%d\t0x%08X\t0x%08X\t%d\t0x%04X\t%s\n",
			i+1, b.Offset, cfg.Flash.Base+b.Offset, b.Len(), b.CRC16(), n)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(g.stdout, "\n%d blocks, %d bytes, %d chunks of up to %d bytes\n",
		len(blocks), image.TotalBytes(blocks), chunks, cfg.Flash.MaxChunkSize)
	return nil
}

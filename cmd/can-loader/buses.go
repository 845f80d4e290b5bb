package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Awervas/can-loader/bus"
)

func newBusesCommand(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "buses",
		Short: "List the available bus adapters",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range bus.Names() {
				fmt.Fprintln(g.stdout, name)
			}
			return nil
		},
	}
}

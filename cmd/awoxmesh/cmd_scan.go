package main

import (
	"context"
	"fmt"
	"time"

	"awoxmesh/internal/mesh"

	"github.com/spf13/cobra"
)

// newScanCmd creates the "awoxmesh scan" subcommand.
func newScanCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Discover nearby AwoX devices",
		Long:  "Scan for AwoX mesh devices and print their name, address and signal\nstrength, strongest first.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			adapter := mesh.NewBluetoothAdapter()
			if err := adapter.Enable(); err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			devices, err := mesh.NewAdapterScanner(adapter).ScanCandidates(ctx)
			if err != nil {
				return err
			}

			if len(devices) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No AwoX devices found.")
				return nil
			}
			for _, dev := range devices {
				fmt.Fprintf(cmd.OutOrStdout(), "%-20s %s %4d dBm\n", dev.Name, dev.MAC, dev.RSSI)
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "how long to scan")
	return cmd
}

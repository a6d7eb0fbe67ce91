package main

import (
	"context"
	"fmt"
	"time"

	"awoxmesh/internal/mesh"

	"github.com/spf13/cobra"
)

// newProvisionCmd creates the "awoxmesh provision" subcommand.
func newProvisionCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "provision <mac>",
		Short: "Join a device to the configured mesh",
		Long:  "Pair with a factory-fresh device at the given MAC address and write the\nconfigured mesh credentials to it. The device joins the mesh on its next\npower cycle.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			m, err := mesh.New(mesh.NewBluetoothAdapter(), nil,
				cfg.Mesh.Name, cfg.Mesh.Password, cfg.Mesh.LongTermKey, cfg.Options())
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := m.Provision(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Device %s provisioned for mesh %q.\n", args[0], cfg.Mesh.Name)
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall provisioning bound")
	return cmd
}

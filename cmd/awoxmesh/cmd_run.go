package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"awoxmesh/internal/mesh"
	"awoxmesh/internal/mesh/packet"

	"github.com/spf13/cobra"
)

// newRunCmd creates the "awoxmesh run" subcommand: the long-running mesh
// controller.
func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the mesh controller",
		Long:  "Connect to the mesh, register the configured devices, and keep their\nstatus fresh until interrupted.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			adapter := mesh.NewBluetoothAdapter()
			m, err := mesh.New(adapter, mesh.NewAdapterScanner(adapter),
				cfg.Mesh.Name, cfg.Mesh.Password, cfg.Mesh.LongTermKey, cfg.Options())
			if err != nil {
				return err
			}

			for _, dev := range cfg.Devices {
				name := dev.Name
				m.RegisterDevice(dev.MeshID, dev.MAC, name, func(st *packet.Status) {
					if st == nil {
						slog.Warn("[run] device unavailable", "name", name)
						return
					}
					slog.Info("[run] status", "name", name, "on", st.On,
						"color_mode", st.ColorMode,
						"rgb", [3]uint8{st.Red, st.Green, st.Blue},
						"white_brightness", st.WhiteBrightness)
				})
			}

			if err := m.Start(); err != nil {
				return err
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			slog.Info("[run] shutting down", "signal", sig.String())

			m.Shutdown()
			return nil
		},
	}
}

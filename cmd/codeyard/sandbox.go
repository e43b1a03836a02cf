package main

import (
	"github.com/spf13/cobra"

	"pkt.systems/codeyard"
	"pkt.systems/codeyard/core"
	"pkt.systems/codeyard/internal/appconfig"
	"pkt.systems/pslog"
)

func newSandboxCmd() *cobra.Command {
	var cfgPath string
	var addr string
	cmd := &cobra.Command{
		Use:   "sandbox",
		Short: "Serve the bundled SSH sandbox host for the ssh channel driver",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Sandbox.Addr = addr
			}
			server, err := codeyard.New(
				codeyard.ServerConfig{Sandbox: toSandboxConfig(cfg.Sandbox)},
				codeyard.ServerDeps{ServiceDeps: core.ServiceDeps{Logger: logger}},
				codeyard.WithSandbox(),
			)
			if err != nil {
				return err
			}
			return runServer(cmd.Context(), server, logger)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&addr, "addr", "", "override sandbox.addr")
	return cmd
}

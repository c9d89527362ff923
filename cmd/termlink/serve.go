package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/termlink"
	"pkt.systems/termlink/httpapi"
	"pkt.systems/termlink/internal/appconfig"
	"pkt.systems/termlink/internal/ptyhost"
)

func newServeCmd() *cobra.Command {
	var cfgPath string
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the PTY session host",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Host.Addr = addr
			}
			server, err := termlink.NewHost(toHostConfig(cfg.Host), logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := server.Stop(stopCtx); err != nil {
					logger.Warn("server stop failed", "err", err)
				}
			}()
			if err := server.Start(ctx); err != nil {
				return err
			}
			return server.Wait()
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&addr, "addr", "", "override host.addr")
	return cmd
}

func toHostConfig(cfg appconfig.HostConfig) termlink.HostConfig {
	return termlink.HostConfig{
		HTTP: httpapi.Config{
			Addr:       cfg.Addr,
			BasePath:   cfg.BasePath,
			HubHistory: cfg.HubHistory,
		},
		PTY: ptyhost.Options{
			Shell:           cfg.Shell,
			WorkspaceRoot:   cfg.WorkspaceRoot,
			BacklogBytes:    cfg.BacklogBytes,
			InitialCredit:   cfg.InitialCredit,
			CreditTimeout:   cfg.CreditTimeout(),
			InputRateBytes:  cfg.InputRateBytes,
			InputBurstBytes: cfg.InputBurstBytes,
		},
		TokenHash: cfg.TokenHash,
	}
}

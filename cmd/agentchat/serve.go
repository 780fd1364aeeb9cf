package main

import (
	"context"

	"github.com/spf13/cobra"

	"agentchat/internal/agent"
	"agentchat/internal/channel"
)

func serveCmd() *cobra.Command {
	var host string
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the chat API, WebSocket rooms and attachment links",
		Long: `Starts the HTTP server used by the websocket and polling transports,
plus the agent health prober that keeps liveness rows current. Press Ctrl+C to stop.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			return withApp(ctx, func(ctx context.Context, rt *app) error {
				cfg := rt.cfg
				if host != "" {
					cfg.Server.Host = host
				}
				if port != 0 {
					cfg.Server.Port = port
				}

				prober := agent.NewHealthProber(agent.HealthProberConfig{
					Enabled:  cfg.Agent.HealthIntervalSecs > 0,
					Interval: cfg.Agent.HealthInterval(),
					UserID:   cfg.General.UserID,
					Metrics:  rt.metrics,
					Logger:   logger,
				}, rt.store, rt.agent)
				go prober.Start(ctx)

				apiCfg := channel.APIConfig{
					Host:       cfg.Server.Host,
					Port:       cfg.Server.Port,
					Store:      rt.store,
					Turns:      rt.turns,
					Files:      rt.blobs.Handler(),
					Blobs:      rt.blobs,
					StaleAfter: cfg.Liveness.StaleAfter(),
					Config:     cfg,
					ConfigPath: resolveConfigPath(),
					Metrics:    rt.metrics,
					Logger:     logger,
				}
				if cfg.Metrics.Enabled {
					apiCfg.MetricsEndpoint = cfg.Metrics.Endpoint
				}

				logger.Info("serving", "version", version, "store", cfg.Store.Driver, "agent", cfg.Agent.URL)
				return channel.NewAPI(apiCfg).Start(ctx)
			})
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "listen host (default from config)")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (default from config)")
	return cmd
}

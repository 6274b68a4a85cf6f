// rtunnel — CLI entry point.
//
// rtunnel exposes a TCP service that sits behind NAT or a firewall through a
// public relay. Run "rtunnel relay" on the public host and "rtunnel agent"
// next to the service; the agent dials out to the relay and carries every
// public client over that single control connection.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/rtunnel/internal/agent"
	"github.com/1ureka/rtunnel/internal/config"
	"github.com/1ureka/rtunnel/internal/metrics"
	"github.com/1ureka/rtunnel/internal/relay"
	"github.com/1ureka/rtunnel/internal/util"
)

var version = "dev"

func main() {
	// Root context — cancelled on Ctrl+C or SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "rtunnel",
		Short:         "Reverse TCP tunnel through a public relay",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			pterm.Info.Printfln("rtunnel %s — v%s", cmd.Name(), version)
			pterm.Println()
		},
	}
	root.AddCommand(newRelayCmd(), newAgentCmd())
	return root
}

func newRelayCmd() *cobra.Command {
	var flags commonFlags

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the public relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadRelay(flags.config)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			flags.apply(ctx, cfg.Debug, cfg.MetricsAddr)

			if cfg.Authorization == "" {
				util.LogWarning("no authorization secret configured; any allowed host may attach")
			}
			if err := relay.New(cfg).ListenAndServe(ctx); err != nil {
				return err
			}
			util.LogInfo("relay stopped")
			return nil
		},
	}
	flags.bind(cmd.Flags(), "relay.config.json")
	return cmd
}

func newAgentCmd() *cobra.Command {
	var (
		flags    commonFlags
		relayURL string
	)

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the agent next to the protected service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadAgent(flags.config)
			if err != nil {
				return err
			}
			if relayURL != "" {
				u, err := normalizeRelayURL(relayURL)
				if err != nil {
					return err
				}
				cfg.RelayURL = u
			}
			ctx := cmd.Context()
			flags.apply(ctx, cfg.Debug, cfg.MetricsAddr)

			util.LogInfo("forwarding circuits to %s", cfg.ServerAddr())
			if err := agent.New(cfg).Run(ctx); err != nil {
				return err
			}
			util.LogInfo("agent stopped")
			return nil
		},
	}
	flags.bind(cmd.Flags(), "server.config.json")
	cmd.Flags().StringVar(&relayURL, "relay-url", "", "dial the relay's WebSocket endpoint instead of relayHost:relayPort")
	return cmd
}

// startMetrics serves /metrics and /healthz in the background.
func startMetrics(ctx context.Context, addr string) {
	go func() {
		util.LogInfo("metrics on http://%s/metrics", addr)
		if err := metrics.Serve(ctx, addr); err != nil {
			util.LogError("metrics endpoint: %v", err)
		}
	}()
}

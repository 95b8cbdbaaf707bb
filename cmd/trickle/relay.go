package main

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/1ureka/trickle/internal/config"
	"github.com/1ureka/trickle/internal/metrics"
	"github.com/1ureka/trickle/internal/relay"
)

func newRelayCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the signaling relay",
		Annotations: map[string]string{
			"listen":            "relay.listen",
			"max-message-bytes": "relay.max_message_bytes",
			"max-pending":       "relay.max_pending_frames",
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelay(cmd.Context(), a.cfg)
		},
	}

	cmd.Flags().StringP("listen", "l", "", "Listen address, e.g. :8080")
	cmd.Flags().Int64("max-message-bytes", 0, "Largest accepted frame")
	cmd.Flags().Int("max-pending", 0, "Frames buffered for a peer that has not joined")
	return cmd
}

// runRelay serves the relay until ctx is cancelled.
func runRelay(ctx context.Context, cfg *config.Config) error {
	gin.SetMode(gin.ReleaseMode)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	opts := cfg.RelayOptions()
	opts.Metrics = metrics.New(reg)
	opts.Gatherer = reg

	return relay.New(opts).ListenAndServe(ctx, cfg.Relay.Listen)
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	pionwebrtc "github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/1ureka/trickle/internal/config"
	"github.com/1ureka/trickle/internal/metrics"
	"github.com/1ureka/trickle/internal/session"
	"github.com/1ureka/trickle/internal/signaling"
	"github.com/1ureka/trickle/internal/transport"
	"github.com/1ureka/trickle/internal/util"
	"github.com/1ureka/trickle/internal/webrtc"
)

type sessionArgs struct {
	role             signaling.Role
	id               string
	renegotiateAfter time.Duration
	metricsAddr      string
}

func newSessionCmd(a *app, role signaling.Role) *cobra.Command {
	args := sessionArgs{role: role}

	cmd := &cobra.Command{
		Use:   "offer",
		Short: "Start a session as the initiator",
		Annotations: map[string]string{
			"url":   "signaling.url",
			"redis": "redis.url",
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSession(cmd.Context(), a.cfg, args)
		},
	}
	if role == signaling.RoleResponder {
		cmd.Use = "answer"
		cmd.Short = "Join a session as the responder"
	}

	cmd.Flags().StringVarP(&args.id, "session", "s", "", "Session id (offer generates one when empty)")
	cmd.Flags().StringP("url", "u", "", "Relay URL, e.g. ws://localhost:8080")
	cmd.Flags().String("redis", "", "Signal through Redis streams at this URL instead of the relay")
	cmd.Flags().StringVar(&args.metricsAddr, "metrics", "", "Serve Prometheus metrics on this address")
	if role == signaling.RoleInitiator {
		cmd.Flags().DurationVar(&args.renegotiateAfter, "renegotiate-after", 0, "Restart ICE this long after connecting")
	}
	return cmd
}

// runSession runs one session until the peer leaves, negotiation fails or
// ctx is cancelled.
func runSession(ctx context.Context, cfg *config.Config, args sessionArgs) error {
	if args.id == "" {
		if args.role == signaling.RoleResponder {
			return errors.New("missing --session for answer")
		}
		args.id = uuid.NewString()
	}

	ch, err := openChannel(ctx, cfg, args.role, args.id)
	if err != nil {
		return err
	}

	engine, err := webrtc.NewEngine(webrtc.Options{
		OnDataChannelOpen: func(dc *pionwebrtc.DataChannel) { chat(args.id, args.role, dc) },
	})
	if err != nil {
		ch.Close()
		return err
	}

	stats := &util.Stats{}
	var m *metrics.Metrics
	if args.metricsAddr != "" {
		reg := prometheus.NewRegistry()
		m = metrics.New(reg)
		metrics.RegisterStats(reg, stats)
		if err := serveMetrics(ctx, args.metricsAddr, reg); err != nil {
			ch.Close()
			return err
		}
	}

	ended := make(chan error, 1)
	var renegotiate sync.Once
	var sup *session.Supervisor
	sup = session.NewSupervisor(engine, session.Options{
		Media:                      cfg.MediaConfig(),
		CandidateCacheSize:         cfg.Signaling.CandidateCacheSize,
		DisableRemoteRenegotiation: cfg.Signaling.DisableRemoteRenegotiation,
		Metrics:                    m,
		Stats:                      stats,
		OnStateChange: func(id string, from, to signaling.State) {
			if to != signaling.StateConnected {
				return
			}
			util.LogSuccess("[%s] negotiation complete (%s)", id, from)
			if args.renegotiateAfter > 0 {
				renegotiate.Do(func() {
					time.AfterFunc(args.renegotiateAfter, func() {
						if err := sup.Renegotiate(id, signaling.OfferOptions{ICERestart: true}); err != nil {
							util.LogWarning("[%s] renegotiate: %v", id, err)
						}
					})
				})
			}
		},
		OnSessionEnd: func(id string, err error) { ended <- err },
	})
	defer sup.Shutdown()

	if _, err := sup.Open(ctx, args.id, args.role, ch, nil); err != nil {
		ch.Close()
		return err
	}

	util.StartStatsReporter(ctx, stats, cfg.Stats.Interval)
	if args.role == signaling.RoleInitiator {
		util.LogInfo("session id: %s (pass it to the answering side)", args.id)
	}

	if err := <-ended; err != nil {
		return fmt.Errorf("session %s: %w", args.id, err)
	}
	util.LogInfo("session %s closed", args.id)
	return nil
}

// chat logs what the peer sends on the data channel and greets it once.
func chat(id string, role signaling.Role, dc *pionwebrtc.DataChannel) {
	util.LogSuccess("[%s] data channel %q open", id, dc.Label())

	dc.OnMessage(func(msg pionwebrtc.DataChannelMessage) {
		util.LogInfo("[%s] peer: %s", id, msg.Data)
	})
	if err := dc.SendText(fmt.Sprintf("hello from the %s", role)); err != nil {
		util.LogWarning("[%s] data channel send: %v", id, err)
	}
}

// openChannel returns the signaling channel of the session: Redis streams
// when a Redis URL is configured, the relay otherwise.
func openChannel(ctx context.Context, cfg *config.Config, role signaling.Role, id string) (transport.Channel, error) {
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid Redis URL: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to reach Redis: %w", err)
		}
		util.LogDebug("signaling through Redis at %s", opts.Addr)
		stream := transport.NewRedisStream(client, id, string(role), string(role.Peer()), cfg.RedisOptions())
		return &redisChannel{RedisStream: stream, client: client}, nil
	}

	base, err := normalizeRelayURL(cfg.Signaling.URL)
	if err != nil {
		return nil, err
	}
	u := sessionURL(base, id, role)
	util.LogDebug("signaling through %s", u)
	return transport.Dial(ctx, u, cfg.Relay.MaxMessageBytes)
}

// redisChannel releases the client along with the stream.
type redisChannel struct {
	*transport.RedisStream
	client *redis.Client
}

func (r *redisChannel) Close() error {
	err := r.RedisStream.Close()
	if cerr := r.client.Close(); err == nil {
		err = cerr
	}
	return err
}

// normalizeRelayURL validates a relay address and returns its
// scheme://host form. http and https map to ws and wss; anything else
// defaults to wss.
func normalizeRelayURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid relay URL: %s", raw)
	}

	scheme := "wss"
	switch u.Scheme {
	case "ws", "http":
		scheme = "ws"
	}
	return fmt.Sprintf("%s://%s", scheme, u.Host), nil
}

func sessionURL(base, id string, role signaling.Role) string {
	return fmt.Sprintf("%s/ws/%s?role=%s", base, url.PathEscape(id), role)
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start metrics listener: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	srv := &http.Server{Handler: mux}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	go func() {
		_ = srv.Serve(listener)
	}()

	util.LogInfo("metrics on http://%s/metrics", listener.Addr())
	return nil
}

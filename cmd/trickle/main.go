// Trickle: CLI entry point.
//
// Runs the signaling relay, or one end of a WebRTC session that trickles
// ICE candidates through the relay or through Redis streams.
//
// It can be launched interactively (no subcommand) or through the relay,
// offer and answer subcommands.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/1ureka/trickle/internal/config"
	"github.com/1ureka/trickle/internal/signaling"
	"github.com/1ureka/trickle/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newRootCmd(&app{v: config.NewViper()}).ExecuteContext(ctx); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
}

// app carries the configuration shared by every subcommand.
type app struct {
	v          *viper.Viper
	configPath string
	cfg        *config.Config
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "trickle",
		Short:         "Trickle ICE signaling for WebRTC sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
		Annotations:   map[string]string{"debug": "log.debug"},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runInteractive(cmd.Context())
		},
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", "", "Config file (yaml, toml or json)")
	root.PersistentFlags().Bool("debug", false, "Enable debug logging")

	root.AddCommand(
		newRelayCmd(a),
		newSessionCmd(a, signaling.RoleInitiator),
		newSessionCmd(a, signaling.RoleResponder),
	)
	return root
}

// load binds the flags of cmd and its parents to their config keys, then
// reads the configuration. Each command maps flag names to keys through
// its annotations.
func (a *app) load(cmd *cobra.Command) error {
	for c := cmd; c != nil; c = c.Parent() {
		for flag, key := range c.Annotations {
			f := c.Flags().Lookup(flag)
			if f == nil {
				f = c.PersistentFlags().Lookup(flag)
			}
			if f == nil {
				continue
			}
			if err := a.v.BindPFlag(key, f); err != nil {
				return err
			}
		}
	}

	if err := config.LoadDotEnv(); err != nil {
		return err
	}
	cfg, err := config.Load(a.v, a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg

	if cfg.Log.Debug {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Trickle v%s", version))
	pterm.Println()
	return nil
}

// ---------------------------------------------------------------------------
// Interactive mode
// ---------------------------------------------------------------------------

// runInteractive prompts for the mode when no subcommand is given.
func (a *app) runInteractive(ctx context.Context) error {
	mode, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{
			"Offer  — Start a session",
			"Answer — Join a session",
			"Relay  — Run a signaling relay",
		}).
		WithDefaultText("Select what to run").
		Show()

	pterm.Println()

	switch {
	case strings.HasPrefix(mode, "Relay"):
		return runRelay(ctx, a.cfg)

	case strings.HasPrefix(mode, "Offer"):
		if a.cfg.Redis.URL == "" {
			a.cfg.Signaling.URL = askURL(a.cfg.Signaling.URL)
		}
		return runSession(ctx, a.cfg, sessionArgs{role: signaling.RoleInitiator})

	default:
		if a.cfg.Redis.URL == "" {
			a.cfg.Signaling.URL = askURL(a.cfg.Signaling.URL)
		}
		id := askSession()
		return runSession(ctx, a.cfg, sessionArgs{role: signaling.RoleResponder, id: id})
	}
}

// askURL prompts for a relay URL until a valid one is entered. An empty
// answer keeps fallback.
func askURL(fallback string) string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(fmt.Sprintf("Relay URL (empty for %s)", fallback)).
			Show()

		if strings.TrimSpace(raw) == "" {
			raw = fallback
		}
		base, err := normalizeRelayURL(raw)
		if err == nil {
			pterm.Println()
			return base
		}

		pterm.Println()
		util.LogWarning("invalid input: please enter a valid host or URL")
	}
}

// askSession prompts for the session id printed by the offering side.
func askSession() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Session id").
			Show()

		if id := strings.TrimSpace(raw); id != "" {
			pterm.Println()
			return id
		}

		pterm.Println()
		util.LogWarning("the session id is required")
	}
}

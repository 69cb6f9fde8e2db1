package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/felix-agent/felix/internal/config"
	"github.com/felix-agent/felix/internal/supervisor"
)

type rootOptions struct {
	configPath string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "felix",
		Short: "Personal AI agent gateway",
		Long: `felix runs a long-lived gateway that holds your agent's sessions and memory,
and lets terminals, scripts and chat bots talk to it over a websocket.

Quick start:
  felix gateway start        # start the gateway in the background
  felix ask "hello"          # one-shot question
  felix chat                 # interactive session
  felix gateway status       # what is running`,
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelWarn
			if opts.verbose {
				level = slog.LevelDebug
			}
			setupLogging(cmd.ErrOrStderr(), level)
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to config file (default ./config.json, then ~/.config/felix/config.json)")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Enable debug logging")
	cmd.SetVersionTemplate(`{{printf "felix %s\n" .Version}}`)

	cmd.AddCommand(
		newGatewayCmd(opts),
		newAskCmd(opts),
		newChatCmd(opts),
		newSessionsCmd(opts),
		newSearchCmd(opts),
	)
	return cmd
}

func setupLogging(w io.Writer, level slog.Level) {
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
}

func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newSupervisor returns the supervisor for the gateway child, which re-runs
// this binary with the same config file.
func (o *rootOptions) newSupervisor() *supervisor.Supervisor {
	sup := supervisor.New(supervisor.DefaultDir())
	if o.configPath != "" {
		sup.Command = append(sup.Command, "--config", o.configPath)
	}
	return sup
}

// readyAddr is the host:port a local client dials for cfg's gateway.
func readyAddr(cfg *config.Config) string {
	return strings.TrimPrefix(cfg.URL(), "ws://")
}

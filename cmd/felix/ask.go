package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/felix-agent/felix/internal/client"
	"github.com/felix-agent/felix/internal/supervisor"
)

const askTimeout = 30 * time.Second

func newAskCmd(opts *rootOptions) *cobra.Command {
	var session string
	cmd := &cobra.Command{
		Use:   "ask <prompt>",
		Short: "Send one message and print the reply",
		Long: `Send one message to the gateway and print the reply. The gateway is
started in the background if it is not running. Each call uses a fresh
session unless --session is given.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			sup := opts.newSupervisor()
			if !sup.IsRunning() {
				fmt.Fprintln(cmd.ErrOrStderr(), "Gateway not running, starting...")
				if _, err := sup.Start(); err != nil {
					return fmt.Errorf("start gateway: %w", err)
				}
				if err := supervisor.WaitReady(cmd.Context(), readyAddr(cfg), supervisor.DefaultReadyTimeout); err != nil {
					return err
				}
			}

			if session == "" {
				session = headlessSessionID(time.Now())
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), askTimeout)
			defer cancel()
			return ask(ctx, cmd.OutOrStdout(), cfg.URL(), session, strings.Join(args, " "))
		},
	}
	cmd.Flags().StringVarP(&session, "session", "s", "", "Session id (default headless-<unix ms>)")
	return cmd
}

func headlessSessionID(now time.Time) string {
	return fmt.Sprintf("headless-%d", now.UnixMilli())
}

func ask(ctx context.Context, out io.Writer, url, session, prompt string) error {
	c, err := client.Dial(ctx, url)
	if err != nil {
		return err
	}
	defer c.Close()

	reply, err := c.Send(ctx, session, prompt)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("gateway did not reply within %s", askTimeout)
		}
		return err
	}
	fmt.Fprintln(out, reply)
	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/felix-agent/felix/internal/client"
	"github.com/felix-agent/felix/internal/config"
	"github.com/felix-agent/felix/internal/gateway"
	"github.com/felix-agent/felix/internal/llm"
	"github.com/felix-agent/felix/internal/service"
	"github.com/felix-agent/felix/internal/supervisor"
)

const statusTimeout = 3 * time.Second

func newGatewayCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Manage the gateway service",
	}
	cmd.AddCommand(
		newGatewayStartCmd(opts),
		newGatewayStopCmd(opts),
		newGatewayStatusCmd(opts),
		newGatewayRunCmd(opts),
	)
	return cmd
}

func newGatewayStartCmd(opts *rootOptions) *cobra.Command {
	var (
		noMatrix bool
		host     string
		port     int
		override bool
	)
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the gateway in the background",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			sup := opts.newSupervisor()
			if host != "" {
				cfg.Gateway.Host = host
				sup.Env = append(sup.Env, "FELIX_GATEWAY_HOST="+host)
			}
			if port != 0 {
				cfg.Gateway.Port = port
				sup.Env = append(sup.Env, "FELIX_GATEWAY_PORT="+strconv.Itoa(port))
			}
			if noMatrix {
				sup.Env = append(sup.Env, "FELIX_MATRIX_DISABLED=1")
			}

			out := cmd.OutOrStdout()
			if override && sup.IsRunning() {
				res, err := sup.StopWithResult()
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Stopped existing gateway (PID: %d)\n", res.PID)
			}
			return startGateway(cmd.Context(), out, sup, cfg)
		},
	}
	cmd.Flags().BoolVar(&noMatrix, "no-matrix", false, "Disable the Matrix adapter")
	cmd.Flags().StringVar(&host, "host", "", "Host IP to bind to (e.g. 127.0.0.1, 0.0.0.0)")
	cmd.Flags().IntVar(&port, "port", 0, "Port to listen on")
	cmd.Flags().BoolVar(&override, "override", false, "Stop a running gateway and start a new one")
	return cmd
}

func startGateway(ctx context.Context, out io.Writer, sup *supervisor.Supervisor, cfg *config.Config) error {
	pid, err := sup.Start()
	var running *supervisor.AlreadyRunningError
	if errors.As(err, &running) {
		fmt.Fprintf(out, "Gateway is already running (PID: %d)\n", running.PID)
		return nil
	}
	if err != nil {
		return err
	}
	if err := supervisor.WaitReady(ctx, readyAddr(cfg), supervisor.DefaultReadyTimeout); err != nil {
		_, errLog := sup.LogPaths()
		return fmt.Errorf("%w (see %s)", err, errLog)
	}
	fmt.Fprintf(out, "%s Gateway started (PID: %d)\n", okStyle.Render("✓"), pid)
	fmt.Fprintf(out, "  %s\n", dimStyle.Render(cfg.URL()))
	return nil
}

func newGatewayStopCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := opts.newSupervisor().StopWithResult()
			if errors.Is(err, supervisor.ErrNotRunning) {
				return errors.New("no gateway running (no PID file)")
			}
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			switch {
			case res.Stale:
				fmt.Fprintln(out, "Stale PID file, cleaning up")
			case res.Forced:
				fmt.Fprintln(out, "Gateway force killed")
			default:
				fmt.Fprintln(out, "Gateway stopped")
			}
			return nil
		},
	}
}

func newGatewayStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show gateway status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			pid, alive, err := opts.newSupervisor().Status()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			switch {
			case pid == 0:
				printStatusHeader(out, false)
				fmt.Fprintf(out, "  %s  Gateway is not running\n", errStyle.Render("✗"))
				return nil
			case !alive:
				printStatusHeader(out, false)
				fmt.Fprintf(out, "  %s  Gateway not running (stale PID: %d)\n", errStyle.Render("✗"), pid)
				fmt.Fprintf(out, "  %s  Run 'felix gateway start' to start\n", warnStyle.Render("⚠"))
				return nil
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), statusTimeout)
			defer cancel()
			sd, err := fetchStatus(ctx, cfg.URL())
			printStatusHeader(out, true)
			if err != nil {
				slog.Debug("status fetch failed", "error", err)
				fmt.Fprintf(out, "  %s  Gateway process running (PID: %d)\n", okStyle.Render("✓"), pid)
				fmt.Fprintf(out, "  %s  Cannot connect to gateway\n", errStyle.Render("✗"))
				fmt.Fprintf(out, "  %s\n", dimStyle.Render("    Port may be unavailable or gateway starting up"))
				return nil
			}
			printStatus(out, pid, sd)
			return nil
		},
	}
}

func newGatewayRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the gateway in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if opts.verbose {
				level = slog.LevelDebug
			}
			setupLogging(cmd.OutOrStdout(), level)

			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			auth, err := llm.NewAuthStore(llm.DefaultCredentialsPath())
			if err != nil {
				slog.Warn("ignoring credentials file", "error", err)
				auth = nil
			}
			svc, err := service.New(cfg, auth)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)
			go func() {
				select {
				case sig := <-sigCh:
					slog.Info("received signal, shutting down", "signal", sig)
					cancel()
				case <-ctx.Done():
				}
			}()

			return svc.Run(ctx)
		},
	}
}

func fetchStatus(ctx context.Context, url string) (*gateway.StatusData, error) {
	c, err := client.Dial(ctx, url)
	if err != nil {
		return nil, err
	}
	defer c.Close()
	return c.Status(ctx)
}

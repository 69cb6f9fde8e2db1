package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/felix-agent/felix/internal/client"
	"github.com/felix-agent/felix/internal/gateway"
)

const chatHelp = "Commands: /clear /history /status /quit"

func newChatCmd(opts *rootOptions) *cobra.Command {
	var (
		session string
		stream  bool
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat with the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if !cfg.TUI.Enabled {
				return errors.New("terminal chat is disabled (tui.enabled is false)")
			}
			ctx := cmd.Context()
			c, err := client.Dial(ctx, cfg.URL())
			if err != nil {
				return fmt.Errorf("%w (is the gateway running? try 'felix gateway start')", err)
			}
			defer c.Close()

			fd := int(os.Stdin.Fd())
			if !term.IsTerminal(fd) {
				return runChat(ctx, c, scannerLines{bufio.NewScanner(cmd.InOrStdin())}, cmd.OutOrStdout(), session, stream)
			}

			oldState, err := term.MakeRaw(fd)
			if err != nil {
				return err
			}
			defer term.Restore(fd, oldState)

			t := term.NewTerminal(os.Stdin, "> ")
			if w, h, err := term.GetSize(fd); err == nil {
				t.SetSize(w, h)
			}
			return runChat(ctx, c, t, t, session, stream)
		},
	}
	cmd.Flags().StringVarP(&session, "session", "s", gateway.DefaultSessionID, "Session id")
	cmd.Flags().BoolVar(&stream, "stream", true, "Stream replies as they are generated")
	return cmd
}

// lineReader is satisfied by *term.Terminal.
type lineReader interface {
	ReadLine() (string, error)
}

type scannerLines struct {
	s *bufio.Scanner
}

func (l scannerLines) ReadLine() (string, error) {
	if l.s.Scan() {
		return l.s.Text(), nil
	}
	if err := l.s.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

func runChat(ctx context.Context, c *client.Client, in lineReader, out io.Writer, session string, stream bool) error {
	c.OnEvent = func(f gateway.Frame) {
		fmt.Fprintln(out, dimStyle.Render("["+f.Event+"] "+f.Content))
	}
	fmt.Fprintf(out, "%s %s\n", boldStyle.Render("felix chat"), dimStyle.Render("session "+session+" · "+chatHelp))

	for {
		line, err := in.ReadLine()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		quit, err := chatTurn(ctx, c, out, session, line, stream)
		if err != nil {
			var se *client.ServerError
			if !errors.As(err, &se) {
				return err
			}
			fmt.Fprintln(out, errStyle.Render("error: "+se.Message))
		}
		if quit {
			return nil
		}
	}
}

func chatTurn(ctx context.Context, c *client.Client, out io.Writer, session, line string, stream bool) (quit bool, err error) {
	switch line {
	case "/quit", "/exit":
		return true, nil
	case "/clear":
		if err := c.Clear(ctx, session); err != nil {
			return false, err
		}
		fmt.Fprintln(out, dimStyle.Render("Session cleared"))
		return false, nil
	case "/history":
		msgs, err := c.History(ctx, session)
		if err != nil {
			return false, err
		}
		if len(msgs) == 0 {
			fmt.Fprintln(out, dimStyle.Render("(no messages)"))
		}
		for _, m := range msgs {
			fmt.Fprintf(out, "%s %s\n", idStyle.Render(m.Role+":"), m.Content)
		}
		return false, nil
	case "/status":
		sctx, cancel := context.WithTimeout(ctx, statusTimeout)
		defer cancel()
		sd, err := c.Status(sctx)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(out, "%s · %s · %d clients · %d sessions · up %s\n",
			sd.Model, sd.Workspace, sd.ClientCount, sd.SessionCount,
			formatUptime(time.Duration(sd.UptimeMs)*time.Millisecond))
		return false, nil
	case "/help":
		fmt.Fprintln(out, chatHelp)
		return false, nil
	}

	if stream {
		_, err := c.Stream(ctx, session, line, func(delta string) {
			fmt.Fprint(out, delta)
		})
		fmt.Fprintln(out)
		return false, err
	}
	reply, err := c.Send(ctx, session, line)
	if err != nil {
		return false, err
	}
	fmt.Fprintln(out, reply)
	return false, nil
}

package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/felix-agent/felix/internal/session"
	"github.com/felix-agent/felix/internal/workspace"
)

func newSessionsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List stored sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			ws, err := workspace.Layout(cfg.Workspace)
			if err != nil {
				return err
			}
			store, err := session.NewStore(ws.SessionsDir)
			if err != nil {
				return err
			}
			infos, err := store.List()
			if err != nil {
				return err
			}
			printSessions(cmd.OutOrStdout(), infos, time.Now())
			return nil
		},
	}
}

func printSessions(w io.Writer, infos []session.Info, now time.Time) {
	if len(infos) == 0 {
		fmt.Fprintln(w, dimStyle.Render("No sessions yet."))
		return
	}
	fmt.Fprintf(w, "%s %s\n\n", boldStyle.Render("Sessions"), countStyle.Render(fmt.Sprintf("(%d)", len(infos))))

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTURNS\tUPDATED")
	for _, info := range infos {
		fmt.Fprintf(tw, "%s\t%d\t%s\n",
			info.ID,
			info.Turns,
			formatUptime(now.Sub(info.UpdatedAt))+" ago",
		)
	}
	tw.Flush()
}

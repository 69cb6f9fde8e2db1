package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/felix-agent/felix/internal/gateway"
)

var (
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
	boldStyle    = lipgloss.NewStyle().Bold(true)
	sectionStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("62")).Bold(true)

	idStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("212")).
		Bold(true)

	countStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Bold(true)

	refStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("135")).
			Italic(true)
)

func printStatusHeader(w io.Writer, running bool) {
	fmt.Fprintln(w)
	if running {
		fmt.Fprintf(w, "%s %s\n", okStyle.Render("◉"), boldStyle.Render("Gateway Status"))
	} else {
		fmt.Fprintf(w, "%s %s\n", errStyle.Render("○"), boldStyle.Render("Gateway Status"))
	}
	fmt.Fprintln(w, dimStyle.Render(strings.Repeat("─", 40)))
}

func printStatus(w io.Writer, pid int, sd *gateway.StatusData) {
	section := func(icon, title string) {
		fmt.Fprintf(w, "\n  %s  %s\n", sectionStyle.Render(icon), boldStyle.Render(title))
	}
	row := func(label string, value any) {
		fmt.Fprintf(w, "      %-12s %v\n", label+":", value)
	}

	section("⬡", "Process")
	row("PID", pid)
	row("Uptime", formatUptime(time.Duration(sd.UptimeMs)*time.Millisecond))

	section("◈", "Connections")
	row("Host", sd.Host)
	row("Port", sd.Port)
	row("Clients", sd.ClientCount)

	section("▸", "Sessions")
	row("Total", sd.SessionCount)

	section("⚙", "Configuration")
	row("Model", sd.Model)
	row("Context", formatThousands(sd.ContextWindow)+" tokens")
	row("Workspace", sd.Workspace)
	adapter := dimStyle.Render("disabled")
	if sd.TelegramEnabled {
		adapter = okStyle.Render("enabled")
	}
	row("Matrix", adapter)
}

// formatUptime renders d in its two largest units: "2d 3h", "3h 4m",
// "4m 5s" or "5s".
func formatUptime(d time.Duration) string {
	seconds := int64(d / time.Second)
	minutes := seconds / 60
	hours := minutes / 60
	days := hours / 24
	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh", days, hours%24)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes%60)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds%60)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}

func formatThousands(n int) string {
	if n < 0 {
		return "-" + formatThousands(-n)
	}
	s := fmt.Sprint(n)
	var b strings.Builder
	for i, r := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	return b.String()
}

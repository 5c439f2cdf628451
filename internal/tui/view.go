package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/basket/orbital/internal/bridge"
	"github.com/basket/orbital/internal/link"
	"github.com/basket/orbital/internal/protocol"
)

const maxDiffLines = 12

func (m Model) View() string {
	var b strings.Builder

	b.WriteString(m.renderHeader())
	b.WriteString("\n")
	b.WriteString(m.renderStats())
	b.WriteString("\n")
	b.WriteString(m.stream.View())
	b.WriteString("\n")
	if panel := m.renderIntervention(); panel != "" {
		b.WriteString(panel)
		b.WriteString("\n")
	}
	b.WriteString(m.renderTerminal())
	b.WriteString(m.input.View())
	b.WriteString("\n")
	b.WriteString(m.renderFooter())
	return b.String()
}

func (m Model) renderHeader() string {
	state := m.snap.LinkState
	if state == "" {
		state = link.StateOffline
	}
	linkLabel := m.st.link[state].Render(string(state))
	if state == link.StateConnecting && m.snap.Attempt > 0 {
		linkLabel += m.st.dim.Render(fmt.Sprintf(" (attempt %d)", m.snap.Attempt))
	}

	parts := []string{m.st.title.Render("ORBITAL"), "link " + linkLabel}
	if m.endpoint != "" {
		parts = append(parts, m.st.dim.Render(m.endpoint))
	}
	if m.snap.Mode != "" || m.snap.Persona != "" {
		parts = append(parts, fmt.Sprintf("mode %s/%s", orDash(m.snap.Mode), orDash(m.snap.Persona)))
	}
	if m.snap.Halted {
		parts = append(parts, m.st.halted.Render("HALTED"))
	}
	return strings.Join(parts, "  ")
}

func (m Model) renderStats() string {
	s := m.snap.Stats
	if s.LastHeartbeat.IsZero() {
		return m.st.dim.Render("no heartbeat yet")
	}
	line := fmt.Sprintf("tasks %d  uptime %s  sessions %d", s.Tasks, orDash(s.Uptime), s.ActiveSessions)
	if s.Version != "" {
		line += "  daemon " + s.Version
	}
	if s.DaemonStatus != "" {
		line += " (" + s.DaemonStatus + ")"
	}
	line += "  last beat " + s.LastHeartbeat.Format("15:04:05")
	return m.st.stats.Render(line)
}

func (m Model) renderStream() string {
	if len(m.snap.Events) == 0 {
		return m.st.dim.Render("waiting for the daemon...")
	}
	lines := make([]string, 0, len(m.snap.Events))
	for _, ev := range m.snap.Events {
		lines = append(lines, m.formatEvent(ev))
	}
	return strings.Join(lines, "\n")
}

// formatEvent renders one event-log entry as a single stream line.
func (m Model) formatEvent(ev bridge.EventView) string {
	ts := ev.Timestamp
	if len(ts) > 8 {
		ts = ev.ReceivedAt.Format("15:04:05")
	}
	kind := m.st.kind(ev.Kind).Render(fmt.Sprintf("%-12s", ev.Kind))
	text := eventText(ev.Event)
	switch {
	case ev.Actionable:
		text += m.st.panelTitle.Render("  [awaiting decision]")
	case ev.Resolved && ev.Approved:
		text += m.st.diffAdd.Render("  [approved]")
	case ev.Resolved:
		text += m.st.diffDel.Render("  [rejected]")
	}
	return fmt.Sprintf("%s %s %s", m.st.dim.Render(orDash(ts)), kind, text)
}

func eventText(ev protocol.Event) string {
	switch ev.Kind {
	case protocol.KindTerminalOutput:
		return ev.Line
	case protocol.KindCommandExecuted:
		return "$ " + ev.Command
	case protocol.KindModeChanged:
		if ev.Persona != "" {
			return fmt.Sprintf("mode %s, persona %s", ev.Mode, ev.Persona)
		}
		return "mode " + ev.Mode
	case protocol.KindHeartbeat:
		return "heartbeat"
	case protocol.KindIntervention:
		msg := fmt.Sprintf("%s %s", ev.Tool, ev.Path)
		if ev.Message != "" {
			msg = ev.Message + ": " + msg
		}
		return msg
	}
	return ev.Message
}

func (m Model) renderIntervention() string {
	req := m.snap.Active
	if req == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(m.st.panelTitle.Render("INTERVENTION REQUIRED"))
	if n := len(m.snap.Queued); n > 0 {
		b.WriteString(m.st.dim.Render(fmt.Sprintf("  (+%d queued)", n)))
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "%s  %s\n", req.Tool, req.Path)
	if req.Message != "" {
		b.WriteString(m.st.dim.Render(req.Message))
		b.WriteString("\n")
	}
	diff := strings.Split(req.Diff, "\n")
	if len(diff) > maxDiffLines {
		diff = append(diff[:maxDiffLines], fmt.Sprintf("... %d more lines", len(diff)-maxDiffLines))
	}
	for _, line := range diff {
		switch {
		case strings.HasPrefix(line, "+"):
			b.WriteString(m.st.diffAdd.Render(line))
		case strings.HasPrefix(line, "-"):
			b.WriteString(m.st.diffDel.Render(line))
		default:
			b.WriteString(line)
		}
		b.WriteString("\n")
	}
	b.WriteString(m.st.dim.Render("ctrl+y approve  ctrl+n reject"))

	panel := m.st.panel
	if m.width > 4 {
		panel = panel.Width(m.width - 2)
	}
	return panel.Render(b.String())
}

func (m Model) renderTerminal() string {
	var b strings.Builder
	b.WriteString(m.st.dim.Render("── terminal ──"))
	b.WriteString("\n")
	lines := m.snap.Terminal
	if len(lines) > terminalRows {
		lines = lines[len(lines)-terminalRows:]
	}
	for _, l := range lines {
		style := m.st.terminal
		if l.Source == bridge.SourceOperator {
			style = m.st.operator
		}
		b.WriteString(style.Render(truncate(l.Text, m.width)))
		b.WriteString("\n")
	}
	for i := len(lines); i < terminalRows; i++ {
		b.WriteString("\n")
	}
	return b.String()
}

func (m Model) renderFooter() string {
	help := "enter send  ↑/↓ history  pgup/pgdn scroll  ctrl+x kill switch  ctrl+c quit"
	if m.snap.LinkState == link.StateFailed || m.snap.LinkState == link.StateOffline {
		help = "ctrl+r retry link  " + help
	}
	footer := m.st.dim.Render(help)
	if m.snap.LinkError != "" && m.snap.LinkState != link.StateSynchronized {
		footer = m.st.notice.Render(truncate(m.snap.LinkError, m.width)) + "\n" + footer
	}
	if m.notice != "" {
		footer = m.st.notice.Render(m.notice) + "  " + footer
	}
	return footer
}

func truncate(s string, width int) string {
	if width <= 0 || lipgloss.Width(s) <= width {
		return s
	}
	r := []rune(s)
	if len(r) > width-1 {
		r = r[:width-1]
	}
	return string(r) + "…"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

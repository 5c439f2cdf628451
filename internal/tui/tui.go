// Package tui renders the control plane in the terminal. It only reads bridge
// snapshots and calls the bridge's operator entry points; all link and
// protocol state lives in the bridge.
package tui

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"
)

// Run shows the control plane until the operator quits or ctx is cancelled.
func Run(ctx context.Context, cfg Config) error {
	// Bubble Tea restores the terminal on a clean exit; an interrupted run can
	// leave it in raw mode.
	defer bestEffortResetTTY()

	m := New(ctx, cfg)
	if m.sub != nil && cfg.Bus != nil {
		defer cfg.Bus.Unsubscribe(m.sub)
	}

	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithMouseCellMotion(), tea.WithContext(ctx))
	_, err := p.Run()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

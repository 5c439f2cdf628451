package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/basket/orbital/internal/link"
	"github.com/basket/orbital/internal/protocol"
)

var (
	accent = lipgloss.Color("62")
	muted  = lipgloss.Color("240")
	mint   = lipgloss.Color("#05ffa1")
	amber  = lipgloss.Color("#ffd166")
	pink   = lipgloss.Color("#ff71ce")
	red    = lipgloss.Color("196")
)

type styles struct {
	title      lipgloss.Style
	dim        lipgloss.Style
	stats      lipgloss.Style
	halted     lipgloss.Style
	notice     lipgloss.Style
	panel      lipgloss.Style
	panelTitle lipgloss.Style
	diffAdd    lipgloss.Style
	diffDel    lipgloss.Style
	terminal   lipgloss.Style
	operator   lipgloss.Style
	link       map[link.State]lipgloss.Style
	kinds      map[protocol.Kind]lipgloss.Style
}

func newStyles() styles {
	return styles{
		title:  lipgloss.NewStyle().Bold(true).Foreground(accent),
		dim:    lipgloss.NewStyle().Foreground(muted),
		stats:  lipgloss.NewStyle().Foreground(lipgloss.Color("252")),
		halted: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("231")).Background(red).Padding(0, 1),
		notice: lipgloss.NewStyle().Foreground(pink),
		panel: lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).
			BorderForeground(amber).Padding(0, 1),
		panelTitle: lipgloss.NewStyle().Bold(true).Foreground(amber),
		diffAdd:    lipgloss.NewStyle().Foreground(mint),
		diffDel:    lipgloss.NewStyle().Foreground(red),
		terminal:   lipgloss.NewStyle().Foreground(lipgloss.Color("250")),
		operator:   lipgloss.NewStyle().Foreground(mint),
		link: map[link.State]lipgloss.Style{
			link.StateOffline:      lipgloss.NewStyle().Foreground(muted).Bold(true),
			link.StateConnecting:   lipgloss.NewStyle().Foreground(amber).Bold(true),
			link.StateSynchronized: lipgloss.NewStyle().Foreground(mint).Bold(true),
			link.StateFailed:       lipgloss.NewStyle().Foreground(red).Bold(true),
		},
		kinds: map[protocol.Kind]lipgloss.Style{
			protocol.KindThought:      lipgloss.NewStyle().Foreground(lipgloss.Color("147")),
			protocol.KindAction:       lipgloss.NewStyle().Foreground(lipgloss.Color("81")),
			protocol.KindSuccess:      lipgloss.NewStyle().Foreground(mint),
			protocol.KindIntervention: lipgloss.NewStyle().Foreground(amber).Bold(true),
			protocol.KindError:        lipgloss.NewStyle().Foreground(red).Bold(true),
		},
	}
}

func (s styles) kind(k protocol.Kind) lipgloss.Style {
	if st, ok := s.kinds[k]; ok {
		return st
	}
	return s.dim
}

package ui

import "github.com/charmbracelet/lipgloss"

var (
	StatusStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	ErrorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	PeerStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	ChatStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	SystemStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).Italic(true)
	InputBoxStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("205"))
	TimestampStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Faint(true)
)

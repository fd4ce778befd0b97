package main

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	primaryColor = lipgloss.Color("#5B8DEF")
	successColor = lipgloss.Color("#4ECDC4")
	warningColor = lipgloss.Color("#FFE66D")
	errorColor   = lipgloss.Color("#FF6B6B")
	subtleColor  = lipgloss.Color("#666666")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			MarginBottom(1)

	successStyle = lipgloss.NewStyle().Foreground(successColor)
	warningStyle = lipgloss.NewStyle().Foreground(warningColor)
	errorStyle   = lipgloss.NewStyle().Foreground(errorColor)
	subtleStyle  = lipgloss.NewStyle().Foreground(subtleColor)

	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)

	promptStyle = lipgloss.NewStyle().Bold(true).Foreground(primaryColor)
)

const (
	successIcon = "✓"
	errorIcon   = "✗"
	warningIcon = "!"
)

func formatSuccess(message string) string {
	return successStyle.Render(successIcon + " " + message)
}

func formatError(message string) string {
	return errorStyle.Render(errorIcon + " " + message)
}

func formatWarning(message string) string {
	return warningStyle.Render(warningIcon + " " + message)
}

// newTable builds a bordered table; rowStyle may restyle individual data rows
func newTable(headers []string, rows [][]string, rowStyle func(row int) lipgloss.Style) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(subtleStyle).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if rowStyle != nil {
				return rowStyle(row).Inherit(cellStyle)
			}
			return cellStyle
		})
}

package cli

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	colorPrimary = lipgloss.Color("#7C3AED")
	colorMuted   = lipgloss.Color("#6C7086")
	colorSuccess = lipgloss.Color("#A6E3A1")
	colorWarning = lipgloss.Color("#F9E2AF")
	colorError   = lipgloss.Color("#F38BA8")
	colorBorder  = lipgloss.Color("#45475A")

	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(colorPrimary)
	mutedStyle  = lipgloss.NewStyle().Foreground(colorMuted)
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

// bandStyle colours an MRR band label.
func bandStyle(band string) lipgloss.Style {
	switch band {
	case "excellent", "good":
		return cellStyle.Foreground(colorSuccess)
	case "moderate":
		return cellStyle.Foreground(colorWarning)
	default:
		return cellStyle.Foreground(colorError)
	}
}

// newTable returns a bordered table with the shared header style. styleCell may override
// the style of a body cell; it may be nil.
func newTable(headers []string, rows [][]string, styleCell func(row, col int) (lipgloss.Style, bool)) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(colorBorder)).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}

			if styleCell != nil {
				if style, ok := styleCell(row, col); ok {
					return style
				}
			}

			return cellStyle
		})
}

// Package ui provides the terminal components used by the locus CLI.
package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/AshkanYarmoradi/go-locus/cli/styles"
)

// SpinnerType selects a spinner animation.
type SpinnerType int

const (
	SpinnerDots SpinnerType = iota
	SpinnerLine
	SpinnerGlobe
	SpinnerMeter
)

// SpinnerModel is a spinner with a message, finished by a SpinnerDoneMsg.
type SpinnerModel struct {
	spinner  spinner.Model
	message  string
	quitting bool
	done     bool
	result   string
	err      error
}

// NewSpinner creates a new spinner with the given message
func NewSpinner(message string, spinnerType SpinnerType) SpinnerModel {
	s := spinner.New()
	switch spinnerType {
	case SpinnerLine:
		s.Spinner = spinner.Line
	case SpinnerGlobe:
		s.Spinner = spinner.Globe
	case SpinnerMeter:
		s.Spinner = spinner.Meter
	default:
		s.Spinner = spinner.Dot
	}
	s.Style = lipgloss.NewStyle().Foreground(styles.Primary)

	return SpinnerModel{spinner: s, message: message}
}

func (m SpinnerModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m SpinnerModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}

	case SpinnerDoneMsg:
		m.done = true
		m.result = msg.Result
		m.err = msg.Err
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m SpinnerModel) View() string {
	if m.done {
		if m.err != nil {
			return styles.FormatError(m.result) + "\n"
		}
		return styles.FormatSuccess(m.result) + "\n"
	}
	if m.quitting {
		return styles.FormatWarning("Cancelled") + "\n"
	}
	return m.spinner.View() + " " + styles.Normal.Render(m.message) + "\n"
}

// Err returns the error carried by the final SpinnerDoneMsg.
func (m SpinnerModel) Err() error {
	return m.err
}

// SpinnerDoneMsg signals that the spinner operation is complete
type SpinnerDoneMsg struct {
	Result string
	Err    error
}

// Table renders rows inside a box-drawn grid.
type Table struct {
	headers []string
	rows    [][]string
	widths  []int
}

// NewTable creates a new table with headers
func NewTable(headers ...string) *Table {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	return &Table{headers: headers, widths: widths}
}

// AddRow adds a row; extra values are dropped and missing ones left blank.
func (t *Table) AddRow(values ...string) {
	row := make([]string, len(t.headers))
	for i := range t.headers {
		if i < len(values) {
			row[i] = values[i]
			if w := lipgloss.Width(values[i]); w > t.widths[i] {
				t.widths[i] = w
			}
		}
	}
	t.rows = append(t.rows, row)
}

// Len returns the number of data rows.
func (t *Table) Len() int {
	return len(t.rows)
}

func (t *Table) rule(border lipgloss.Style, left, mid, right string) string {
	var sb strings.Builder
	sb.WriteString(border.Render(left))
	for i, w := range t.widths {
		sb.WriteString(border.Render(strings.Repeat("─", w+2)))
		if i < len(t.widths)-1 {
			sb.WriteString(border.Render(mid))
		}
	}
	sb.WriteString(border.Render(right))
	return sb.String()
}

// Render returns the formatted table string
func (t *Table) Render() string {
	if len(t.headers) == 0 {
		return ""
	}

	headerStyle := lipgloss.NewStyle().Bold(true).Foreground(styles.Primary).Padding(0, 1)
	cellStyle := lipgloss.NewStyle().Foreground(styles.Text).Padding(0, 1)
	border := lipgloss.NewStyle().Foreground(styles.Border)

	line := func(cells []string, style lipgloss.Style) string {
		var sb strings.Builder
		sb.WriteString(border.Render("│"))
		for i, c := range cells {
			sb.WriteString(style.Width(t.widths[i] + 2).Render(c))
			sb.WriteString(border.Render("│"))
		}
		return sb.String()
	}

	lines := []string{
		t.rule(border, "┌", "┬", "┐"),
		line(t.headers, headerStyle),
		t.rule(border, "├", "┼", "┤"),
	}
	for _, row := range t.rows {
		lines = append(lines, line(row, cellStyle))
	}
	lines = append(lines, t.rule(border, "└", "┴", "┘"))

	return strings.Join(lines, "\n")
}

// StatusBadge returns a styled status badge
func StatusBadge(status string) string {
	badge := lipgloss.NewStyle().Padding(0, 1)
	switch strings.ToLower(status) {
	case "active", "healthy", "ok", "applied":
		badge = badge.Background(styles.Success).Foreground(lipgloss.Color("#000000"))
	case "pending", "skipped", "warning":
		badge = badge.Background(styles.Warning).Foreground(lipgloss.Color("#000000"))
	case "archived", "error", "failed":
		badge = badge.Background(styles.Error).Foreground(lipgloss.Color("#FFFFFF"))
	default:
		badge = badge.Background(styles.Surface).Foreground(styles.Text)
	}
	return badge.Render(status)
}

// Banner renders the large locus banner.
func Banner() string {
	banner := `
    ██╗      ██████╗  ██████╗██╗   ██╗███████╗
    ██║     ██╔═══██╗██╔════╝██║   ██║██╔════╝
    ██║     ██║   ██║██║     ██║   ██║███████╗
    ██║     ██║   ██║██║     ██║   ██║╚════██║
    ███████╗╚██████╔╝╚██████╗╚██████╔╝███████║
    ╚══════╝ ╚═════╝  ╚═════╝ ╚═════╝ ╚══════╝
          Event-sourced location registry
`
	return lipgloss.NewStyle().Foreground(styles.Primary).Bold(true).Render(banner)
}

// SimpleBanner returns a one-line banner.
func SimpleBanner() string {
	return styles.IconLocus + " " +
		lipgloss.NewStyle().Bold(true).Foreground(styles.Primary).Render("locus") +
		" " + styles.Muted.Render("- Event-sourced location registry")
}

// Divider returns a horizontal divider line
func Divider(width int) string {
	return styles.Dim.Render(strings.Repeat("─", width))
}

// ListItems formats a list of items with bullets
func ListItems(items []string) string {
	var sb strings.Builder
	for _, item := range items {
		sb.WriteString(styles.ListItemBullet.Render(styles.IconDot))
		sb.WriteString(styles.Normal.Render(item))
		sb.WriteString("\n")
	}
	return sb.String()
}

// AncestorChain renders a location and its ancestors root-first,
// indenting one level per generation.
//
//	site-root
//	└─ building-a
//	   └─ room-12
func AncestorChain(id string, ancestors []string) string {
	chain := make([]string, 0, len(ancestors)+1)
	for i := len(ancestors) - 1; i >= 0; i-- {
		chain = append(chain, ancestors[i])
	}
	chain = append(chain, id)

	var sb strings.Builder
	for depth, node := range chain {
		if depth > 0 {
			sb.WriteString(strings.Repeat("   ", depth-1))
			sb.WriteString(styles.Dim.Render("└─ "))
		}
		if node == id {
			sb.WriteString(styles.Highlight.Render(node))
		} else {
			sb.WriteString(styles.Normal.Render(node))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// Plural formats a count with its noun, e.g. "1 event", "3 events".
func Plural(n int, noun string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, noun)
	}
	return fmt.Sprintf("%d %ss", n, noun)
}

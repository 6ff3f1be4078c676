// Package styles holds the colors and text styles used by the locus CLI.
package styles

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
)

// Palette.
var (
	Primary      = lipgloss.Color("#0F766E") // teal
	PrimaryLight = lipgloss.Color("#2DD4BF")
	Secondary    = lipgloss.Color("#0EA5E9")

	Success      = lipgloss.Color("#10B981")
	Warning      = lipgloss.Color("#F59E0B")
	WarningLight = lipgloss.Color("#FBBF24")
	Error        = lipgloss.Color("#EF4444")
	Info         = lipgloss.Color("#3B82F6")

	Text      = lipgloss.Color("#F9FAFB")
	TextMuted = lipgloss.Color("#9CA3AF")
	TextDim   = lipgloss.Color("#6B7280")
	Surface   = lipgloss.Color("#1F2937")
	Border    = lipgloss.Color("#374151")
)

// Icons.
const (
	IconSuccess  = "✓"
	IconError    = "✗"
	IconWarning  = "⚠"
	IconInfo     = "ℹ"
	IconArrow    = "→"
	IconDot      = "•"
	IconPending  = "◌"
	IconPin      = "📍"
	IconGlobe    = "🌐"
	IconTree     = "🌳"
	IconArchive  = "🗃"
	IconDatabase = "🗄️"
	IconLocus    = "📍"
)

// Text styles.
var (
	Bold      lipgloss.Style
	Title     lipgloss.Style
	Subtitle  lipgloss.Style
	Normal    lipgloss.Style
	Muted     lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style
	Code      lipgloss.Style

	SuccessStyle lipgloss.Style
	WarningStyle lipgloss.Style
	ErrorStyle   lipgloss.Style
	InfoStyle    lipgloss.Style

	Box          lipgloss.Style
	BoxHighlight lipgloss.Style
	BoxSuccess   lipgloss.Style
	BoxError     lipgloss.Style
	InfoBox      lipgloss.Style

	ListItemBullet lipgloss.Style
	Indent         lipgloss.Style
)

func init() {
	build()
}

func newRoundedBox(borderColor lipgloss.Color) lipgloss.Style {
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(borderColor).
		Padding(1, 2)
}

// build derives every style from the current palette.
func build() {
	Bold = lipgloss.NewStyle().Bold(true)
	Title = lipgloss.NewStyle().Bold(true).Foreground(Primary).MarginBottom(1)
	Subtitle = lipgloss.NewStyle().Bold(true).Foreground(PrimaryLight)
	Normal = lipgloss.NewStyle().Foreground(Text)
	Muted = lipgloss.NewStyle().Foreground(TextMuted)
	Dim = lipgloss.NewStyle().Foreground(TextDim)
	Highlight = lipgloss.NewStyle().Bold(true).Foreground(Secondary)
	Code = lipgloss.NewStyle().Foreground(WarningLight).Background(Surface).Padding(0, 1)

	SuccessStyle = lipgloss.NewStyle().Foreground(Success)
	WarningStyle = lipgloss.NewStyle().Foreground(Warning)
	ErrorStyle = lipgloss.NewStyle().Foreground(Error)
	InfoStyle = lipgloss.NewStyle().Foreground(Info)

	Box = newRoundedBox(Border)
	BoxHighlight = newRoundedBox(Primary)
	BoxSuccess = newRoundedBox(Success)
	BoxError = newRoundedBox(Error)
	InfoBox = newRoundedBox(Info).MarginTop(1)

	ListItemBullet = lipgloss.NewStyle().Foreground(Primary).PaddingRight(1)
	Indent = lipgloss.NewStyle().PaddingLeft(2)
}

// FormatSuccess formats a success message with icon
func FormatSuccess(msg string) string {
	return SuccessStyle.Render(IconSuccess) + " " + Normal.Render(msg)
}

// FormatError formats an error message with icon
func FormatError(msg string) string {
	return ErrorStyle.Render(IconError) + " " + Normal.Render(msg)
}

// FormatWarning formats a warning message with icon
func FormatWarning(msg string) string {
	return WarningStyle.Render(IconWarning) + " " + Normal.Render(msg)
}

// FormatInfo formats an info message with icon
func FormatInfo(msg string) string {
	return InfoStyle.Render(IconInfo) + " " + Normal.Render(msg)
}

// FormatStep formats a step in a process, e.g. "[2/5] Loading".
func FormatStep(step, total int, msg string) string {
	stepStyle := lipgloss.NewStyle().Foreground(TextMuted).Width(8)
	return stepStyle.Render(fmt.Sprintf("[%d/%d]", step, total)) + " " + msg
}

// FormatKeyValue formats a key-value pair
func FormatKeyValue(key, value string) string {
	keyStyle := lipgloss.NewStyle().Foreground(TextMuted).Width(20)
	return keyStyle.Render(key+":") + " " + Highlight.Render(value)
}

// DisableColors drops every color and rebuilds the styles.
func DisableColors() {
	none := lipgloss.Color("")
	Primary, PrimaryLight, Secondary = none, none, none
	Success, Warning, WarningLight, Error, Info = none, none, none, none, none
	Text, TextMuted, TextDim, Surface, Border = none, none, none, none, none
	build()
}

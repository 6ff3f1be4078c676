package styles

import (
	"testing"

	"github.com/charmbracelet/lipgloss"
	"github.com/stretchr/testify/assert"
)

func TestFormatters(t *testing.T) {
	tests := []struct {
		name string
		out  string
		icon string
	}{
		{"success", FormatSuccess("location defined"), IconSuccess},
		{"error", FormatError("cycle detected"), IconError},
		{"warning", FormatWarning("no snapshot store"), IconWarning},
		{"info", FormatInfo("using memory driver"), IconInfo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, tt.out, tt.icon)
		})
	}
}

func TestFormatStep(t *testing.T) {
	result := FormatStep(3, 12, "verifying hierarchy")
	assert.Contains(t, result, "[3/12]")
	assert.Contains(t, result, "verifying hierarchy")
}

func TestFormatKeyValue(t *testing.T) {
	result := FormatKeyValue("Parent", "warehouse-1")
	assert.Contains(t, result, "Parent:")
	assert.Contains(t, result, "warehouse-1")
}

func TestDisableColors(t *testing.T) {
	primary, success := Primary, Success
	t.Cleanup(func() {
		Primary, Success = primary, success
		build()
	})

	DisableColors()

	assert.Equal(t, lipgloss.Color(""), Primary)
	assert.Equal(t, lipgloss.Color(""), Success)
	assert.Equal(t, lipgloss.Color(""), Title.GetForeground())
}

func TestStylesRender(t *testing.T) {
	assert.NotPanics(t, func() {
		for _, s := range []lipgloss.Style{
			Bold, Title, Subtitle, Normal, Muted, Dim, Highlight, Code,
			SuccessStyle, WarningStyle, ErrorStyle, InfoStyle,
			Box, BoxHighlight, BoxSuccess, BoxError, InfoBox,
		} {
			_ = s.Render("content")
		}
	})
}

package channels

import (
	"strings"

	"github.com/textslash/cockpit/pkg/models"
)

// FormatPayload flattens a structured result into plain text for
// networks without rich rendering. ViewURL must already be absolute.
func FormatPayload(p models.Payload) string {
	var b strings.Builder
	if p.Text != "" {
		b.WriteString(p.Text)
	}
	if p.DiffSummary != "" {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(p.DiffSummary)
	}
	for _, img := range p.Images {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(img.URL)
	}
	if p.ViewURL != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("Full output: " + p.ViewURL)
	}
	return b.String()
}

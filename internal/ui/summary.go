package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"

	"github.com/trainpulse/trainpulse/internal/training"
)

// SummaryMarkdown describes a finished job as markdown.
func SummaryMarkdown(job training.Job, history []training.EpochMetrics) string {
	var b strings.Builder
	title := job.Name
	if title == "" {
		title = shortID(job.ID)
	}
	fmt.Fprintf(&b, "# Training %s\n\n", title)
	fmt.Fprintf(&b, "- **Status:** %s\n", job.Status)
	fmt.Fprintf(&b, "- **Epochs:** %d/%d\n", job.CurrentEpoch, job.TotalEpochs)
	fmt.Fprintf(&b, "- **Samples:** %d train, %d validation\n", job.Split.Train.Len(), job.Split.Validation.Len())

	if s := job.Summary; s != nil {
		fmt.Fprintf(&b, "- **Final loss:** %.4f\n", s.FinalLoss)
		fmt.Fprintf(&b, "- **Final accuracy:** %.2f%%\n", s.FinalAccuracy*100)
		if s.ParamCount > 0 {
			fmt.Fprintf(&b, "- **Parameters:** %d (%s)\n", s.ParamCount, humanBytes(s.SizeBytes))
		}
		fmt.Fprintf(&b, "- **Duration:** %s\n", s.Duration.Round(time.Millisecond))
		switch {
		case s.EarlyStopped:
			b.WriteString("- Stopped early: validation loss stopped improving.\n")
		case s.Aborted:
			b.WriteString("- Aborted before the first epoch.\n")
		case s.Stopped:
			b.WriteString("- Stopped on request.\n")
		}
	}
	if job.Err != "" {
		fmt.Fprintf(&b, "- **Error:** %s\n", job.Err)
	}

	if len(history) > 0 {
		b.WriteString("\n## Epochs\n\n")
		b.WriteString("| Epoch | Loss | Accuracy | Val loss | Val accuracy |\n")
		b.WriteString("|---:|---:|---:|---:|---:|\n")
		for _, h := range history {
			fmt.Fprintf(&b, "| %d | %.4f | %.4f | %s | %s |\n",
				h.Epoch, h.Loss, h.Accuracy, optional(h.ValLoss), optional(h.ValAccuracy))
		}
	}
	return b.String()
}

// RenderSummary renders md for a terminal of the given width. style is a
// glamour style name such as "dark" or "notty"; empty picks one from the
// terminal.
func RenderSummary(md, style string, width int) (string, error) {
	opts := []glamour.TermRendererOption{glamour.WithWordWrap(width)}
	if style == "" {
		opts = append(opts, glamour.WithAutoStyle())
	} else {
		opts = append(opts, glamour.WithStandardStyle(style))
	}
	r, err := glamour.NewTermRenderer(opts...)
	if err != nil {
		return "", err
	}
	return r.Render(md)
}

func optional(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.4f", *v)
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

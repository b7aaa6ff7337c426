package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fpang/mirage/internal/cloak"
)

// barWidth is the number of cells in a full-scale text bar.
const barWidth = 30

// FormatDurationShort formats a duration in a short format (M:SS or H:MM:SS).
func FormatDurationShort(d time.Duration) string {
	totalSeconds := int(d.Seconds())
	hours := totalSeconds / 3600
	minutes := (totalSeconds % 3600) / 60
	seconds := totalSeconds % 60

	if hours > 0 {
		return fmt.Sprintf("%d:%02d:%02d", hours, minutes, seconds)
	}
	return fmt.Sprintf("%d:%02d", minutes, seconds)
}

// TextBar renders a percentage (0-100) as a fixed-width bar.
func TextBar(percent float64) string {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	filled := int(percent/100*barWidth + 0.5)
	return strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled)
}

// RenderResult writes a human-readable report of a cloaking result: the two
// prediction lists side by side in server order, then the metrics.
func RenderResult(w io.Writer, r *cloak.TransformResult) {
	if r == nil {
		return
	}
	if r.HasPredictions() {
		renderPredictions(w, "Original predictions", r.OriginalPredictions)
		renderPredictions(w, "Cloaked predictions", r.CloakedPredictions)
	}

	rows := cloak.MetricRows(r.Metrics)
	success, reported := r.AttackSuccess()
	if len(rows) == 0 && !reported {
		return
	}
	fmt.Fprintln(w, "Metrics")
	for _, row := range rows {
		if row.Bar != nil {
			fmt.Fprintf(w, "  %-28s %12s  %s\n", row.Label, row.Text, TextBar(*row.Bar))
		} else {
			fmt.Fprintf(w, "  %-28s %12s\n", row.Label, row.Text)
		}
	}
	if reported {
		fmt.Fprintf(w, "  [%s]\n", cloak.AttackSuccessLabel(success))
	}
}

func renderPredictions(w io.Writer, title string, preds []cloak.Prediction) {
	if len(preds) == 0 {
		return
	}
	fmt.Fprintln(w, title)
	for _, p := range preds {
		fmt.Fprintf(w, "  %-28s %6s  %s\n", p.Label, p.Percent(), TextBar(p.BarWidth()))
	}
}

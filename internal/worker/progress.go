package worker

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"

	"ollamabot/internal/locale"
	"ollamabot/internal/ollama"
)

const barCells = 10

// ProgressBar draws percent as ten filled or empty cells.
func ProgressBar(percent int) string {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	filled := percent / barCells
	return strings.Repeat("▰", filled) + strings.Repeat("▱", barCells-filled)
}

func renderProgress(cat *locale.Catalog, lang, model string, p ollama.Progress) string {
	pct := p.Percent()
	lines := []string{
		cat.T(lang, "downloading_model", model),
		p.Status,
		fmt.Sprintf("%s %d%%", ProgressBar(pct), pct),
	}
	if p.Total > 0 {
		lines = append(lines, fmt.Sprintf("%s / %s", humanize.Bytes(uint64(p.Completed)), humanize.Bytes(uint64(p.Total))))
	}
	return strings.Join(lines, "\n")
}

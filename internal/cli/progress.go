package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/chain-sleuth/sleuth/internal/domain"
)

// ─── Progress Bar ───────────────────────────────────────────────────────────
// Terminal progress for a running investigation.
// Shows: [=========>..........] 42% | Analyzing transactions | ETA 35s

const barWidth = 30 // Characters for the progress bar

type progressBar struct {
	out     io.Writer
	started time.Time
	last    string
}

func newProgressBar(out io.Writer) *progressBar {
	return &progressBar{out: out, started: time.Now()}
}

// render draws one task snapshot. Terminal snapshots end the line.
func (p *progressBar) render(t domain.Task) {
	switch t.Status {
	case domain.TaskComplete:
		p.clearLine()
		fmt.Fprintf(p.out, "[done] %s\n", t.ID)
		return
	case domain.TaskFailed:
		p.clearLine()
		fmt.Fprintf(p.out, "[failed] %s: %s\n", t.ID, t.Error)
		return
	case domain.TaskPending:
		p.clearLine()
		fmt.Fprintf(p.out, "[...] waiting for a worker")
		return
	}

	line := fmt.Sprintf("  %s %3d%% | %s | %s",
		bar(t.Progress), t.Progress, t.CurrentStep, p.eta(t.Progress, time.Now()))
	if line == p.last {
		return
	}
	p.last = line
	p.clearLine()
	fmt.Fprint(p.out, line)
}

func bar(pct int) string {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}

	filled := pct * barWidth / 100
	empty := barWidth - filled

	switch {
	case filled == barWidth:
		return "[" + strings.Repeat("=", filled) + "]"
	case filled > 0:
		return "[" + strings.Repeat("=", filled-1) + ">" + strings.Repeat(".", empty) + "]"
	default:
		return "[" + strings.Repeat(".", barWidth) + "]"
	}
}

func (p *progressBar) eta(pct int, now time.Time) string {
	if pct <= 0 || pct >= 100 {
		return "ETA --"
	}

	elapsed := now.Sub(p.started).Seconds()
	if elapsed < 1 {
		return "ETA --"
	}

	remaining := elapsed/(float64(pct)/100) - elapsed
	if remaining < 0 {
		remaining = 0
	}

	if remaining < 60 {
		return fmt.Sprintf("ETA %ds", int(remaining))
	}
	if remaining < 3600 {
		return fmt.Sprintf("ETA %dm%ds", int(remaining)/60, int(remaining)%60)
	}
	return fmt.Sprintf("ETA %dh%dm", int(remaining)/3600, (int(remaining)%3600)/60)
}

func (p *progressBar) clearLine() {
	fmt.Fprintf(p.out, "\r\033[K")
}

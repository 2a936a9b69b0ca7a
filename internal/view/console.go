package view

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"jobwatch/internal/job"
)

const barWidth = 20

// Console writes one line per update to w.
type Console struct {
	mu sync.Mutex
	w  io.Writer
}

// NewConsole creates a console renderer.
func NewConsole(w io.Writer) *Console {
	return &Console{w: w}
}

// RenderJob prints the job's status line.
func (c *Console) RenderJob(jobID string, snapshot job.Job) {
	line := FormatJob(jobID, snapshot)
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.w, line)
}

// Notify prints a notification.
func (c *Console) Notify(message string, level Level) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.w, "[%s] %s\n", level, message)
}

// FormatJob renders a job as "<id> <status> [####----] 40%", followed by the
// duration or error message once it finished.
func FormatJob(jobID string, j job.Job) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-10s %s %3d%%", jobID, j.Status, bar(j.Progress), j.Progress)
	switch j.Status {
	case job.StatusCompleted:
		if j.Duration > 0 {
			fmt.Fprintf(&b, " in %.1fs", float64(j.Duration)/1000)
		}
	case job.StatusFailed:
		if j.Error != nil && j.Error.Message != "" {
			b.WriteString(" error: ")
			b.WriteString(j.Error.Message)
		}
	}
	return b.String()
}

func bar(progress int) string {
	filled := min(max(progress, 0), 100) * barWidth / 100
	return "[" + strings.Repeat("#", filled) + strings.Repeat("-", barWidth-filled) + "]"
}

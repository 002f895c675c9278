package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"osfleet/internal/pipeline"
)

var (
	colorOK    = lipgloss.Color("#2CD7C7")
	colorWarn  = lipgloss.Color("#F4D03F")
	colorError = lipgloss.Color("#E74C3C")
	colorMuted = lipgloss.Color("#6C7A89")
)

// Progress prints one line per item transition and a closing summary.
// Colour is used only when writing to a terminal.
type Progress struct {
	mu     sync.Mutex
	w      io.Writer
	color  bool
	styles map[pipeline.ItemStatus]lipgloss.Style
	kind   lipgloss.Style
}

// NewProgress returns a printer writing to w.
func NewProgress(w io.Writer) *Progress {
	color := false
	if f, ok := w.(*os.File); ok {
		color = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return &Progress{
		w:     w,
		color: color,
		styles: map[pipeline.ItemStatus]lipgloss.Style{
			pipeline.ItemStarted:   lipgloss.NewStyle().Foreground(colorMuted),
			pipeline.ItemSkipped:   lipgloss.NewStyle().Foreground(colorMuted),
			pipeline.ItemSucceeded: lipgloss.NewStyle().Foreground(colorOK).Bold(true),
			pipeline.ItemFailed:    lipgloss.NewStyle().Foreground(colorError).Bold(true),
			pipeline.ItemTimedOut:  lipgloss.NewStyle().Foreground(colorError),
			pipeline.ItemAbandoned: lipgloss.NewStyle().Foreground(colorWarn),
		},
		kind: lipgloss.NewStyle().Bold(true),
	}
}

func (p *Progress) render(style lipgloss.Style, s string) string {
	if !p.color {
		return s
	}
	return style.Render(s)
}

// Emit prints the event as a progress line.
func (p *Progress) Emit(_ context.Context, ev pipeline.Event) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-9s %s/%s",
		p.render(p.kind, "["+ev.Kind+"]"),
		p.render(p.styles[ev.Status], string(ev.Status)),
		ev.Tenant, ev.Name)
	if ev.Err != nil {
		fmt.Fprintf(&b, ": %v", ev.Err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, b.String())
}

// Summary prints one line per report.
func (p *Progress) Summary(command string, reports []*pipeline.Report) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintln(p.w, p.render(p.kind, command+" finished"))
	for _, r := range reports {
		status := p.render(p.styles[pipeline.ItemSucceeded], "ok")
		if !r.OK() {
			status = p.render(p.styles[pipeline.ItemFailed], "incomplete")
		}
		fmt.Fprintf(p.w, "  %-16s %-10s %s succeeded=%d failed=%d timedout=%d skipped=%d abandoned=%d\n",
			r.Kind, r.Tenant, status,
			r.Count(pipeline.ItemSucceeded), r.Count(pipeline.ItemFailed), r.Count(pipeline.ItemTimedOut),
			r.Count(pipeline.ItemSkipped), r.Count(pipeline.ItemAbandoned))
		for _, name := range r.Items(pipeline.ItemFailed) {
			fmt.Fprintf(p.w, "    %s %s\n", p.render(p.styles[pipeline.ItemFailed], "failed"), name)
		}
		for _, name := range r.Items(pipeline.ItemTimedOut) {
			fmt.Fprintf(p.w, "    %s %s\n", p.render(p.styles[pipeline.ItemTimedOut], "timedout"), name)
		}
	}
}

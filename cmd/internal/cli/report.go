package cli

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/charmbracelet/lipgloss"
)

// report renders operator output. Colour follows the writer: a pipe or a
// buffer gets plain text.
type report struct {
	w io.Writer

	section lipgloss.Style
	ok      lipgloss.Style
	warn    lipgloss.Style
	fail    lipgloss.Style
	dim     lipgloss.Style
}

func newReport(w io.Writer) *report {
	r := lipgloss.NewRenderer(w)
	return &report{
		w:       w,
		section: r.NewStyle().Foreground(lipgloss.Color("62")).Bold(true).Underline(true),
		ok:      r.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
		warn:    r.NewStyle().Foreground(lipgloss.Color("214")).Bold(true),
		fail:    r.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
		dim:     r.NewStyle().Foreground(lipgloss.Color("243")),
	}
}

func (r *report) title(s string) { fmt.Fprintln(r.w, r.section.Render(s)) }

func (r *report) pass(label, detail string) {
	fmt.Fprintf(r.w, "%s %s %s\n", r.ok.Render("PASS"), label, r.dim.Render(detail))
}

func (r *report) skip(label, detail string) {
	fmt.Fprintf(r.w, "%s %s %s\n", r.warn.Render("SKIP"), label, r.dim.Render(detail))
}

func (r *report) failed(label string, err error) {
	fmt.Fprintf(r.w, "%s %s %s\n", r.fail.Render("FAIL"), label, r.dim.Render(err.Error()))
}

// quietLogger keeps client logs out of the report unless verbose is set.
func quietLogger(w io.Writer, verbose bool) *slog.Logger {
	if !verbose {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

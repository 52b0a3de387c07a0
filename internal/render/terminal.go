package render

import (
	"fmt"
	"html/template"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/lipgloss"

	"ai-summary/internal/models"
)

// Styles used by the terminal view.
type Styles struct {
	Thinking  lipgloss.Style
	Completed lipgloss.Style
	Stopped   lipgloss.Style
	Failed    lipgloss.Style
	Hint      lipgloss.Style
}

// NewStyles returns the default terminal palette.
func NewStyles() Styles {
	return Styles{
		Thinking:  lipgloss.NewStyle().Foreground(lipgloss.ANSIColor(8)).Italic(true),
		Completed: lipgloss.NewStyle().Foreground(lipgloss.ANSIColor(10)),
		Stopped:   lipgloss.NewStyle().Foreground(lipgloss.ANSIColor(11)),
		Failed:    lipgloss.NewStyle().Foreground(lipgloss.ANSIColor(9)).Bold(true),
		Hint:      lipgloss.NewStyle().Foreground(lipgloss.ANSIColor(8)),
	}
}

// TerminalView streams the answer to a terminal, printing only text that was
// not printed before, and closes with a status footer.
type TerminalView struct {
	out    io.Writer
	styles Styles

	printed      string
	thinkingNote bool
	last         Frame
}

// NewTerminalView writes to out.
func NewTerminalView(out io.Writer) *TerminalView {
	return &TerminalView{out: out, styles: NewStyles()}
}

func (v *TerminalView) Show(frame Frame) {
	if frame.Phase == models.PhaseThinkingOpen && !v.thinkingNote {
		fmt.Fprintln(v.out, v.styles.Thinking.Render("thinking…"))
		v.thinkingNote = true
	}

	switch {
	case strings.HasPrefix(frame.Answer, v.printed):
		io.WriteString(v.out, frame.Answer[len(v.printed):])
	default:
		// The splitter rewrote text already on screen.
		fmt.Fprint(v.out, "\n", frame.Answer)
	}
	v.printed = frame.Answer
	v.last = frame

	if frame.Final() {
		if v.printed != "" {
			fmt.Fprintln(v.out)
		}
		fmt.Fprintln(v.out, v.footer(frame))
	}
}

// Last returns the most recent frame shown.
func (v *TerminalView) Last() Frame {
	return v.last
}

func (v *TerminalView) footer(frame Frame) string {
	switch frame.Status {
	case StatusFailed:
		msg := v.styles.Failed.Render("✗ " + frame.Message)
		if frame.Remediation != "" {
			msg += "\n" + v.styles.Hint.Render(frame.Remediation)
		}
		return msg
	case StatusStopped:
		return v.styles.Stopped.Render("■ stopped, partial answer" + resultSummary(frame.Result))
	default:
		return v.styles.Completed.Render("✓ done" + resultSummary(frame.Result))
	}
}

func resultSummary(r *models.Result) string {
	if r == nil {
		return ""
	}
	parts := []string{r.Model, r.Duration().Round(10 * time.Millisecond).String(), fmt.Sprintf("%d chars", r.OutputLength)}
	if r.Usage != nil && r.Usage.TotalTokens > 0 {
		parts = append(parts, fmt.Sprintf("%d tokens", r.Usage.TotalTokens))
	}
	return " · " + strings.Join(parts, " · ")
}

var exportTemplate = template.Must(template.New("export").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>AI summary{{if .Source}}: {{.Source}}{{end}}</title>
</head>
<body>
<header>
{{- if .Source}}<p>Source: {{.Source}}</p>{{end}}
{{- if .Model}}<p>Model: {{.Model}}</p>{{end}}
{{- if .Generated}}<p>Generated: {{.Generated}}</p>{{end}}
{{- if .Stopped}}<p><em>Stopped before the answer was complete.</em></p>{{end}}
</header>
{{- if .Thinking}}
<details><summary>Thinking ({{.ThinkingLength}} chars)</summary><pre>{{.Thinking}}</pre></details>
{{- end}}
<main>
{{.Body}}
</main>
</body>
</html>
`))

type exportData struct {
	Source         string
	Model          string
	Generated      string
	Stopped        bool
	Thinking       string
	ThinkingLength int
	Body           template.HTML
}

// ExportHTML writes frame as a standalone HTML document. frame.HTML is
// inserted as is; everything else is escaped.
func ExportHTML(w io.Writer, frame Frame) error {
	data := exportData{
		Stopped:        frame.Status == StatusStopped,
		Thinking:       frame.Thinking,
		ThinkingLength: utf8.RuneCountInString(frame.Thinking),
		Body:           template.HTML(frame.HTML),
	}
	if frame.Result != nil {
		data.Source = frame.Result.Source
		data.Model = frame.Result.Model
		if !frame.Result.FinishedAt.IsZero() {
			data.Generated = frame.Result.FinishedAt.Format("2006-01-02 15:04:05")
		}
	}
	if err := exportTemplate.Execute(w, data); err != nil {
		return fmt.Errorf("export html: %w", err)
	}
	return nil
}

package render

import (
	"bytes"
	"fmt"
	"html"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"
)

// Renderer turns markdown into an HTML fragment.
type Renderer interface {
	Render(markdown string) (string, error)
}

// Markdown renders GitHub-flavoured markdown. Raw HTML in the input is
// escaped, not passed through.
type Markdown struct {
	md goldmark.Markdown
}

// NewMarkdown returns a GFM renderer.
func NewMarkdown() *Markdown {
	return &Markdown{
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(gmhtml.WithHardWraps()),
		),
	}
}

func (m *Markdown) Render(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := m.md.Convert([]byte(markdown), &buf); err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	return buf.String(), nil
}

// PlainText renders escaped text with line breaks preserved.
func PlainText(text string) string {
	if text == "" {
		return ""
	}
	return "<p>" + strings.ReplaceAll(html.EscapeString(text), "\n", "<br>\n") + "</p>\n"
}

// toHTML renders with r and falls back to PlainText when r is nil, fails or
// panics. It never fails itself.
func toHTML(r Renderer, text string) (out string, fellBack bool) {
	if r == nil {
		return PlainText(text), true
	}
	defer func() {
		if recover() != nil {
			out, fellBack = PlainText(text), true
		}
	}()
	rendered, err := r.Render(text)
	if err != nil {
		return PlainText(text), true
	}
	return rendered, false
}

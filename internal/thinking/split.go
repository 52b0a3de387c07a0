// Package thinking separates inline <thinking> blocks from the answer text.
package thinking

import (
	"strings"

	"ai-summary/internal/models"
)

const (
	openTag  = "<thinking>"
	closeTag = "</thinking>"
)

// Split is the view of accumulated text after tag extraction.
type Split struct {
	Thinking string
	Answer   string
	Phase    models.Phase
}

// Snapshot converts the split into a delta snapshot.
func (s Split) Snapshot() models.Snapshot {
	return models.Snapshot{Answer: s.Answer, Thinking: s.Thinking, Phase: s.Phase}
}

// SplitText classifies the entire accumulated text. Only the first thinking
// block is extracted; anything after its closing tag belongs to the answer.
func SplitText(text string) Split {
	start := strings.Index(text, openTag)
	if start < 0 {
		return Split{Answer: strings.TrimSpace(text), Phase: models.PhaseAnswerOnly}
	}

	body := text[start+len(openTag):]
	end := strings.Index(body, closeTag)
	if end < 0 {
		return Split{Thinking: strings.TrimSpace(body), Phase: models.PhaseThinkingOpen}
	}

	return Split{
		Thinking: strings.TrimSpace(body[:end]),
		Answer:   strings.TrimSpace(text[:start] + body[end+len(closeTag):]),
		Phase:    models.PhaseThinkingClosed,
	}
}

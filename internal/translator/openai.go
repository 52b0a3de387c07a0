package translator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	openai "github.com/sashabaranov/go-openai"

	"ai-summary/internal/models"
)

// NoContentText replaces an empty non-streaming answer.
const NoContentText = "no content returned"

const maxErrorDetail = 512

var errNoChoices = errors.New("response did not include choices")

// ChatPayload is the chat-completion request body. Stream is always
// serialized, unlike openai.ChatCompletionRequest which omits false.
type ChatPayload struct {
	Model    string                         `json:"model"`
	Messages []openai.ChatCompletionMessage `json:"messages"`
	Stream   bool                           `json:"stream"`
}

// BuildChatPayload builds the single-turn request: the system prompt followed
// by the page text as the user message.
func BuildChatPayload(model, systemPrompt, text string, stream bool) ChatPayload {
	return ChatPayload{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
		Stream: stream,
	}
}

// Fragment is one piece of text extracted from a stream event.
type Fragment struct {
	Kind models.DeltaKind
	Text string
}

// DecodeError reports a stream event whose payload is not valid JSON.
type DecodeError struct {
	Payload string
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode stream event: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

type streamEvent struct {
	Choices []struct {
		Delta streamDelta `json:"delta"`
	} `json:"choices"`
}

// streamDelta accepts the reasoning field names used by different
// OpenAI-compatible providers.
type streamDelta struct {
	Content          string `json:"content"`
	Thinking         string `json:"thinking"`
	ReasoningContent string `json:"reasoning_content"`
	Reasoning        string `json:"reasoning"`
}

func (d streamDelta) thinking() string {
	switch {
	case d.Thinking != "":
		return d.Thinking
	case d.ReasoningContent != "":
		return d.ReasoningContent
	default:
		return d.Reasoning
	}
}

// ExtractDeltas decodes one stream event and returns its content and thinking
// fragments, content first. Events without either field yield nothing.
func ExtractDeltas(payload []byte) ([]Fragment, error) {
	var event streamEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, &DecodeError{Payload: string(payload), Err: err}
	}
	if len(event.Choices) == 0 {
		return nil, nil
	}

	delta := event.Choices[0].Delta
	var out []Fragment
	if delta.Content != "" {
		out = append(out, Fragment{Kind: models.DeltaContent, Text: delta.Content})
	}
	if thinking := delta.thinking(); thinking != "" {
		out = append(out, Fragment{Kind: models.DeltaThinking, Text: thinking})
	}
	return out, nil
}

// FullResponse is the decoded non-streaming reply.
type FullResponse struct {
	Content string
	Model   string
	Usage   *models.Usage
}

// ParseFullResponse decodes a non-streaming chat-completion body.
func ParseFullResponse(body []byte) (FullResponse, error) {
	var resp openai.ChatCompletionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return FullResponse{}, fmt.Errorf("decode chat response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return FullResponse{Content: NoContentText, Model: resp.Model}, nil
	}

	out := FullResponse{
		Content: resp.Choices[0].Message.Content,
		Model:   resp.Model,
	}
	if strings.TrimSpace(out.Content) == "" {
		out.Content = NoContentText
	}
	if resp.Usage.TotalTokens != 0 || resp.Usage.PromptTokens != 0 || resp.Usage.CompletionTokens != 0 {
		out.Usage = &models.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	return out, nil
}

// ParseAPIError extracts a readable detail from an error response body. It
// returns "" when the body carries nothing useful.
func ParseAPIError(body []byte) string {
	var apiErr openai.ErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error != nil && apiErr.Error.Message != "" {
		if apiErr.Error.Type != "" {
			return fmt.Sprintf("%s (%s)", apiErr.Error.Message, apiErr.Error.Type)
		}
		return apiErr.Error.Message
	}

	detail := strings.TrimSpace(string(body))
	if len(detail) > maxErrorDetail {
		cut := maxErrorDetail
		for cut > 0 && !utf8.RuneStart(detail[cut]) {
			cut--
		}
		detail = detail[:cut] + "…"
	}
	return detail
}

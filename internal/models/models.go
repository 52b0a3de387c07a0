package models

import "time"

// Phase describes where the splitter found the accumulated text.
type Phase string

const (
	PhaseAnswerOnly     Phase = "answer-only"
	PhaseThinkingOpen   Phase = "thinking-open"
	PhaseThinkingClosed Phase = "thinking-closed"
)

// DeltaKind tags a Delta.
type DeltaKind string

const (
	DeltaContent  DeltaKind = "content"
	DeltaThinking DeltaKind = "thinking"
	DeltaEnd      DeltaKind = "end"
	DeltaError    DeltaKind = "error"
)

// Snapshot is the split view of a session at the moment a delta was emitted.
type Snapshot struct {
	Answer   string `json:"answer"`
	Thinking string `json:"thinking"`
	Phase    Phase  `json:"phase"`
}

// Delta is one incremental update of a session. Seq increases by one per
// delta within a session.
type Delta struct {
	SessionID string     `json:"session_id"`
	Seq       uint64     `json:"seq"`
	Kind      DeltaKind  `json:"kind"`
	Text      string     `json:"text,omitempty"`
	Snapshot  Snapshot   `json:"snapshot"`
	Result    *Result    `json:"result,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
}

// Terminal reports whether the delta ends its session.
func (d Delta) Terminal() bool {
	return d.Kind == DeltaEnd || d.Kind == DeltaError
}

// ErrorInfo is the user-facing part of a failed session.
type ErrorInfo struct {
	Category    string `json:"category"`
	Status      int    `json:"status,omitempty"`
	Message     string `json:"message"`
	Remediation string `json:"remediation,omitempty"`
}

// Outcome is how a session that produced a result ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeCancelled Outcome = "cancelled"
)

// Input is the text submitted for summarization.
type Input struct {
	Text   string `json:"text"`
	Source string `json:"source,omitempty"`
}

// Usage records token accounting information.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Result captures a finished session together with its metadata.
type Result struct {
	SessionID    string    `json:"session_id"`
	Answer       string    `json:"answer"`
	Thinking     string    `json:"thinking,omitempty"`
	Source       string    `json:"source,omitempty"`
	Model        string    `json:"model"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	InputLength  int       `json:"input_length"`
	OutputLength int       `json:"output_length"`
	Outcome      Outcome   `json:"outcome"`
	Incomplete   bool      `json:"incomplete,omitempty"`
	Usage        *Usage    `json:"usage,omitempty"`
}

// Duration is the wall time between the request start and finalization.
func (r Result) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

package summarizer

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"github.com/google/uuid"

	"ai-summary/internal/models"
	"ai-summary/internal/thinking"
)

// State is a step of the orchestrator state machine.
type State string

const (
	StateIdle             State = "idle"
	StateBuilding         State = "building"
	StateSending          State = "sending"
	StateStreaming        State = "streaming"
	StateAwaitingFullBody State = "awaiting-full-body"
	StateCompleted        State = "completed"
	StateCancelled        State = "cancelled"
	StateFailed           State = "failed"
)

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// Session is the live state of one summarization. Only the orchestrator
// mutates the accumulated text; everything else sees copies through deltas.
type Session struct {
	id    string
	input models.Input

	cancelled atomic.Bool
	done      chan struct{}

	mu       sync.Mutex
	state    State
	abort    context.CancelFunc
	content  strings.Builder
	thinking strings.Builder
	split    thinking.Split
	seq      uint64
}

// NewSession creates an idle session for input.
func NewSession(input models.Input) *Session {
	return &Session{
		id:    uuid.NewString(),
		input: input,
		done:  make(chan struct{}),
		state: StateIdle,
		split: thinking.Split{Phase: models.PhaseAnswerOnly},
	}
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Input() models.Input {
	return s.input
}

// State returns the current orchestrator state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Cancel raises the stop flag. If the session is streaming the in-flight read
// is aborted as well; otherwise the flag is observed once streaming starts.
// Cancel never blocks and may be called any number of times.
func (s *Session) Cancel() {
	if s.cancelled.Swap(true) {
		return
	}
	s.mu.Lock()
	abort := s.abort
	s.mu.Unlock()
	if abort != nil {
		abort()
	}
}

// Cancelled reports whether a stop was requested.
func (s *Session) Cancelled() bool {
	return s.cancelled.Load()
}

// Snapshot returns the current split view.
func (s *Session) Snapshot() models.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// begin moves an idle session to building and reports whether it did.
func (s *Session) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return false
	}
	s.state = StateBuilding
	return true
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// startStreaming records the abort hook and moves to streaming. A stop that
// arrived earlier is picked up by the first loop iteration.
func (s *Session) startStreaming(abort context.CancelFunc) {
	s.mu.Lock()
	s.state = StateStreaming
	s.abort = abort
	s.mu.Unlock()
}

// finish moves to a terminal state exactly once and reports whether this call
// did it.
func (s *Session) finish(state State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return false
	}
	s.state = state
	s.abort = nil
	close(s.done)
	return true
}

func (s *Session) appendContent(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.content.WriteString(text)
	s.split = thinking.SplitText(s.content.String())
}

func (s *Session) appendThinking(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.thinking.WriteString(text)
}

// setContent replaces the accumulated content with a complete answer.
func (s *Session) setContent(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.content.Reset()
	s.content.WriteString(text)
	s.split = thinking.SplitText(text)
}

func (s *Session) nextDelta(kind models.DeltaKind, text string) models.Delta {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return models.Delta{
		SessionID: s.id,
		Seq:       s.seq,
		Kind:      kind,
		Text:      text,
		Snapshot:  s.snapshotLocked(),
	}
}

func (s *Session) emitted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq > 0
}

func (s *Session) rawContent() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.content.String()
}

func (s *Session) outputLength() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return utf8.RuneCountInString(s.content.String())
}

// snapshotLocked joins structured thinking with the thinking block found in
// the content.
func (s *Session) snapshotLocked() models.Snapshot {
	snap := s.split.Snapshot()
	structured := strings.TrimSpace(s.thinking.String())
	switch {
	case structured == "":
	case snap.Thinking == "":
		snap.Thinking = structured
	default:
		snap.Thinking = structured + "\n\n" + snap.Thinking
	}
	return snap
}

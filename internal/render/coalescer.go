// Package render bounds how often a session is drawn. Deltas update the
// latest state immediately; drawing happens at most once per frame, plus one
// forced draw when the session ends.
package render

import (
	"sync"

	"go.uber.org/zap"

	"ai-summary/internal/logging"
	"ai-summary/internal/models"
)

// Status is the visual state of a frame.
type Status string

const (
	StatusStreaming Status = "streaming"
	StatusCompleted Status = "completed"
	StatusStopped   Status = "stopped"
	StatusFailed    Status = "failed"
)

// Frame is what a View draws.
type Frame struct {
	SessionID   string
	Answer      string
	HTML        string
	Thinking    string
	Phase       models.Phase
	Status      Status
	Message     string
	Remediation string
	Result      *models.Result
}

// Final reports whether no frame follows this one.
func (f Frame) Final() bool {
	return f.Status != StatusStreaming
}

// View draws frames. Show is never called concurrently.
type View interface {
	Show(frame Frame)
}

// ViewFunc adapts a function to View.
type ViewFunc func(Frame)

func (f ViewFunc) Show(frame Frame) { f(frame) }

// State is the coalescer's render bookkeeping.
type State struct {
	LastRendered string
	Pending      bool
	Renders      int
	Finished     bool
}

// Coalescer collapses bursts of deltas into one render per frame.
type Coalescer struct {
	view      View
	renderer  Renderer
	scheduler Scheduler
	logger    *zap.Logger

	mu        sync.Mutex
	sessionID string
	latest    models.Snapshot
	pending   bool
	cancel    func()
	finished  bool

	renderMu      sync.Mutex
	finalRendered bool
	lastRendered  string
	renders       int
}

// NewCoalescer builds a coalescer. A nil renderer renders escaped plain text;
// a nil scheduler uses the default frame interval.
func NewCoalescer(view View, renderer Renderer, scheduler Scheduler, logger *zap.Logger) *Coalescer {
	if scheduler == nil {
		scheduler = NewFrameScheduler(DefaultFrameInterval)
	}
	return &Coalescer{
		view:      view,
		renderer:  renderer,
		scheduler: scheduler,
		logger:    logging.OrNop(logger),
	}
}

// Apply records delta and schedules a render. A terminal delta renders
// synchronously; deltas after the session finished are ignored.
func (c *Coalescer) Apply(delta models.Delta) {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	c.sessionID = delta.SessionID
	c.latest = delta.Snapshot

	if !delta.Terminal() {
		if !c.pending {
			c.pending = true
			c.cancel = c.scheduler.Schedule(c.flush)
		}
		c.mu.Unlock()
		return
	}

	frame := c.finishLocked(terminalStatus(delta))
	if delta.Kind == models.DeltaError && delta.Error != nil {
		frame.Message = delta.Error.Message
		frame.Remediation = delta.Error.Remediation
	}
	frame.Result = delta.Result
	c.mu.Unlock()

	c.render(frame)
}

// Finish ends the session locally with status, typically StatusStopped after
// the user pressed stop, and renders the accumulated state synchronously. It
// has no effect after the session already finished.
func (c *Coalescer) Finish(status Status, message string) {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	frame := c.finishLocked(status)
	frame.Message = message
	c.mu.Unlock()

	c.render(frame)
}

// Reset prepares the coalescer for a new session.
func (c *Coalescer) Reset() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.sessionID = ""
	c.latest = models.Snapshot{}
	c.pending = false
	c.cancel = nil
	c.finished = false
	c.mu.Unlock()

	c.renderMu.Lock()
	c.finalRendered = false
	c.lastRendered = ""
	c.renderMu.Unlock()
}

// State reports the render bookkeeping.
func (c *Coalescer) State() State {
	c.mu.Lock()
	pending, finished := c.pending, c.finished
	c.mu.Unlock()

	c.renderMu.Lock()
	defer c.renderMu.Unlock()
	return State{
		LastRendered: c.lastRendered,
		Pending:      pending,
		Renders:      c.renders,
		Finished:     finished,
	}
}

func (c *Coalescer) finishLocked(status Status) Frame {
	c.finished = true
	c.pending = false
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	return c.frameLocked(status)
}

func (c *Coalescer) frameLocked(status Status) Frame {
	return Frame{
		SessionID: c.sessionID,
		Answer:    c.latest.Answer,
		Thinking:  c.latest.Thinking,
		Phase:     c.latest.Phase,
		Status:    status,
	}
}

func (c *Coalescer) flush() {
	c.mu.Lock()
	if !c.pending || c.finished {
		c.mu.Unlock()
		return
	}
	c.pending = false
	c.cancel = nil
	frame := c.frameLocked(StatusStreaming)
	c.mu.Unlock()

	c.render(frame)
}

func (c *Coalescer) render(frame Frame) {
	c.renderMu.Lock()
	defer c.renderMu.Unlock()

	if c.finalRendered {
		return
	}
	if frame.Final() {
		c.finalRendered = true
	}

	var fellBack bool
	frame.HTML, fellBack = toHTML(c.renderer, frame.Answer)
	if fellBack && c.renderer != nil {
		c.logger.Debug("markdown rendering failed, showing plain text", zap.String("session_id", frame.SessionID))
	}

	c.view.Show(frame)
	c.lastRendered = frame.Answer
	c.renders++
}

func terminalStatus(delta models.Delta) Status {
	if delta.Kind == models.DeltaError {
		return StatusFailed
	}
	if delta.Result != nil && delta.Result.Outcome == models.OutcomeCancelled {
		return StatusStopped
	}
	return StatusCompleted
}

package relay

import (
	"sync"

	"go.uber.org/zap"

	"ai-summary/internal/logging"
	"ai-summary/internal/models"
)

// Channel is the producer end of one session.
type Channel struct {
	transport   Transport
	sessionID   string
	logger      *zap.Logger
	unsubscribe func()
	closeOnce   sync.Once
}

// Open subscribes a producer channel for sessionID. onStop runs when a stop
// envelope for this session arrives; it may be nil.
func Open(t Transport, sessionID string, onStop func(), logger *zap.Logger) *Channel {
	c := &Channel{
		transport: t,
		sessionID: sessionID,
		logger:    logging.OrNop(logger).With(zap.String("session_id", sessionID)),
	}
	c.unsubscribe = t.Subscribe(func(env Envelope) {
		if env.Kind != KindStop || env.SessionID != sessionID {
			return
		}
		c.logger.Debug("stop requested")
		if onStop != nil {
			onStop()
		}
	})
	return c
}

// Emit wraps delta in an envelope and sends it. Delivery failures are logged
// and otherwise ignored.
func (c *Channel) Emit(delta models.Delta) {
	d := delta
	if err := c.transport.Send(Envelope{SessionID: c.sessionID, Kind: KindDelta, Delta: &d}); err != nil {
		c.logger.Debug("delta not delivered", zap.Uint64("seq", delta.Seq), zap.Error(err))
	}
}

// Close releases the subscription. Safe to call more than once.
func (c *Channel) Close() {
	c.closeOnce.Do(c.unsubscribe)
}

// Listener is the consumer end. It follows at most one session at a time and
// drops envelopes for any other session.
type Listener struct {
	transport   Transport
	deliver     func(models.Delta)
	logger      *zap.Logger
	unsubscribe func()
	closeOnce   sync.Once

	mu      sync.Mutex
	session string
}

// Listen subscribes a listener that passes deltas of the attached session to
// deliver. deliver runs with the listener locked and must not call back into it.
func Listen(t Transport, deliver func(models.Delta), logger *zap.Logger) *Listener {
	l := &Listener{
		transport: t,
		deliver:   deliver,
		logger:    logging.OrNop(logger),
	}
	l.unsubscribe = t.Subscribe(l.handle)
	return l
}

// Attach starts following sessionID, replacing any previous session.
func (l *Listener) Attach(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session != "" && l.session != sessionID {
		l.logger.Debug("listener superseded", zap.String("previous", l.session), zap.String("session_id", sessionID))
	}
	l.session = sessionID
}

// Session returns the attached session id, or "".
func (l *Listener) Session() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.session
}

// Detach stops following the current session without asking it to stop.
func (l *Listener) Detach() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.session
	l.session = ""
	return id
}

// Stop detaches and sends a stop request for the session it was following.
// It does not wait for the producer: once Stop returns no further delta of
// that session is delivered.
func (l *Listener) Stop() {
	id := l.Detach()
	if id == "" {
		return
	}
	if err := l.transport.Send(Envelope{SessionID: id, Kind: KindStop}); err != nil {
		l.logger.Debug("stop not delivered", zap.String("session_id", id), zap.Error(err))
	}
}

// Close releases the subscription. Safe to call more than once.
func (l *Listener) Close() {
	l.closeOnce.Do(l.unsubscribe)
}

func (l *Listener) handle(env Envelope) {
	if env.Kind != KindDelta || env.Delta == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if env.SessionID != l.session {
		return
	}
	l.deliver(*env.Delta)
}

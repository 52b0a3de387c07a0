package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"ai-summary/internal/models"
	"ai-summary/internal/relay"
	"ai-summary/internal/summarizer"
)

type summaryRequest struct {
	Text     string `json:"text"`
	Source   string `json:"source"`
	Consumer string `json:"consumer"`
}

type checkResponse struct {
	OK          bool   `json:"ok"`
	Reply       string `json:"reply,omitempty"`
	Category    string `json:"category,omitempty"`
	Status      int    `json:"status,omitempty"`
	Message     string `json:"message,omitempty"`
	Remediation string `json:"remediation,omitempty"`
}

// handleCreateSummary starts a session and streams its deltas as SSE events
// until the session ends or the client goes away.
func (s *Server) handleCreateSummary(c echo.Context) error {
	var req summaryRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}
	if strings.TrimSpace(req.Text) == "" {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: "text must not be empty",
			Type:    "invalid_request_error",
			Code:    "empty_text",
		}
	}

	flusher, ok := c.Response().Writer.(http.Flusher)
	if !ok {
		s.logger.Error("http writer does not support flushing")
		return requestError{
			Status:  http.StatusInternalServerError,
			Message: "server does not support streaming responses",
			Type:    "server_error",
		}
	}

	sess := summarizer.NewSession(models.Input{Text: req.Text, Source: req.Source})
	logger := s.logger.With(zap.String("session_id", sess.ID()))

	out := &sseWriter{w: c.Response().Writer, flusher: flusher, logger: logger}
	listener := relay.Listen(s.bus, func(d models.Delta) {
		out.event("delta", relay.Envelope{SessionID: d.SessionID, Kind: relay.KindDelta, Delta: &d})
	}, logger)
	defer listener.Close()
	listener.Attach(sess.ID())

	superseded, err := s.sessions.Begin(req.Consumer, sess)
	if err != nil {
		return err
	}
	if superseded != nil {
		logger.Info("superseded previous session", zap.String("previous", superseded.ID()))
	}

	ch := relay.Open(s.bus, sess.ID(), sess.Cancel, logger)
	start := make(chan struct{})
	done := make(chan struct{})
	err = s.pool.Submit(func() {
		defer close(done)
		s.runSession(start, sess, ch)
	})
	if err != nil {
		ch.Close()
		s.sessions.End(sess.ID())
		if errors.Is(err, ants.ErrPoolOverload) {
			return requestError{
				Status:  http.StatusServiceUnavailable,
				Message: "too many summaries in progress, try again shortly",
				Type:    "server_busy",
				Code:    "pool_overload",
			}
		}
		return requestError{
			Status:  http.StatusServiceUnavailable,
			Message: err.Error(),
			Type:    "server_error",
		}
	}

	header := c.Response().Header()
	header.Set(echo.HeaderContentType, "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	header.Set(headerSessionID, sess.ID())
	c.Response().WriteHeader(http.StatusOK)
	flusher.Flush()
	close(start)

	heartbeat := time.NewTicker(s.cfg.Server.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-done:
			return nil
		case <-c.Request().Context().Done():
			logger.Info("client disconnected, stopping session")
			listener.Stop()
			return nil
		case <-heartbeat.C:
			out.comment("heartbeat")
		}
	}
}

// runSession is executed on the worker pool once the response headers are
// out. ch stops the session when a stop envelope for it arrives.
func (s *Server) runSession(start <-chan struct{}, sess *summarizer.Session, ch *relay.Channel) {
	defer ch.Close()
	defer s.sessions.End(sess.ID())

	<-start

	result, err := s.summarizer.Run(s.baseCtx, s.cfg.Summary, sess, ch)
	if err != nil {
		return
	}
	if result.Outcome == models.OutcomeCompleted {
		s.sessions.SetLast(result)
	}
}

func (s *Server) handleStopSummary(c echo.Context) error {
	id := c.Param("id")
	if _, err := s.sessions.Lookup(id); err != nil {
		return requestError{
			Status:  http.StatusNotFound,
			Message: err.Error(),
			Type:    "not_found",
			Code:    "unknown_session",
		}
	}

	if err := s.bus.Send(relay.Envelope{SessionID: id, Kind: relay.KindStop}); err != nil {
		s.logger.Debug("stop not delivered", zap.String("session_id", id), zap.Error(err))
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "stopping", "session_id": id})
}

func (s *Server) handleLastSummary(c echo.Context) error {
	last := s.sessions.Last()
	if last == nil {
		return requestError{
			Status:  http.StatusNotFound,
			Message: "no summary has completed yet",
			Type:    "not_found",
			Code:    "no_result",
		}
	}
	return c.JSON(http.StatusOK, last)
}

func (s *Server) handleCheck(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), s.cfg.Summary.Timeout+5*time.Second)
	defer cancel()

	reply, err := s.summarizer.Check(ctx, s.cfg.Summary)
	if err == nil {
		return c.JSON(http.StatusOK, checkResponse{OK: true, Reply: reply})
	}

	resp := checkResponse{Message: err.Error()}
	var serr *summarizer.Error
	if errors.As(err, &serr) {
		resp.Category = string(serr.Category)
		resp.Status = serr.Status
		resp.Remediation = serr.Remediation
	}
	return c.JSON(http.StatusOK, resp)
}

// sseWriter serialises writes from the session worker and the heartbeat.
// After the first failed write it drops everything.
type sseWriter struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	logger  *zap.Logger
	failed  bool
}

func (w *sseWriter) event(name string, payload any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failed {
		return
	}
	if err := writeSSEEvent(w.w, name, payload); err != nil {
		w.failed = true
		w.logger.Debug("client went away", zap.Error(err))
		return
	}
	w.flusher.Flush()
}

func (w *sseWriter) comment(text string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failed {
		return
	}
	if _, err := io.WriteString(w.w, ": "+text+"\n\n"); err != nil {
		w.failed = true
		return
	}
	w.flusher.Flush()
}

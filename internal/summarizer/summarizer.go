// Package summarizer drives one chat-completion request per session: it
// builds the request, classifies failures, decodes the event stream and emits
// ordered deltas until exactly one terminal delta closes the session.
package summarizer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"ai-summary/internal/config"
	"ai-summary/internal/logging"
	"ai-summary/internal/models"
	"ai-summary/internal/sse"
	"ai-summary/internal/translator"
)

const (
	readBufferSize = 4096

	checkSystemPrompt = "You are an assistant."
	checkText         = "This is a short test message used to verify that the API connection works."
)

// ErrSessionStarted is returned when Run is called twice for one session.
var ErrSessionStarted = errors.New("session already started")

// Sink receives the deltas of one session in emission order.
type Sink interface {
	Emit(delta models.Delta)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(models.Delta)

func (f SinkFunc) Emit(delta models.Delta) { f(delta) }

// Summarizer issues chat-completion requests and runs the decode loop.
type Summarizer struct {
	client *http.Client
	logger *zap.Logger
	now    func() time.Time
}

// Option customises a Summarizer.
type Option func(*Summarizer)

// WithClock overrides the clock used for result timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Summarizer) {
		s.now = now
	}
}

// New constructs a Summarizer. A nil client gets NewHTTPClient's defaults.
func New(client *http.Client, logger *zap.Logger, opts ...Option) *Summarizer {
	s := &Summarizer{
		client: client,
		logger: logging.OrNop(logger),
		now:    time.Now,
	}
	if s.client == nil {
		s.client = NewHTTPClient(30 * time.Second)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run executes the session to a terminal state. Every delta, including exactly
// one terminal delta, is passed to sink before Run returns.
//
// A completed or cancelled session returns its result and a nil error; a
// cancelled result is marked incomplete. A failed session returns *Error.
func (s *Summarizer) Run(ctx context.Context, cfg config.RequestConfig, sess *Session, sink Sink) (*models.Result, error) {
	if !sess.begin() {
		return nil, ErrSessionStarted
	}

	logger := s.logger.With(zap.String("session_id", sess.ID()), zap.String("source", sess.Input().Source))
	started := s.now()

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, s.fail(sess, sink, configError(err), logger)
	}

	payload := translator.BuildChatPayload(cfg.Model, cfg.SystemPrompt, sess.Input().Text, cfg.StreamEnabled())
	url := TargetURL(cfg, logger)

	logger.Info("summary requested",
		zap.String("model", cfg.Model),
		zap.String("bypass_mode", string(cfg.BypassMode)),
		zap.Bool("stream", payload.Stream),
		zap.Int("input_length", utf8.RuneCountInString(sess.Input().Text)))

	sess.setState(StateSending)
	resp, abort, serr := s.send(ctx, cfg, sess, url, payload, logger)
	if serr != nil {
		return nil, s.fail(sess, sink, serr, logger)
	}
	defer abort()
	defer resp.Body.Close()

	if !payload.Stream {
		return s.awaitFullBody(cfg, sess, sink, resp, started, logger)
	}

	sess.startStreaming(abort)
	return s.stream(ctx, cfg, sess, sink, resp.Body, started, logger)
}

// Check sends a fixed non-streaming test message and returns the reply text.
func (s *Summarizer) Check(ctx context.Context, cfg config.RequestConfig) (string, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return "", configError(err)
	}

	payload := translator.BuildChatPayload(cfg.Model, checkSystemPrompt, checkText, false)
	resp, abort, serr := s.attempt(ctx, cfg, TargetURL(cfg, s.logger), payload)
	if serr != nil {
		return "", serr
	}
	defer abort()
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", classifyTransport(err, cfg.BypassMode)
	}
	full, err := translator.ParseFullResponse(body)
	if err != nil {
		return "", &Error{Category: CategoryHTTP, Status: resp.StatusCode, Message: "unreadable response body", Cause: err}
	}
	return full.Content, nil
}

// send performs the request, retrying network and server failures with a
// linear backoff when the configuration allows it. Nothing is retried once a
// delta has been emitted.
func (s *Summarizer) send(ctx context.Context, cfg config.RequestConfig, sess *Session, url string, payload translator.ChatPayload, logger *zap.Logger) (*http.Response, context.CancelFunc, *Error) {
	for attempt := 1; ; attempt++ {
		resp, abort, serr := s.attempt(ctx, cfg, url, payload)
		if serr == nil {
			return resp, abort, nil
		}
		if attempt > cfg.RetryCount || !serr.Category.Retryable() || sess.emitted() {
			return nil, nil, serr
		}

		backoff := cfg.RetryBackoff * time.Duration(attempt)
		logger.Warn("request failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(serr))
		if err := sleepContext(ctx, backoff); err != nil {
			return nil, nil, serr
		}
	}
}

// attempt sends one request. Waiting for the response headers is bounded by
// cfg.Timeout; the body that follows is not.
func (s *Summarizer) attempt(ctx context.Context, cfg config.RequestConfig, url string, payload translator.ChatPayload) (*http.Response, context.CancelFunc, *Error) {
	reqCtx, cancel := context.WithCancelCause(ctx)
	abort := func() { cancel(nil) }

	req, err := newRequest(reqCtx, url, cfg.APIKey, payload, payload.Stream)
	if err != nil {
		abort()
		return nil, nil, &Error{Category: CategoryConfig, Message: "invalid request target", Cause: err}
	}

	headerTimeout := errHeaderTimeout(cfg.Timeout)
	var timer *time.Timer
	if cfg.Timeout > 0 {
		timer = time.AfterFunc(cfg.Timeout, func() { cancel(headerTimeout) })
	}

	resp, err := s.client.Do(req)
	if timer != nil && !timer.Stop() && err == nil {
		// The timer fired after the headers arrived; the body is already dead.
		resp.Body.Close()
		err = headerTimeout
	}
	if err != nil {
		abort()
		if cause := context.Cause(reqCtx); errors.Is(cause, context.DeadlineExceeded) {
			err = cause
		}
		return nil, nil, classifyTransport(err, cfg.BypassMode)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		detail := translator.ParseAPIError(readErrorBody(resp.Body))
		resp.Body.Close()
		abort()
		return nil, nil, classifyStatus(resp.StatusCode, detail)
	}
	return resp, abort, nil
}

func errHeaderTimeout(timeout time.Duration) error {
	return fmt.Errorf("no response headers within %s: %w", timeout, context.DeadlineExceeded)
}

func (s *Summarizer) stream(ctx context.Context, cfg config.RequestConfig, sess *Session, sink Sink, body io.Reader, started time.Time, logger *zap.Logger) (*models.Result, error) {
	var dec sse.Decoder
	buf := make([]byte, readBufferSize)

	for {
		if sess.Cancelled() || ctx.Err() != nil {
			return s.cancel(cfg, sess, sink, started, logger), nil
		}

		n, readErr := body.Read(buf)
		if n > 0 {
			done, stopped := s.consume(dec.Feed(buf[:n]), sess, sink, logger)
			if stopped {
				return s.cancel(cfg, sess, sink, started, logger), nil
			}
			if done {
				return s.complete(cfg, sess, sink, started, nil, logger), nil
			}
		}

		if readErr == nil {
			continue
		}
		if errors.Is(readErr, io.EOF) {
			if _, stopped := s.consume(dec.Flush(), sess, sink, logger); stopped {
				return s.cancel(cfg, sess, sink, started, logger), nil
			}
			return s.complete(cfg, sess, sink, started, nil, logger), nil
		}
		if sess.Cancelled() || ctx.Err() != nil {
			return s.cancel(cfg, sess, sink, started, logger), nil
		}
		serr := classifyTransport(readErr, cfg.BypassMode)
		serr.Message = "stream read failed"
		return nil, s.fail(sess, sink, serr, logger)
	}
}

// consume processes decoded lines in order. It reports done on the
// end-of-stream sentinel and stopped when a stop was observed between lines.
func (s *Summarizer) consume(lines []string, sess *Session, sink Sink, logger *zap.Logger) (done, stopped bool) {
	for _, line := range lines {
		if sess.Cancelled() {
			return false, true
		}
		payload, ok := sse.Payload(line)
		if !ok {
			continue
		}
		if sse.IsDone(payload) {
			return true, false
		}

		fragments, err := translator.ExtractDeltas([]byte(payload))
		if err != nil {
			logger.Debug("dropping undecodable stream event", zap.Error(err))
			continue
		}
		for _, f := range fragments {
			switch f.Kind {
			case models.DeltaContent:
				sess.appendContent(f.Text)
			case models.DeltaThinking:
				sess.appendThinking(f.Text)
			}
			sink.Emit(sess.nextDelta(f.Kind, f.Text))
		}
	}
	return false, false
}

func (s *Summarizer) awaitFullBody(cfg config.RequestConfig, sess *Session, sink Sink, resp *http.Response, started time.Time, logger *zap.Logger) (*models.Result, error) {
	sess.setState(StateAwaitingFullBody)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		serr := classifyTransport(err, cfg.BypassMode)
		serr.Message = "response read failed"
		return nil, s.fail(sess, sink, serr, logger)
	}

	full, err := translator.ParseFullResponse(body)
	if err != nil {
		return nil, s.fail(sess, sink, &Error{
			Category: CategoryHTTP,
			Status:   resp.StatusCode,
			Message:  "unreadable response body",
			Cause:    err,
		}, logger)
	}

	sess.setContent(full.Content)
	return s.complete(cfg, sess, sink, started, full.Usage, logger), nil
}

func (s *Summarizer) complete(cfg config.RequestConfig, sess *Session, sink Sink, started time.Time, usage *models.Usage, logger *zap.Logger) *models.Result {
	result := s.result(cfg, sess, started, models.OutcomeCompleted)
	result.Usage = usage

	end := sess.nextDelta(models.DeltaEnd, sess.rawContent())
	end.Result = result
	sink.Emit(end)
	sess.finish(StateCompleted)

	logger.Info("summary completed",
		zap.Duration("duration", result.Duration()),
		zap.Int("output_length", result.OutputLength))
	return result
}

func (s *Summarizer) cancel(cfg config.RequestConfig, sess *Session, sink Sink, started time.Time, logger *zap.Logger) *models.Result {
	result := s.result(cfg, sess, started, models.OutcomeCancelled)
	result.Incomplete = true

	end := sess.nextDelta(models.DeltaEnd, sess.rawContent())
	end.Result = result
	sink.Emit(end)
	sess.finish(StateCancelled)

	logger.Info("summary stopped", zap.Int("output_length", result.OutputLength))
	return result
}

func (s *Summarizer) fail(sess *Session, sink Sink, serr *Error, logger *zap.Logger) error {
	delta := sess.nextDelta(models.DeltaError, serr.Error())
	delta.Error = serr.Info()
	sink.Emit(delta)
	sess.finish(StateFailed)

	logger.Warn("summary failed",
		zap.String("category", string(serr.Category)),
		zap.Int("status", serr.Status),
		zap.Error(serr))
	return serr
}

func (s *Summarizer) result(cfg config.RequestConfig, sess *Session, started time.Time, outcome models.Outcome) *models.Result {
	snap := sess.Snapshot()
	input := sess.Input()
	return &models.Result{
		SessionID:    sess.ID(),
		Answer:       snap.Answer,
		Thinking:     snap.Thinking,
		Source:       input.Source,
		Model:        cfg.Model,
		StartedAt:    started,
		FinishedAt:   s.now(),
		InputLength:  utf8.RuneCountInString(input.Text),
		OutputLength: sess.outputLength(),
		Outcome:      outcome,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("retry interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

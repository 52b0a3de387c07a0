package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"ai-summary/internal/config"
	"ai-summary/internal/logging"
	"ai-summary/internal/relay"
	"ai-summary/internal/session"
	"ai-summary/internal/summarizer"
)

const (
	maxBodyBytes        = 4 << 20 // 4 MiB
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	idleTimeout         = 120 * time.Second

	headerSessionID = "X-Session-ID"
)

type Server struct {
	cfg        config.Config
	summarizer *summarizer.Summarizer
	sessions   *session.Registry
	bus        *relay.Bus
	pool       *ants.Pool
	proxy      *http.Transport
	logger     *zap.Logger
	app        *echo.Echo
	address    string

	baseCtx context.Context
	stop    context.CancelFunc
}

// New constructs an HTTP server wired with routing and middleware.
func New(cfg config.Config, sum *summarizer.Summarizer, logger *zap.Logger) (*Server, error) {
	if sum == nil {
		return nil, errors.New("summarizer must not be nil")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger = logging.OrNop(logger).Named("server")

	pool, err := ants.NewPool(cfg.Server.MaxSessions,
		ants.WithNonblocking(true),
		ants.WithLogger(antsLogger{logger.Sugar()}),
		ants.WithPanicHandler(func(p any) {
			logger.Error("session worker panicked", zap.Any("panic", p))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create session pool: %w", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = openAIErrorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency: true,
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Info("request",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Int64("latency_ms", v.Latency.Milliseconds()),
				zap.Error(v.Error),
			)
			return nil
		},
	}))
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		HSTSMaxAge:            31536000,
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'; form-action 'none'",
	}))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:  allowedOrigins(cfg.Server.AllowedOrigins),
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{echo.HeaderContentType, echo.HeaderAuthorization, echo.HeaderAccept},
		ExposeHeaders: []string{headerSessionID},
	}))

	baseCtx, stop := context.WithCancel(context.Background())
	srv := &Server{
		cfg:        cfg,
		summarizer: sum,
		sessions:   session.NewRegistry(),
		bus:        relay.NewBus(),
		pool:       pool,
		proxy:      summarizer.NewTransport(cfg.Summary.Timeout),
		logger:     logger,
		app:        e,
		address:    net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		baseCtx:    baseCtx,
		stop:       stop,
	}

	if len(cfg.Server.ProxyHosts) == 0 && !isLoopback(cfg.Server.Host) {
		logger.Warn("proxy route forwards to any host and the listener is not loopback only; set server.proxy_hosts",
			zap.String("host", cfg.Server.Host))
	}

	srv.registerRoutes()

	return srv, nil
}

// Handler exposes the routed echo instance.
func (s *Server) Handler() http.Handler {
	return s.app
}

// Sessions exposes the session registry.
func (s *Server) Sessions() *session.Registry {
	return s.sessions
}

// Close stops every open session and releases the worker pool.
func (s *Server) Close() {
	s.sessions.CancelAll()
	s.stop()
	s.pool.Release()
	s.proxy.CloseIdleConnections()
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	defer s.Close()

	printStartupBanner(s.address)
	s.logger.Info("starting server", zap.String("addr", s.address), zap.Int("max_sessions", s.cfg.Server.MaxSessions))

	// No write timeout: summary streams stay open for as long as the provider streams.
	httpServer := &http.Server{
		Addr:        s.address,
		Handler:     s.app,
		ReadTimeout: readTimeout,
		IdleTimeout: idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := s.shutdown(shutdownCtx, httpServer); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

// shutdown stops every session, including those still waiting for response
// headers, before draining the open connections.
func (s *Server) shutdown(ctx context.Context, httpServer *http.Server) error {
	s.sessions.CancelAll()
	s.stop()
	return httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.app.GET("/health", s.handleHealth)
	s.app.POST("/v1/summaries", s.handleCreateSummary)
	s.app.POST("/v1/summaries/:id/stop", s.handleStopSummary)
	s.app.GET("/v1/summaries/last", s.handleLastSummary)
	s.app.POST("/v1/check", s.handleCheck)
	s.app.Any("/proxy/*", s.handleProxy)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":        "ok",
		"open_sessions": s.sessions.Open(),
		"workers":       s.pool.Running(),
	})
}

func decodeRequestBody[T any](c echo.Context, target *T) error {
	req := c.Request()
	defer req.Body.Close()

	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBodyBytes)

	decoder := json.NewDecoder(req.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return requestError{
				Status:  http.StatusBadRequest,
				Message: "request body is required",
				Type:    "invalid_request_error",
			}
		}
		return requestError{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("invalid JSON payload: %v", err),
			Type:    "invalid_request_error",
		}
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: "request body must contain a single JSON object",
			Type:    "invalid_request_error",
		}
	}
	return nil
}

type requestError struct {
	Status  int
	Message string
	Type    string
	Code    string
}

func (e requestError) Error() string {
	return e.Message
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
	} `json:"error"`
}

func writeError(c echo.Context, status int, message, errType, code string) error {
	var payload errorBody
	payload.Error.Message = message
	payload.Error.Type = errType
	payload.Error.Code = code
	return c.JSON(status, payload)
}

func openAIErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var reqErr requestError
	if errors.As(err, &reqErr) {
		_ = writeError(c, reqErr.Status, reqErr.Message, reqErr.Type, reqErr.Code)
		return
	}

	type httpError interface {
		Code() int
		Error() string
	}

	if he, ok := err.(httpError); ok {
		_ = writeError(c, he.Code(), he.Error(), "invalid_request_error", "")
		return
	}

	var echoErr *echo.HTTPError
	if errors.As(err, &echoErr) {
		_ = writeError(c, echoErr.Code, fmt.Sprint(echoErr.Message), "invalid_request_error", "")
		return
	}

	_ = writeError(c, http.StatusInternalServerError, "internal server error", "server_error", "")
}

func writeSSEEvent(w io.Writer, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal SSE payload: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
		return fmt.Errorf("write SSE event name: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write SSE data: %w", err)
	}
	return nil
}

func allowedOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

// antsLogger routes pool diagnostics into zap.
type antsLogger struct {
	*zap.SugaredLogger
}

func (l antsLogger) Printf(format string, args ...any) {
	l.Infof(format, args...)
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func printStartupBanner(address string) {
	fmt.Println()
	fmt.Println("ai-summary relay ready")
	fmt.Printf("Listening on http://%s\n", address)
	fmt.Println("Endpoints:")
	fmt.Println("  GET  /health")
	fmt.Println("  POST /v1/summaries            (text/event-stream)")
	fmt.Println("  POST /v1/summaries/:id/stop")
	fmt.Println("  GET  /v1/summaries/last")
	fmt.Println("  POST /v1/check")
	fmt.Println("  ANY  /proxy/<target-url>      (CORS pass-through)")
	fmt.Printf("Example:\n  curl -N http://%s/v1/summaries -H 'Content-Type: application/json' -d '{\"text\":\"...\",\"source\":\"example.com\"}'\n\n", address)
}

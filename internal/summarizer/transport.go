package summarizer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"ai-summary/internal/config"
)

const (
	contentTypeJSON = "application/json"
	acceptStream    = "text/event-stream"
	userAgent       = "ai-summary/0.1"

	defaultDialTimeout     = 10 * time.Second
	defaultKeepAlive       = 30 * time.Second
	defaultIdleConnTimeout = 90 * time.Second

	maxErrorBody = 64 * 1024
)

// NewHTTPClient returns a client whose wait for response headers is bounded by
// timeout. The body is not bounded, so long streams are not cut off.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Transport: NewTransport(timeout)}
}

// NewTransport returns the tuned transport behind NewHTTPClient.
func NewTransport(timeout time.Duration) *http.Transport {
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: defaultKeepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// TargetURL resolves the URL the request is sent to for the configured bypass mode.
func TargetURL(cfg config.RequestConfig, logger *zap.Logger) string {
	switch cfg.BypassMode {
	case config.BypassProxy:
		return joinProxy(cfg.ProxyURL, cfg.Endpoint)
	case config.BypassBridge:
		logger.Warn("bridge mode cannot bypass cross-origin restrictions, sending directly",
			zap.String("endpoint", cfg.Endpoint))
		return cfg.Endpoint
	default:
		return cfg.Endpoint
	}
}

func joinProxy(proxyURL, endpoint string) string {
	return strings.TrimRight(proxyURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
}

func newRequest(ctx context.Context, url, apiKey string, payload any, stream bool) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}

	req.Header.Set("Content-Type", contentTypeJSON)
	if stream {
		req.Header.Set("Accept", acceptStream)
	} else {
		req.Header.Set("Accept", contentTypeJSON)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Authorization", "Bearer "+apiKey)
	return req, nil
}

func readErrorBody(body io.Reader) []byte {
	data, _ := io.ReadAll(io.LimitReader(body, maxErrorBody))
	return data
}

package summarizer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"ai-summary/internal/config"
	"ai-summary/internal/models"
)

// Category classifies a failed session.
type Category string

const (
	CategoryConfig     Category = "config"
	CategoryCors       Category = "cors"
	CategoryNetwork    Category = "network"
	CategoryAuth       Category = "auth"
	CategoryBilling    Category = "billing"
	CategoryPermission Category = "permission"
	CategoryRateLimit  Category = "rate_limit"
	CategoryServer     Category = "server"
	CategoryHTTP       Category = "http"
)

// Retryable reports whether a request that failed this way may be re-sent.
func (c Category) Retryable() bool {
	return c == CategoryNetwork || c == CategoryServer
}

// Error is the terminal error of a failed session.
type Error struct {
	Category    Category
	Status      int
	Message     string
	Remediation string
	Mode        config.BypassMode
	Cause       error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Message)
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	if e.Mode != "" && e.Category == CategoryCors {
		fmt.Fprintf(&b, " (mode %s)", e.Mode)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Info converts the error into the form carried by an error delta.
func (e *Error) Info() *models.ErrorInfo {
	return &models.ErrorInfo{
		Category:    string(e.Category),
		Status:      e.Status,
		Message:     e.Error(),
		Remediation: e.Remediation,
	}
}

// CategoryOf returns the category of err, or "" when err is not a session error.
func CategoryOf(err error) Category {
	var se *Error
	if errors.As(err, &se) {
		return se.Category
	}
	return ""
}

// IsCategory reports whether err is a session error of category c.
func IsCategory(err error, c Category) bool {
	return CategoryOf(err) == c
}

func configError(err error) *Error {
	return &Error{
		Category:    CategoryConfig,
		Message:     "configuration incomplete",
		Remediation: "Set the API endpoint and API key in the summary section of the configuration file.",
		Cause:       err,
	}
}

var corsMarkers = []string{"failed to fetch", "cors", "networkerror", "access-control"}

// classifyTransport turns a failure that happened before any HTTP status was
// received into a CorsError or NetworkError. Markers are matched against the
// underlying cause, never the request URL.
func classifyTransport(err error, mode config.BypassMode) *Error {
	cause := err
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Err != nil {
		cause = urlErr.Err
	}
	msg := strings.ToLower(cause.Error())
	for _, marker := range corsMarkers {
		if strings.Contains(msg, marker) {
			return &Error{
				Category:    CategoryCors,
				Message:     "cross-origin request blocked",
				Remediation: corsRemediation(mode),
				Mode:        mode,
				Cause:       err,
			}
		}
	}

	message := "network request failed"
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		message = "request timed out"
	}
	return &Error{
		Category:    CategoryNetwork,
		Message:     message,
		Remediation: "Check the endpoint address and your network connection, then try again.",
		Mode:        mode,
		Cause:       err,
	}
}

func corsRemediation(mode config.BypassMode) string {
	switch mode {
	case config.BypassProxy:
		return "The proxy server may be unreachable, misconfigured, or may not support this API. Verify summary.proxy_url."
	case config.BypassBridge:
		return "Bridge mode cannot bypass cross-origin restrictions here. Switch summary.bypass_mode to proxy."
	default:
		return "Switch summary.bypass_mode to proxy with a CORS-enabled proxy (for example the /proxy/ route of `ai-summary serve`), " +
			"or configure the API server to send Access-Control-Allow-Origin."
	}
}

// classifyStatus maps a non-2xx status to its error category. detail is the
// provider's error text, if any was read.
func classifyStatus(status int, detail string) *Error {
	e := &Error{Status: status}
	switch {
	case status == http.StatusUnauthorized:
		e.Category = CategoryAuth
		e.Message = "authentication failed"
		e.Remediation = "The API key is incorrect or expired."
	case status == http.StatusPaymentRequired:
		e.Category = CategoryBilling
		e.Message = "insufficient balance"
		e.Remediation = "Top up the API account and try again."
	case status == http.StatusForbidden:
		e.Category = CategoryPermission
		e.Message = "access denied"
		e.Remediation = "The key may lack permission for this model, or a cross-origin policy rejected the call."
	case status == http.StatusTooManyRequests:
		e.Category = CategoryRateLimit
		e.Message = "too many requests"
		e.Remediation = "Wait a while before trying again."
	case status >= http.StatusInternalServerError:
		e.Category = CategoryServer
		e.Message = fmt.Sprintf("server error (%d)", status)
		e.Remediation = "The API service is temporarily unavailable."
	default:
		e.Category = CategoryHTTP
		e.Message = fmt.Sprintf("HTTP %d: %s", status, http.StatusText(status))
	}
	if detail != "" {
		e.Cause = errors.New(detail)
	}
	return e
}

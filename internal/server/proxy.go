package server

import (
	"net/http"
	"net/http/httputil"
	"net/url"
	"slices"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// strippedRequestHeaders never leave the relay towards the target.
var strippedRequestHeaders = []string{"Origin", "Referer", "Cookie"}

// handleProxy forwards the request to the URL that follows /proxy/ and
// streams the response back with CORS headers. It is the target of the
// proxy bypass mode.
func (s *Server) handleProxy(c echo.Context) error {
	target, err := s.proxyTarget(c)
	if err != nil {
		return err
	}

	logger := s.logger.With(zap.String("target", target.Redacted()))
	rp := &httputil.ReverseProxy{
		Transport:     s.proxy,
		FlushInterval: -1,
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL = target
			pr.Out.Host = target.Host
			for _, h := range strippedRequestHeaders {
				pr.Out.Header.Del(h)
			}
		},
		ModifyResponse: func(resp *http.Response) error {
			for name := range resp.Header {
				if strings.HasPrefix(http.CanonicalHeaderKey(name), "Access-Control-") {
					resp.Header.Del(name)
				}
			}
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Warn("proxy request failed", zap.Error(err))
			_ = writeError(c, http.StatusBadGateway, "proxy target unreachable: "+err.Error(), "upstream_error", "")
		},
	}

	c.Request().Body = http.MaxBytesReader(c.Response(), c.Request().Body, maxBodyBytes)
	rp.ServeHTTP(c.Response(), c.Request())
	return nil
}

func (s *Server) proxyTarget(c echo.Context) (*url.URL, error) {
	raw := c.Param("*")
	if unescaped, err := url.PathUnescape(raw); err == nil {
		raw = unescaped
	}
	raw = repairScheme(raw)
	if q := c.QueryString(); q != "" {
		raw += "?" + q
	}

	target, err := url.Parse(raw)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return nil, requestError{
			Status:  http.StatusBadRequest,
			Message: "proxy target must be an absolute http or https URL",
			Type:    "invalid_request_error",
			Code:    "invalid_proxy_target",
		}
	}

	if hosts := s.cfg.Server.ProxyHosts; len(hosts) > 0 && !slices.Contains(hosts, target.Hostname()) {
		return nil, requestError{
			Status:  http.StatusForbidden,
			Message: "proxy target host is not allowed: " + target.Hostname(),
			Type:    "permission_error",
			Code:    "proxy_host_not_allowed",
		}
	}
	return target, nil
}

// repairScheme restores the double slash some clients collapse in
// "https://" when it appears inside a path.
func repairScheme(raw string) string {
	for _, scheme := range []string{"https:", "http:"} {
		if rest, ok := strings.CutPrefix(raw, scheme+"/"); ok && !strings.HasPrefix(rest, "/") {
			return scheme + "//" + rest
		}
	}
	return raw
}

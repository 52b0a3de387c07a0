package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"ai-summary/internal/config"
	"ai-summary/internal/models"
	"ai-summary/internal/relay"
	"ai-summary/internal/summarizer"
)

func contentEvent(text string) string {
	raw, _ := json.Marshal(map[string]any{
		"choices": []any{map[string]any{"delta": map[string]any{"content": text}}},
	})
	return string(raw)
}

func streamingUpstream(events ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, e := range events {
			fmt.Fprintf(w, "data: %s\n\n", e)
			w.(http.Flusher).Flush()
		}
	}
}

func newTestServer(t *testing.T, upstream string, mutate func(*config.Config)) (*Server, *httptest.Server) {
	t.Helper()

	cfg := config.Default()
	cfg.Summary.Endpoint = upstream
	cfg.Summary.APIKey = "sk-test"
	cfg.Server.Heartbeat = 50 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}

	sum := summarizer.New(summarizer.NewHTTPClient(5*time.Second), zap.NewNop())
	srv, err := New(cfg, sum, zap.NewNop())
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return srv, ts
}

func postSummary(t *testing.T, ts *httptest.Server, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(ts.URL+"/v1/summaries", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	return resp
}

// nextEnvelope reads SSE lines until the next data event.
func nextEnvelope(t *testing.T, r *bufio.Reader) (relay.Envelope, bool) {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return relay.Envelope{}, false
		}
		payload, ok := strings.CutPrefix(strings.TrimRight(line, "\r\n"), "data: ")
		if !ok {
			continue
		}
		var env relay.Envelope
		require.NoError(t, json.Unmarshal([]byte(payload), &env))
		return env, true
	}
}

func readAll(t *testing.T, body io.Reader) []relay.Envelope {
	t.Helper()
	r := bufio.NewReader(body)
	var out []relay.Envelope
	for {
		env, ok := nextEnvelope(t, r)
		if !ok {
			return out
		}
		out = append(out, env)
	}
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t, "http://unused", nil)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestCreateSummaryStreamsDeltas(t *testing.T) {
	upstream := httptest.NewServer(streamingUpstream(contentEvent("Hello"), contentEvent(" world"), "[DONE]"))
	defer upstream.Close()
	_, ts := newTestServer(t, upstream.URL, nil)

	resp := postSummary(t, ts, `{"text":"some page text","source":"example.com","consumer":"tab-1"}`)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	id := resp.Header.Get(headerSessionID)
	require.NotEmpty(t, id)

	envs := readAll(t, resp.Body)
	require.Len(t, envs, 3)
	for i, env := range envs {
		assert.Equal(t, id, env.SessionID)
		assert.Equal(t, relay.KindDelta, env.Kind)
		require.NotNil(t, env.Delta)
		assert.Equal(t, uint64(i+1), env.Delta.Seq)
	}
	last := envs[2].Delta
	assert.Equal(t, models.DeltaEnd, last.Kind)
	require.NotNil(t, last.Result)
	assert.Equal(t, "Hello world", last.Result.Answer)
	assert.Equal(t, "example.com", last.Result.Source)

	lastResp, err := http.Get(ts.URL + "/v1/summaries/last")
	require.NoError(t, err)
	defer lastResp.Body.Close()
	require.Equal(t, http.StatusOK, lastResp.StatusCode)

	var result models.Result
	require.NoError(t, json.NewDecoder(lastResp.Body).Decode(&result))
	assert.Equal(t, "Hello world", result.Answer)
	assert.Equal(t, id, result.SessionID)
}

func TestCreateSummaryRejectsEmptyText(t *testing.T) {
	_, ts := newTestServer(t, "http://unused", nil)

	resp := postSummary(t, ts, `{"text":"   "}`)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var body errorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "invalid_request_error", body.Error.Type)
	assert.Equal(t, "empty_text", body.Error.Code)

	resp2 := postSummary(t, ts, `{"text":"a"}{"text":"b"}`)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}

func TestCreateSummaryReportsConfigError(t *testing.T) {
	_, ts := newTestServer(t, "http://unused", func(cfg *config.Config) {
		cfg.Summary.APIKey = ""
	})

	resp := postSummary(t, ts, `{"text":"x"}`)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	envs := readAll(t, resp.Body)
	require.Len(t, envs, 1)
	assert.Equal(t, models.DeltaError, envs[0].Delta.Kind)
	require.NotNil(t, envs[0].Delta.Error)
	assert.Equal(t, "config", envs[0].Delta.Error.Category)
}

func TestPoolFullAndStop(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: %s\n\n", contentEvent("partial"))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer upstream.Close()

	srv, ts := newTestServer(t, upstream.URL, func(cfg *config.Config) {
		cfg.Server.MaxSessions = 1
	})

	first := postSummary(t, ts, `{"text":"x"}`)
	defer first.Body.Close()
	require.Equal(t, http.StatusOK, first.StatusCode)
	id := first.Header.Get(headerSessionID)

	reader := bufio.NewReader(first.Body)
	env, ok := nextEnvelope(t, reader)
	require.True(t, ok)
	assert.Equal(t, "partial", env.Delta.Snapshot.Answer)

	busy := postSummary(t, ts, `{"text":"y"}`)
	defer busy.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, busy.StatusCode)
	var busyBody errorBody
	require.NoError(t, json.NewDecoder(busy.Body).Decode(&busyBody))
	assert.Equal(t, "server_busy", busyBody.Error.Type)
	assert.Equal(t, "pool_overload", busyBody.Error.Code)

	stop, err := http.Post(ts.URL+"/v1/summaries/"+id+"/stop", "application/json", nil)
	require.NoError(t, err)
	stop.Body.Close()
	assert.Equal(t, http.StatusAccepted, stop.StatusCode)

	env, ok = nextEnvelope(t, reader)
	require.True(t, ok)
	assert.Equal(t, models.DeltaEnd, env.Delta.Kind)
	require.NotNil(t, env.Delta.Result)
	assert.Equal(t, models.OutcomeCancelled, env.Delta.Result.Outcome)
	assert.True(t, env.Delta.Result.Incomplete)
	assert.Equal(t, "partial", env.Delta.Result.Answer)

	_, ok = nextEnvelope(t, reader)
	assert.False(t, ok)

	assert.Eventually(t, func() bool { return srv.Sessions().Open() == 0 }, time.Second, 10*time.Millisecond)
	assert.Nil(t, srv.Sessions().Last())
}

func TestStopUnknownSession(t *testing.T) {
	_, ts := newTestServer(t, "http://unused", nil)

	resp, err := http.Post(ts.URL+"/v1/summaries/missing/stop", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestLastSummaryNotFound(t *testing.T) {
	_, ts := newTestServer(t, "http://unused", nil)

	resp, err := http.Get(ts.URL + "/v1/summaries/last")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCheck(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"pong"}}]}`))
	}))
	defer upstream.Close()

	cases := map[string]struct {
		key  string
		want checkResponse
	}{
		"ok":      {key: "sk-test", want: checkResponse{OK: true, Reply: "pong"}},
		"bad key": {key: "sk-wrong", want: checkResponse{Category: "auth", Status: http.StatusUnauthorized}},
		"no key":  {key: "", want: checkResponse{Category: "config"}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, ts := newTestServer(t, upstream.URL, func(cfg *config.Config) {
				cfg.Summary.APIKey = tc.key
			})

			resp, err := http.Post(ts.URL+"/v1/check", "application/json", nil)
			require.NoError(t, err)
			defer resp.Body.Close()
			require.Equal(t, http.StatusOK, resp.StatusCode)

			var got checkResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
			assert.Equal(t, tc.want.OK, got.OK)
			assert.Equal(t, tc.want.Reply, got.Reply)
			assert.Equal(t, tc.want.Category, got.Category)
			assert.Equal(t, tc.want.Status, got.Status)
			if !got.OK {
				assert.NotEmpty(t, got.Remediation)
			}
		})
	}
}

func TestProxyForwardsWithCORS(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "https://upstream.example")
		w.Header().Set("Content-Type", "application/json")
		raw, _ := io.ReadAll(r.Body)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"path":   r.URL.Path,
			"query":  r.URL.RawQuery,
			"auth":   r.Header.Get("Authorization"),
			"origin": r.Header.Get("Origin"),
			"body":   string(raw),
		})
	}))
	defer upstream.Close()
	_, ts := newTestServer(t, upstream.URL, nil)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/proxy/"+upstream.URL+"/v1/chat/completions?x=1", bytes.NewBufferString(`{"model":"m"}`))
	require.NoError(t, err)
	req.Header.Set("Origin", "https://page.example")
	req.Header.Set("Authorization", "Bearer sk-test")
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	var got map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "/v1/chat/completions", got["path"])
	assert.Equal(t, "x=1", got["query"])
	assert.Equal(t, "Bearer sk-test", got["auth"])
	assert.Empty(t, got["origin"])
	assert.Equal(t, `{"model":"m"}`, got["body"])
}

func TestProxyRejectsTargets(t *testing.T) {
	_, ts := newTestServer(t, "http://unused", func(cfg *config.Config) {
		cfg.Server.ProxyHosts = []string{"api.example.com"}
	})

	cases := map[string]struct {
		status int
		code   string
	}{
		"/proxy/ftp://api.example.com/file":  {http.StatusBadRequest, "invalid_proxy_target"},
		"/proxy/not-a-url":                   {http.StatusBadRequest, "invalid_proxy_target"},
		"/proxy/https://evil.example.com/v1": {http.StatusForbidden, "proxy_host_not_allowed"},
	}
	for path, want := range cases {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		var body errorBody
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		resp.Body.Close()
		assert.Equal(t, want.status, resp.StatusCode, path)
		assert.Equal(t, want.code, body.Error.Code, path)
	}
}

func TestSummarizerThroughProxyMode(t *testing.T) {
	upstream := httptest.NewServer(streamingUpstream(contentEvent("via"), contentEvent(" proxy"), "[DONE]"))
	defer upstream.Close()
	_, ts := newTestServer(t, upstream.URL, nil)

	cfg := config.RequestConfig{
		Endpoint:   upstream.URL + "/v1/chat/completions",
		APIKey:     "sk-test",
		BypassMode: config.BypassProxy,
		ProxyURL:   ts.URL + "/proxy/",
	}
	sum := summarizer.New(summarizer.NewHTTPClient(5*time.Second), zap.NewNop())
	var deltas []models.Delta
	result, err := sum.Run(context.Background(), cfg, summarizer.NewSession(models.Input{Text: "x"}),
		summarizer.SinkFunc(func(d models.Delta) { deltas = append(deltas, d) }))
	require.NoError(t, err)
	assert.Equal(t, "via proxy", result.Answer)
	assert.Len(t, deltas, 3)
}

func TestRepairScheme(t *testing.T) {
	assert.Equal(t, "https://api.example.com/v1", repairScheme("https:/api.example.com/v1"))
	assert.Equal(t, "https://api.example.com/v1", repairScheme("https://api.example.com/v1"))
	assert.Equal(t, "http://localhost:1", repairScheme("http:/localhost:1"))
	assert.Equal(t, "other", repairScheme("other"))
}

func TestListenerDefaultsToLoopback(t *testing.T) {
	srv, _ := newTestServer(t, "http://unused", nil)
	assert.Equal(t, "127.0.0.1:8787", srv.address)
}

func TestOpenProxyOnPublicListenerWarns(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Host = "0.0.0.0"
	sum := summarizer.New(nil, zap.NewNop())

	core, logs := observer.New(zapcore.WarnLevel)
	srv, err := New(cfg, sum, zap.New(core))
	require.NoError(t, err)
	defer srv.Close()
	assert.Equal(t, 1, logs.FilterMessageSnippet("server.proxy_hosts").Len())

	cfg.Server.ProxyHosts = []string{"api.example.com"}
	core, logs = observer.New(zapcore.WarnLevel)
	restricted, err := New(cfg, sum, zap.New(core))
	require.NoError(t, err)
	defer restricted.Close()
	assert.Zero(t, logs.Len())
}

func TestShutdownReleasesSessionsAwaitingHeaders(t *testing.T) {
	hit := make(chan struct{}, 1)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit <- struct{}{}
		<-r.Context().Done()
	}))
	defer upstream.Close()
	srv, ts := newTestServer(t, upstream.URL, nil)

	resp := postSummary(t, ts, `{"text":"x"}`)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	select {
	case <-hit:
	case <-time.After(2 * time.Second):
		t.Fatal("provider was never called")
	}

	begin := time.Now()
	require.NoError(t, srv.shutdown(context.Background(), &http.Server{}))

	envs := readAll(t, resp.Body)
	assert.Less(t, time.Since(begin), 2*time.Second)
	require.Len(t, envs, 1)
	assert.Equal(t, models.DeltaError, envs[0].Delta.Kind)
	assert.Equal(t, "network", envs[0].Delta.Error.Category)
}

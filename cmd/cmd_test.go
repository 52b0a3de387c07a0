package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ai-summary/internal/config"
	"ai-summary/internal/models"
	"ai-summary/internal/render"
	"ai-summary/internal/summarizer"
)

func contentEvent(text string) string {
	raw, _ := json.Marshal(map[string]any{
		"choices": []any{map[string]any{"delta": map[string]any{"content": text}}},
	})
	return "data: " + string(raw) + "\n\n"
}

func testConfig(endpoint string) config.Config {
	cfg := config.Default()
	cfg.Summary.Endpoint = endpoint
	cfg.Summary.APIKey = "sk-test"
	return cfg
}

type frameRecorder struct {
	mu     sync.Mutex
	frames []render.Frame
	first  chan struct{}
	once   sync.Once
}

func newFrameRecorder() *frameRecorder {
	return &frameRecorder{first: make(chan struct{})}
}

func (r *frameRecorder) Show(frame render.Frame) {
	r.mu.Lock()
	r.frames = append(r.frames, frame)
	r.mu.Unlock()
	if frame.Answer != "" {
		r.once.Do(func() { close(r.first) })
	}
}

func (r *frameRecorder) last() render.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames[len(r.frames)-1]
}

func TestExecuteUnknownCommand(t *testing.T) {
	err := Execute(context.Background(), []string{"bogus"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown command "bogus"`)
}

func TestCommandsRequireConfig(t *testing.T) {
	for _, name := range []string{"summarize", "serve", "check"} {
		err := Execute(context.Background(), []string{name})
		require.Error(t, err, name)
		assert.Contains(t, err.Error(), "requires --config")
	}
}

func TestReadInput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "page.txt")
	require.NoError(t, os.WriteFile(path, []byte("file text"), 0o600))

	text, label, err := readInput(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "file text", text)
	assert.Equal(t, path, label)

	text, label, err = readInput("", strings.NewReader("piped text"))
	require.NoError(t, err)
	assert.Equal(t, "piped text", text)
	assert.Equal(t, "stdin", label)

	_, _, err = readInput("", strings.NewReader(" \n "))
	assert.Error(t, err)
}

func TestApplyOverrides(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, applyOverrides(&cfg, "proxy", true))
	assert.Equal(t, config.BypassProxy, cfg.Summary.BypassMode)
	assert.False(t, cfg.Summary.StreamEnabled())

	assert.Error(t, applyOverrides(&cfg, "tunnel", false))
}

func TestRunSummaryRendersToTerminal(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, contentEvent("Hello"), contentEvent(" world"), "data: [DONE]\n\n")
	}))
	defer upstream.Close()

	sum := summarizer.New(summarizer.NewHTTPClient(5*time.Second), zap.NewNop())
	var out bytes.Buffer
	view := render.NewTerminalView(&out)

	result, err := runSummary(context.Background(), testConfig(upstream.URL), sum,
		models.Input{Text: "page", Source: "stdin"}, view, zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, "Hello world", result.Answer)
	assert.Equal(t, models.OutcomeCompleted, result.Outcome)
	assert.Contains(t, out.String(), "Hello world")
	assert.Contains(t, out.String(), "✓ done")
	assert.Equal(t, render.StatusCompleted, view.Last().Status)
	assert.Contains(t, view.Last().HTML, "Hello world")
}

func TestRunSummaryStopsOnCancel(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, contentEvent("partial"))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer upstream.Close()

	sum := summarizer.New(summarizer.NewHTTPClient(5*time.Second), zap.NewNop())
	view := newFrameRecorder()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		<-view.first
		cancel()
	}()

	result, err := runSummary(ctx, testConfig(upstream.URL), sum, models.Input{Text: "page"}, view, zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, models.OutcomeCancelled, result.Outcome)
	assert.True(t, result.Incomplete)
	assert.Equal(t, "partial", result.Answer)

	final := view.last()
	assert.Equal(t, render.StatusStopped, final.Status)
	assert.Equal(t, "partial", final.Answer)
}

func TestRunSummaryReportsFailure(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
	}))
	defer upstream.Close()

	sum := summarizer.New(summarizer.NewHTTPClient(5*time.Second), zap.NewNop())
	var out bytes.Buffer
	view := render.NewTerminalView(&out)

	_, err := runSummary(context.Background(), testConfig(upstream.URL), sum, models.Input{Text: "page"}, view, zap.NewNop())
	require.Error(t, err)
	assert.True(t, summarizer.IsCategory(err, summarizer.CategoryBilling))
	assert.Equal(t, render.StatusFailed, view.Last().Status)
	assert.Contains(t, out.String(), "insufficient balance")
}

func TestExportHTMLWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "summary.html")
	frame := render.Frame{Answer: "done", HTML: "<p>done</p>", Status: render.StatusCompleted}

	require.NoError(t, exportHTML(path, frame))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "<p>done</p>")
}

func TestRunCheck(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"pong"}}]}`))
	}))
	defer upstream.Close()

	sum := summarizer.New(summarizer.NewHTTPClient(5*time.Second), zap.NewNop())

	var out bytes.Buffer
	cfg := testConfig(upstream.URL).Summary
	require.NoError(t, runCheck(context.Background(), sum, cfg, &out))
	assert.Equal(t, "connection ok: pong\n", out.String())

	out.Reset()
	cfg.APIKey = "sk-wrong"
	err := runCheck(context.Background(), sum, cfg, &out)
	require.Error(t, err)
	assert.True(t, summarizer.IsCategory(err, summarizer.CategoryAuth))
	assert.Contains(t, out.String(), "API key")
}

package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"

	"ai-summary/internal/config"
	"ai-summary/internal/logging"
	"ai-summary/internal/models"
	"ai-summary/internal/relay"
	"ai-summary/internal/render"
	"ai-summary/internal/summarizer"
)

const summarizeUsage = `Usage:
  ai-summary summarize --config <path> [flags] [< input]

Flags:
  --config    string   Path to YAML configuration file (required)
  --file      string   Read the text to summarize from a file instead of stdin
  --source    string   Label shown with the result, such as a page title or URL
  --html      string   Also write the final summary as an HTML document
  --mode      string   Override summary.bypass_mode (direct, proxy or bridge)
  --no-stream          Wait for the full response instead of streaming

Press Ctrl+C to stop a running summary and keep the partial answer.`

func summarize(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("summarize", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, summarizeUsage)
	}

	var cfgPath, file, source, htmlOut, mode string
	var noStream bool
	fs.StringVar(&cfgPath, "config", "", "path to configuration file")
	fs.StringVar(&file, "file", "", "input file")
	fs.StringVar(&source, "source", "", "source label")
	fs.StringVar(&htmlOut, "html", "", "HTML export path")
	fs.StringVar(&mode, "mode", "", "bypass mode override")
	fs.BoolVar(&noStream, "no-stream", false, "disable streaming")

	if help, err := parseFlags(fs, args); help || err != nil {
		return err
	}

	cfg, err := loadConfig("summarize", cfgPath)
	if err != nil {
		return err
	}
	if err := applyOverrides(&cfg, mode, noStream); err != nil {
		return err
	}

	text, label, err := readInput(file, os.Stdin)
	if err != nil {
		return err
	}
	if source == "" {
		source = label
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	sum := summarizer.New(summarizer.NewHTTPClient(cfg.Summary.Timeout), logger)
	view := render.NewTerminalView(os.Stdout)

	_, runErr := runSummary(ctx, cfg, sum, models.Input{Text: text, Source: source}, view, logger)

	if htmlOut != "" && view.Last().Final() {
		if err := exportHTML(htmlOut, view.Last()); err != nil {
			return err
		}
		logger.Info("summary exported", zap.String("path", htmlOut))
	}
	return runErr
}

func applyOverrides(cfg *config.Config, mode string, noStream bool) error {
	if mode != "" {
		m := config.BypassMode(mode)
		if !m.Valid() {
			return fmt.Errorf("--mode %q must be one of %q, %q or %q", mode, config.BypassDirect, config.BypassProxy, config.BypassBridge)
		}
		cfg.Summary.BypassMode = m
	}
	if noStream {
		stream := false
		cfg.Summary.Stream = &stream
	}
	return nil
}

// readInput returns the text to summarize and a default source label.
func readInput(file string, stdin io.Reader) (string, string, error) {
	var (
		data  []byte
		err   error
		label = "stdin"
	)
	if file != "" {
		data, err = os.ReadFile(file)
		label = file
	} else {
		data, err = io.ReadAll(stdin)
	}
	if err != nil {
		return "", "", fmt.Errorf("read input: %w", err)
	}

	text := string(data)
	if strings.TrimSpace(text) == "" {
		return "", "", errors.New("nothing to summarize: input is empty")
	}
	return text, label, nil
}

// runSummary drives one session through the relay into the render coalescer.
// Cancelling ctx stops the session; the partial answer stays on screen.
func runSummary(ctx context.Context, cfg config.Config, sum *summarizer.Summarizer, input models.Input, view render.View, logger *zap.Logger) (*models.Result, error) {
	var renderer render.Renderer
	if cfg.Render.MarkdownEnabled() {
		renderer = render.NewMarkdown()
	}
	coalescer := render.NewCoalescer(view, renderer, render.NewFrameScheduler(cfg.Render.FrameInterval), logger)

	bus := relay.NewBus()
	defer bus.Close()

	sess := summarizer.NewSession(input)
	listener := relay.Listen(bus, coalescer.Apply, logger)
	defer listener.Close()
	listener.Attach(sess.ID())

	ch := relay.Open(bus, sess.ID(), sess.Cancel, logger)
	defer ch.Close()

	watcher := make(chan struct{})
	go func() {
		defer close(watcher)
		select {
		case <-ctx.Done():
			listener.Stop()
			coalescer.Finish(render.StatusStopped, "")
		case <-sess.Done():
		}
	}()

	result, err := sum.Run(context.WithoutCancel(ctx), cfg.Summary, sess, ch)
	<-watcher
	if err != nil {
		return nil, fmt.Errorf("summary failed: %w", err)
	}
	return result, nil
}

func exportHTML(path string, frame render.Frame) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create export file: %w", err)
	}
	if err := render.ExportHTML(f, frame); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"ai-summary/internal/config"
	"ai-summary/internal/logging"
	"ai-summary/internal/summarizer"
)

const checkUsage = `Usage:
  ai-summary check --config <path>

Flags:
  --config string   Path to YAML configuration file (required)`

func check(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, checkUsage)
	}

	var cfgPath string
	fs.StringVar(&cfgPath, "config", "", "path to configuration file")

	if help, err := parseFlags(fs, args); help || err != nil {
		return err
	}

	cfg, err := loadConfig("check", cfgPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	sum := summarizer.New(summarizer.NewHTTPClient(cfg.Summary.Timeout), logger)
	return runCheck(ctx, sum, cfg.Summary, os.Stdout)
}

func runCheck(ctx context.Context, sum *summarizer.Summarizer, cfg config.RequestConfig, out io.Writer) error {
	reply, err := sum.Check(ctx, cfg)
	if err != nil {
		var serr *summarizer.Error
		if errors.As(err, &serr) && serr.Remediation != "" {
			fmt.Fprintln(out, serr.Remediation)
		}
		return fmt.Errorf("connection check failed: %w", err)
	}
	fmt.Fprintf(out, "connection ok: %s\n", reply)
	return nil
}

package cmd

import (
	"context"
	"flag"
	"fmt"
	"os"

	"ai-summary/internal/logging"
	"ai-summary/internal/server"
	"ai-summary/internal/summarizer"
)

const serveUsage = `Usage:
  ai-summary serve --config <path> [--host <host>] [--port <port>]

Flags:
  --config string   Path to YAML configuration file (required)
  --host   string   Override the listen address (default 127.0.0.1)
  --port   int      Override server port from configuration`

func serve(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, serveUsage)
	}

	var cfgPath, overrideHost string
	var overridePort int
	fs.StringVar(&cfgPath, "config", "", "path to configuration file")
	fs.StringVar(&overrideHost, "host", "", "override listen address")
	fs.IntVar(&overridePort, "port", 0, "override server port")

	if help, err := parseFlags(fs, args); help || err != nil {
		return err
	}

	cfg, err := loadConfig("serve", cfgPath)
	if err != nil {
		return err
	}

	if overrideHost != "" {
		cfg.Server.Host = overrideHost
	}
	if overridePort != 0 {
		if overridePort <= 0 || overridePort > 65535 {
			return fmt.Errorf("port override %d must be a valid TCP port", overridePort)
		}
		cfg.Server.Port = overridePort
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	sum := summarizer.New(summarizer.NewHTTPClient(cfg.Summary.Timeout), logger)
	srv, err := server.New(cfg, sum, logger)
	if err != nil {
		return err
	}

	return srv.Run(ctx)
}

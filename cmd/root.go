package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strings"

	"ai-summary/internal/config"
)

const usage = `ai-summary streams AI summaries of text from an OpenAI-compatible endpoint.

Usage:
  ai-summary <command> [flags]

Commands:
  summarize  Summarize a file or stdin in the terminal
  serve      Start the HTTP relay server
  check      Test the configured API connection

Flags:
  -h, --help  Show this help message`

// Execute runs the CLI dispatcher with the provided arguments.
func Execute(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return printUsage()
	}

	switch args[0] {
	case "summarize":
		return summarize(ctx, args[1:])
	case "serve":
		return serve(ctx, args[1:])
	case "check":
		return check(ctx, args[1:])
	case "help", "-h", "--help":
		return printUsage()
	default:
		return fmt.Errorf("unknown command %q\n\n%s", args[0], usage)
	}
}

func printUsage() error {
	fmt.Println(strings.TrimSpace(usage))
	return nil
}

// parseFlags parses args and reports whether help was requested.
func parseFlags(fs *flag.FlagSet, args []string) (help bool, err error) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return true, nil
		}
		return false, fmt.Errorf("parse %s flags: %w", fs.Name(), err)
	}
	return false, nil
}

func loadConfig(command, path string) (config.Config, error) {
	if path == "" {
		return config.Config{}, fmt.Errorf("%s command requires --config <path>", command)
	}
	return config.Load(path)
}

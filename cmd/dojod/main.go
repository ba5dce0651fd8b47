package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/felixgeelhaar/dojo/internal/config"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cmd := "serve"
	args := os.Args[1:]
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "serve":
		err = cmdServe(args)
	case "mcp":
		err = cmdMCP(args)
	case "migrate":
		err = cmdMigrate(args)
	case "help", "-h", "--help":
		printUsage()
	case "version":
		fmt.Printf("dojod %s\n", Version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(2)
	}

	if err != nil {
		slog.Error("dojod failed", "command", cmd, "error", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`dojod - coding practice judge and mastery engine

Usage:
  dojod [command] [flags]

Commands:
  serve      Run the HTTP API, judge workers and verdict consumers (default)
  mcp        Serve the judge as MCP tools on stdio, or HTTP with -http
  migrate    Apply database migrations and exit
  version    Show version information

Flags:
  -config    Path to dojo.yaml (default: $DOJO_CONFIG or ./dojo.yaml)`)
}

// setup parses common flags, loads configuration and installs logging. The
// returned cleanup closes the log file.
func setup(name string, args []string, extra func(*flag.FlagSet)) (*config.Config, func(), error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath(), "path to dojo.yaml")
	if extra != nil {
		extra(fs)
	}
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	dir, err := config.EnsureDir()
	if err != nil {
		return nil, nil, fmt.Errorf("ensure data dir: %w", err)
	}
	logFile, err := setupLogging(dir, parseLogLevel(cfg.Server.LogLevel))
	if err != nil {
		return nil, nil, fmt.Errorf("setup logging: %w", err)
	}
	return cfg, func() { logFile.Close() }, nil
}

func defaultConfigPath() string {
	if p := os.Getenv("DOJO_CONFIG"); p != "" {
		return p
	}
	return "dojo.yaml"
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func cmdServe(args []string) error {
	cfg, cleanup, err := setup("serve", args, nil)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	return a.Serve(ctx)
}

func cmdMCP(args []string) error {
	var httpAddr string
	cfg, cleanup, err := setup("mcp", args, func(fs *flag.FlagSet) {
		fs.StringVar(&httpAddr, "http", "", "serve MCP over HTTP on this address instead of stdio")
	})
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signalContext()
	defer stop()

	// Stdout carries the MCP protocol, so spans go to stderr.
	a, err := newApp(ctx, cfg, os.Stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	return a.ServeMCP(ctx, httpAddr)
}

func cmdMigrate(args []string) error {
	cfg, cleanup, err := setup("migrate", args, nil)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signalContext()
	defer stop()

	st, err := openStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	slog.Info("migrations applied", "driver", cfg.Storage.Driver)
	return nil
}

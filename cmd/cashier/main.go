package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	app_errors "github.com/spounge-ai/cashier/internal/errors"
	infra_config "github.com/spounge-ai/cashier/internal/infra/config"
	"github.com/spounge-ai/cashier/internal/wiring"
)

const usage = `usage: cashier [-config path] <command> [args]

commands:
  set <key> <value>            store value without expiry
  setex <key> <value> <ttl>    store value for ttl (e.g. 30s, 5m)
  get <key>                    print value; exits 1 when absent
  del <key>                    delete key
  clear                        delete every key
  reclaim                      delete expired entries now
  health                       check the backend
  migrate                      apply the postgres schema
  demo                         walk through every operation; clears the backend
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("cashier", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprint(stderr, usage) }
	configPath := fs.String("config", os.Getenv("CASHIER_CONFIG_PATH"), "path to the config file")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 64
	}

	bootLogger := slog.New(slog.NewTextHandler(stderr, nil))
	classifier := app_errors.NewErrorClassifier(bootLogger)

	cmd, err := lookupCommand(fs.Args())
	if err != nil {
		fmt.Fprintln(stderr, err)
		fmt.Fprint(stderr, usage)
		return classifier.Classify(err, "parse").ExitCode()
	}

	cfg, err := infra_config.Load(*configPath)
	if err != nil {
		err = fmt.Errorf("%w: %w", app_errors.ErrInvalidInput, err)
		return report(ctx, stderr, classifier, err, "load config")
	}

	logger := newLogger(stderr, cfg.Log)
	classifier = app_errors.NewErrorClassifier(logger)

	if cmd.name == "migrate" {
		return report(ctx, stderr, classifier, runMigrate(cfg, stdout), cmd.name)
	}

	container, err := wiring.New(ctx, cfg, logger)
	if err != nil {
		return report(ctx, stderr, classifier, err, "connect")
	}
	defer func() {
		if err := container.Close(); err != nil {
			logger.Error("failed to close container", "error", err)
		}
	}()

	code, err := cmd.run(ctx, container.Cache(), fs.Args()[1:], stdout)
	if err != nil {
		return report(ctx, stderr, classifier, err, cmd.name)
	}
	return code
}

func report(ctx context.Context, stderr io.Writer, classifier *app_errors.ErrorClassifier, err error, operation string) int {
	if err == nil {
		return 0
	}
	classified := classifier.LogAndSanitize(ctx, classifier.Classify(err, operation))
	fmt.Fprintln(stderr, "error:", classified.Error())
	return classified.ExitCode()
}

func newLogger(w io.Writer, cfg infra_config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(cfg.Level))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	app_errors "github.com/spounge-ai/cashier/internal/errors"
	infra_config "github.com/spounge-ai/cashier/internal/infra/config"
	"github.com/spounge-ai/cashier/internal/infra/persistence"
	"github.com/spounge-ai/cashier/pkg/cache"
)

// exitMiss is returned by get when the key is absent or expired.
const exitMiss = 1

type command struct {
	name  string
	nargs int
	run   func(ctx context.Context, c cache.Cache, args []string, out io.Writer) (int, error)
}

var commands = map[string]command{
	"set":     {name: "set", nargs: 2, run: runSet},
	"setex":   {name: "setex", nargs: 3, run: runSetEx},
	"get":     {name: "get", nargs: 1, run: runGet},
	"del":     {name: "del", nargs: 1, run: runDel},
	"clear":   {name: "clear", run: runClear},
	"reclaim": {name: "reclaim", run: runReclaim},
	"health":  {name: "health", run: runHealth},
	"migrate": {name: "migrate"},
	"demo":    {name: "demo", run: runDemo},
}

func lookupCommand(args []string) (command, error) {
	if len(args) == 0 {
		return command{}, fmt.Errorf("%w: missing command", app_errors.ErrUsage)
	}
	cmd, ok := commands[args[0]]
	if !ok {
		return command{}, fmt.Errorf("%w: unknown command %q", app_errors.ErrUsage, args[0])
	}
	if got := len(args) - 1; got != cmd.nargs {
		return command{}, fmt.Errorf("%w: %s takes %d arguments, got %d", app_errors.ErrUsage, cmd.name, cmd.nargs, got)
	}
	return cmd, nil
}

func runSet(ctx context.Context, c cache.Cache, args []string, _ io.Writer) (int, error) {
	return 0, c.Set(ctx, args[0], args[1])
}

func runSetEx(ctx context.Context, c cache.Cache, args []string, _ io.Writer) (int, error) {
	ttl, err := time.ParseDuration(args[2])
	if err != nil {
		return 0, fmt.Errorf("%w: ttl: %w", app_errors.ErrInvalidInput, err)
	}
	return 0, c.SetWithTTL(ctx, args[0], args[1], ttl)
}

func runGet(ctx context.Context, c cache.Cache, args []string, out io.Writer) (int, error) {
	value, found, err := c.Get(ctx, args[0])
	if err != nil {
		return 0, err
	}
	if !found {
		return exitMiss, nil
	}
	fmt.Fprintln(out, value)
	return 0, nil
}

func runDel(ctx context.Context, c cache.Cache, args []string, _ io.Writer) (int, error) {
	return 0, c.Delete(ctx, args[0])
}

func runClear(ctx context.Context, c cache.Cache, _ []string, _ io.Writer) (int, error) {
	return 0, c.Clear(ctx)
}

func runReclaim(ctx context.Context, c cache.Cache, _ []string, out io.Writer) (int, error) {
	r, ok := c.(cache.Reclaimer)
	if !ok {
		fmt.Fprintln(out, "backend does not support reclamation")
		return 0, nil
	}
	n, err := r.DeleteExpired(ctx)
	if err != nil {
		return 0, err
	}
	fmt.Fprintf(out, "removed %d expired entries\n", n)
	return 0, nil
}

func runHealth(ctx context.Context, c cache.Cache, _ []string, out io.Writer) (int, error) {
	if hc, ok := c.(cache.HealthChecker); ok {
		if err := hc.HealthCheck(ctx); err != nil {
			return 0, err
		}
	}
	fmt.Fprintln(out, "ok")
	return 0, nil
}

func runMigrate(cfg *infra_config.Config, out io.Writer) error {
	if cfg.Backend != infra_config.BackendPostgres {
		return fmt.Errorf("%w: migrate requires the postgres backend, got %s", app_errors.ErrUsage, cfg.Backend)
	}
	if err := persistence.MigratePostgres(cfg.Postgres.URL); err != nil {
		return err
	}
	fmt.Fprintln(out, "migrations applied")
	return nil
}

// demoTTL and demoWait are the expiry walkthrough timings.
var (
	demoTTL  = time.Second
	demoWait = 2 * time.Second
)

// runDemo walks through every cache operation under a fresh key namespace and
// fails on the first unexpected result.
func runDemo(ctx context.Context, c cache.Cache, _ []string, out io.Writer) (int, error) {
	ns := "demo-" + uuid.NewString() + ":"
	key := func(k string) string { return ns + k }

	expect := func(k, want string, wantFound bool) error {
		got, found, err := c.Get(ctx, key(k))
		if err != nil {
			return err
		}
		shown := "<absent>"
		if found {
			shown = fmt.Sprintf("%q", got)
		}
		fmt.Fprintf(out, "get %s -> %s\n", k, shown)
		if found != wantFound || got != want {
			return fmt.Errorf("demo: get %s returned %s", k, shown)
		}
		return nil
	}

	steps := []func() error{
		func() error { return c.Set(ctx, key("a"), "1") },
		func() error { return expect("a", "1", true) },
		func() error { return c.SetWithTTL(ctx, key("b"), "2", demoTTL) },
		func() error { return expect("b", "2", true) },
		func() error {
			fmt.Fprintf(out, "sleep %s\n", demoWait)
			select {
			case <-time.After(demoWait):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
		func() error { return expect("b", "", false) },
		func() error { return c.Delete(ctx, key("a")) },
		func() error { return expect("a", "", false) },
		func() error { return c.Set(ctx, key("x"), "9") },
		func() error { return c.Set(ctx, key("y"), "8") },
		func() error { return c.Clear(ctx) },
		func() error { return expect("x", "", false) },
		func() error { return expect("y", "", false) },
	}

	for _, step := range steps {
		if err := step(); err != nil {
			return 0, err
		}
	}
	fmt.Fprintln(out, "demo passed")
	return 0, nil
}

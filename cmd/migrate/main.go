package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/vladislavdragonenkov/purchases/internal/storage/postgres"
)

const defaultTimeout = 30 * time.Second

var errUsage = errors.New("usage")

type options struct {
	direction string
	steps     int
	dsn       string
	timeout   time.Duration
}

func main() {
	// .env необязателен; уже выставленные переменные не перезаписываются.
	_ = godotenv.Load()
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run возвращает код выхода: 0 успех, 1 ошибка базы, 2 неверные аргументы.
func run(args []string, stdout, stderr io.Writer) int {
	opts, err := parseOptions(args, stderr)
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			_, _ = fmt.Fprintln(stderr, err)
		}
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()

	store, err := postgres.Open(ctx, opts.dsn)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "open postgres store: %v\n", err)
		return 1
	}
	defer store.Close()

	switch opts.direction {
	case "up":
		err = store.MigrateUp(ctx, opts.steps)
	case "down":
		err = store.MigrateDown(ctx, opts.steps)
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "migrate %s: %v\n", opts.direction, err)
		return 1
	}

	status, err := store.SchemaStatus(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "schema status: %v\n", err)
		return 1
	}
	printStatus(stdout, opts.direction, status)
	if len(status.Drifted) > 0 {
		return 1
	}
	return 0
}

func parseOptions(args []string, stderr io.Writer) (options, error) {
	opts := options{}
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.direction, "direction", "up", "up|down|status")
	fs.IntVar(&opts.steps, "steps", 0, "migrations to apply (0 = all) or to revert (0 = one)")
	fs.StringVar(&opts.dsn, "dsn", "", "PostgreSQL DSN (fallback: PURCHASES_POSTGRES_DSN)")
	fs.DurationVar(&opts.timeout, "timeout", defaultTimeout, "overall timeout")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	opts.direction = strings.ToLower(strings.TrimSpace(opts.direction))
	switch opts.direction {
	case "up", "down", "status":
	default:
		return options{}, fmt.Errorf("%w: unsupported direction %q (use up|down|status)", errUsage, opts.direction)
	}
	if opts.steps < 0 {
		return options{}, fmt.Errorf("%w: -steps must be >= 0", errUsage)
	}
	if opts.timeout <= 0 {
		return options{}, fmt.Errorf("%w: -timeout must be positive", errUsage)
	}

	opts.dsn = strings.TrimSpace(opts.dsn)
	if opts.dsn == "" {
		opts.dsn = strings.TrimSpace(os.Getenv("PURCHASES_POSTGRES_DSN"))
	}
	if opts.dsn == "" {
		return options{}, fmt.Errorf("%w: PURCHASES_POSTGRES_DSN (or -dsn) is required", errUsage)
	}
	return opts, nil
}

func printStatus(w io.Writer, direction string, status postgres.SchemaStatus) {
	_, _ = fmt.Fprintf(w, "%s ok: version=%d applied=%d pending=%d\n",
		direction, status.Version, status.Applied, len(status.Pending))
	for _, name := range status.Pending {
		_, _ = fmt.Fprintf(w, "  pending  %s\n", name)
	}
	for _, name := range status.Drifted {
		_, _ = fmt.Fprintf(w, "  DRIFTED  %s\n", name)
	}
}

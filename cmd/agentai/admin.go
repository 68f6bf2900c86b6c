package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/term"

	"github.com/NowSquare/Agent-AI-sub001/internal/adapter/postgres"
	"github.com/NowSquare/Agent-AI-sub001/internal/config"
	"github.com/NowSquare/Agent-AI-sub001/internal/domain/deliberation"
	"github.com/NowSquare/Agent-AI-sub001/internal/service"
)

// runAdmin dispatches admin subcommands.
func runAdmin(args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "--help" {
		printAdminHelp(os.Stderr)
		return nil
	}

	switch args[0] {
	case "prune-memories":
		return runAdminPruneMemories(args[1:])
	case "sweep-expired":
		return runAdminSweepExpired(args[1:])
	case "list-steps":
		return runAdminListSteps(args[1:])
	case "migrate-status":
		return runAdminMigrateStatus(args[1:])
	case "migrate-down":
		return runAdminMigrateDown(args[1:])
	default:
		printAdminHelp(os.Stderr)
		return fmt.Errorf("unknown admin command: %s", args[0])
	}
}

func printAdminHelp(w io.Writer) {
	fmt.Fprint(w, `Usage: agentai admin <command> [options]

Commands:
  prune-memories   Delete memories whose retention has passed
  sweep-expired    Mark unanswered confirmations past their expiry as expired
  list-steps       Print the agent step audit trail
  migrate-status   Print the applied schema version
  migrate-down     Roll back schema migrations
  help             Show this help message

Examples:
  agentai admin prune-memories
  agentai admin list-steps --deliberation 6f1c... --role critic
  agentai admin list-steps --limit 20 | jq .
  agentai admin migrate-down --steps 1
`)
}

// adminDeps is the subset of the runtime an admin command needs.
type adminDeps struct {
	cfg   *config.Config
	pool  *pgxpool.Pool
	store *postgres.Store
}

func loadAdminDeps(ctx context.Context) (*adminDeps, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}

	deps := &adminDeps{cfg: cfg, pool: pool, store: postgres.NewStore(pool)}
	return deps, pool.Close, nil
}

func adminContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Minute)
}

func runAdminPruneMemories(args []string) error {
	fs := flag.NewFlagSet("prune-memories", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := adminContext()
	defer cancel()
	deps, cleanup, err := loadAdminDeps(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	n, err := service.NewMemoryService(deps.store, nil, nil, deps.cfg.Memory).PruneExpired(ctx)
	if err != nil {
		return err
	}
	return writeCount(os.Stdout, isTerminal(os.Stdout), "pruned", n)
}

func runAdminSweepExpired(args []string) error {
	fs := flag.NewFlagSet("sweep-expired", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := adminContext()
	defer cancel()
	deps, cleanup, err := loadAdminDeps(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	// Sweeping only transitions rows; no links are signed and nothing is dispatched.
	svc := service.NewActionService(deps.store, nil, nil, nil, nil, nil, nil, deps.cfg.Routing, deps.cfg.Actions)
	n, err := svc.SweepExpired(ctx)
	if err != nil {
		return err
	}
	return writeCount(os.Stdout, isTerminal(os.Stdout), "expired", int64(n))
}

func runAdminListSteps(args []string) error {
	fs := flag.NewFlagSet("list-steps", flag.ContinueOnError)
	deliberationID := fs.String("deliberation", "", "filter by deliberation ID")
	messageID := fs.String("message", "", "filter by message ID")
	role := fs.String("role", "", "filter by role (worker, critic, arbiter)")
	limit := fs.Int("limit", 100, "maximum number of steps")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := adminContext()
	defer cancel()
	deps, cleanup, err := loadAdminDeps(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	steps, err := service.NewAuditService(deps.store).ListSteps(ctx, deliberation.StepFilter{
		DeliberationID: *deliberationID,
		MessageID:      *messageID,
		Role:           deliberation.Role(*role),
		Limit:          *limit,
	})
	if err != nil {
		return fmt.Errorf("list steps: %w", err)
	}
	return writeSteps(os.Stdout, isTerminal(os.Stdout), steps)
}

func runAdminMigrateStatus(args []string) error {
	fs := flag.NewFlagSet("migrate-status", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ctx, cancel := adminContext()
	defer cancel()

	v, err := postgres.MigrationVersion(ctx, cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("migration version: %w", err)
	}
	return writeCount(os.Stdout, isTerminal(os.Stdout), "version", v)
}

func runAdminMigrateDown(args []string) error {
	fs := flag.NewFlagSet("migrate-down", flag.ContinueOnError)
	steps := fs.Int("steps", 1, "number of migrations to roll back")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *steps < 1 {
		return errors.New("--steps must be at least 1")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ctx, cancel := adminContext()
	defer cancel()

	if err := postgres.RollbackMigrations(ctx, cfg.Postgres.DSN, *steps); err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	v, err := postgres.MigrationVersion(ctx, cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("migration version: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Rolled back %d migration(s), now at version %d\n", *steps, v)
	return nil
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd())) //nolint:gosec // fd fits in int
}

// writeCount prints a single named count, as text on a terminal and as a
// JSON object otherwise.
func writeCount(w io.Writer, table bool, name string, n int64) error {
	if table {
		_, err := fmt.Fprintf(w, "%s: %d\n", name, n)
		return err
	}
	return json.NewEncoder(w).Encode(map[string]int64{name: n})
}

// writeSteps prints steps as an aligned table on a terminal and as JSON
// otherwise, so the output can be piped into other tools.
func writeSteps(w io.Writer, table bool, steps []deliberation.AgentStep) error {
	if !table {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(steps)
	}

	if len(steps) == 0 {
		_, err := fmt.Fprintln(w, "No agent steps found.")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tDELIBERATION\tROLE\tROUND\tTOOL\tATTEMPT\tCANDIDATE\tSCORE\tMODEL\tLATENCY_MS\tERROR")
	for i := range steps {
		s := &steps[i]
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%d\t%s\t%s\t%s\t%d\t%s\n",
			s.ID, s.DeliberationID, s.Role, s.Round, s.Tool, s.Attempt,
			dash(s.CandidateID), formatScore(s.VoteScore), s.ProviderModel(), s.LatencyMs, dash(s.Error))
	}
	return tw.Flush()
}

func formatScore(v *float64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatFloat(*v, 'f', 2, 64)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

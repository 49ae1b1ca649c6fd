package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/chzyer/readline"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"

	"github.com/runloom/runloom"
	"github.com/runloom/runloom/backends/postgres"
)

type config struct {
	// SQLitePath is used when no Postgres DSN is configured.
	SQLitePath  string `env:"RUNLOOM_SQLITE_PATH"`
	PostgresDSN string `env:"RUNLOOM_POSTGRES_DSN"`
	LogLevel    string `env:"RUNLOOM_LOG_LEVEL" envDefault:"info"`
}

func main() {
	_ = godotenv.Load()
	ctx := context.Background()

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		panic(err)
	}

	// Logging
	level := slog.LevelInfo
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		panic(err)
	}
	logHandler := tint.NewHandler(os.Stdout, &tint.Options{
		Level:      level,
		TimeFormat: time.StampMilli,
	})
	slog.SetDefault(slog.New(logHandler))

	// Store
	var store runloom.Store
	switch {
	case cfg.PostgresDSN != "":
		pg, err := postgres.New(cfg.PostgresDSN)
		if err != nil {
			panic(err)
		}
		defer pg.Close()
		store = pg
		fmt.Println("Using postgres store")
	default:
		dbPath := cfg.SQLitePath
		if dbPath == "" {
			dbPath = filepath.Join(os.TempDir(), "runloom.sqlite")
		}
		sqlite, err := runloom.NewSQLiteStore(dbPath)
		if err != nil {
			panic(err)
		}
		defer sqlite.Close()
		store = sqlite
		fmt.Println("Using sqlite store at", dbPath)
	}

	client := runloom.NewClient(store)

	historyFile := filepath.Join(os.TempDir(), "runloomctl_history.txt")
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "runloom> ",
		HistoryFile:     historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "Goodbye!\n",
	})
	if err != nil {
		panic(err)
	}
	defer rl.Close()

	fmt.Println("Type 'help' for commands. Press Ctrl+C to quit.")
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				fmt.Println("Goodbye!")
				break
			}
			continue
		} else if err == io.EOF {
			break
		}

		args := strings.Fields(line)
		if len(args) == 0 {
			continue
		}

		if err := dispatch(ctx, client, args); err != nil {
			fmt.Println("[error]", err)
		}
	}
}

func dispatch(ctx context.Context, client *runloom.Client, args []string) error {
	switch args[0] {
	case "help":
		fmt.Print(usage)
		return nil
	case "create":
		if len(args) < 2 {
			return fmt.Errorf("usage: create <flow-id> [idempotency-key]")
		}
		spec := runloom.RunSpec{FlowID: args[1], State: runloom.Scheduled()}
		if len(args) > 2 {
			spec.IdempotencyKey = args[2]
		}
		run, err := client.CreateRun(ctx, spec)
		if err != nil {
			return err
		}
		printRun(run)
		return nil
	case "state":
		if len(args) < 3 {
			return fmt.Errorf("usage: state <run-id> <state-type> [force]")
		}
		force := len(args) > 3 && args[3] == "force"
		result, err := client.SetState(ctx, args[1], &runloom.State{Type: runloom.StateType(strings.ToUpper(args[2]))}, force)
		if err != nil {
			return err
		}
		fmt.Println("status:", result.Status)
		if result.Details.Reason != "" {
			fmt.Println("reason:", result.Details.Reason)
		}
		if result.Details.RetryAfter > 0 {
			fmt.Println("retry after:", result.Details.RetryAfter)
		}
		return nil
	case "get":
		if len(args) < 2 {
			return fmt.Errorf("usage: get <run-id>")
		}
		run, err := client.GetRun(ctx, args[1])
		if err != nil {
			return err
		}
		printRun(run)
		return nil
	case "history":
		if len(args) < 2 {
			return fmt.Errorf("usage: history <run-id>")
		}
		history, err := client.StateHistory(ctx, args[1])
		if err != nil {
			return err
		}
		for i, state := range history {
			fmt.Printf("%3d  %-11s %s  %s\n", i, state.Type, state.Timestamp.Format(time.RFC3339), state.Message)
		}
		return nil
	case "list":
		filter := runloom.RunFilter{}
		if len(args) > 1 {
			filter.FlowIDs = []string{args[1]}
		}
		runs, err := client.ListRuns(ctx, filter, 0, 50, runloom.RunSortCreatedDesc)
		if err != nil {
			return err
		}
		for _, run := range runs {
			stateType := runloom.NoType
			if run.State != nil {
				stateType = run.State.Type
			}
			fmt.Printf("%-24s %-16s %-11s %s\n", run.ID, run.FlowID, stateType, run.CreatedAt.Format(time.RFC3339))
		}
		return nil
	case "delete":
		if len(args) < 2 {
			return fmt.Errorf("usage: delete <run-id>")
		}
		deleted, err := client.DeleteRun(ctx, args[1])
		if err != nil {
			return err
		}
		if !deleted {
			return runloom.ErrRunNotFound
		}
		fmt.Println("deleted")
		return nil
	default:
		return fmt.Errorf("unknown command %q, try 'help'", args[0])
	}
}

func printRun(run *runloom.Run) {
	fmt.Println("id:        ", run.ID)
	fmt.Println("flow:      ", run.FlowID)
	fmt.Println("name:      ", run.Name)
	if run.IdempotencyKey != "" {
		fmt.Println("key:       ", run.IdempotencyKey)
	}
	if run.State != nil {
		fmt.Println("state:     ", run.State.Type)
	}
	fmt.Println("run count: ", run.RunCount)
	fmt.Println("created:   ", run.CreatedAt.Format(time.RFC3339))
}

const usage = `Commands:
  create <flow-id> [idempotency-key]   create a run in SCHEDULED state
  state <run-id> <state-type> [force]  propose a state transition
  get <run-id>                         show a run
  history <run-id>                     show a run's state history
  list [flow-id]                       list recent runs
  delete <run-id>                      delete a run and its history
  help                                 show this help
`

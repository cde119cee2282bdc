package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/tallybook/tallybook/internal/config"
	"github.com/tallybook/tallybook/internal/record"
	"github.com/tallybook/tallybook/internal/session"
	"github.com/tallybook/tallybook/internal/storage"
	"github.com/tallybook/tallybook/internal/user"
	"github.com/tallybook/tallybook/internal/writequeue"
)

type programRunner interface {
	Run() (tea.Model, error)
	Send(msg tea.Msg)
}

type programFactory func(tea.Model, ...tea.ProgramOption) programRunner

func openStore(ctx context.Context, cfg config.Config) (storage.Store, error) {
	if cfg.UsesPostgres() {
		return storage.NewPostgresStore(ctx, cfg.DBURL)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return storage.NewSQLiteStore(cfg.SQLitePath(), cfg.PoolSize)
}

func run(stdin io.Reader, stdout io.Writer, newProgram programFactory) error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close(context.Background())

	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	users := user.NewService(store.Users())
	records := record.NewService(store.Records())
	queue := writequeue.New(records, cfg.FlushInterval)

	tokens, err := session.NewFileTokenStore("")
	if err != nil {
		return err
	}
	manager := session.NewManager(users, records, queue, tokens, cfg.SessionTTL)
	if _, err := manager.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	queueCtx, stopQueue := context.WithCancel(context.Background())
	queueDone := make(chan struct{})
	go func() {
		queue.Run(queueCtx)
		close(queueDone)
	}()

	if newProgram == nil {
		newProgram = func(model tea.Model, options ...tea.ProgramOption) programRunner {
			return tea.NewProgram(model, options...)
		}
	}

	app := &app{session: manager, records: records, queue: queue}
	p := newProgram(newRootModel(app), tea.WithAltScreen(), tea.WithInput(stdin), tea.WithOutput(stdout))
	queue.Notify = func(event writequeue.Event) {
		p.Send(queueEventMsg{event: event})
	}

	go func() {
		<-ctx.Done()
		p.Send(tea.Quit())
	}()

	_, runErr := p.Run()

	// Stop the flush loop last; its shutdown path drains anything pending.
	stopQueue()
	<-queueDone
	return runErr
}

func main() {
	if err := run(os.Stdin, os.Stdout, nil); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

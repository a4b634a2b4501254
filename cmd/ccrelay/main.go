package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/twistedxcom/ccrelay/internal/channel"
	"github.com/twistedxcom/ccrelay/internal/config"
	"github.com/twistedxcom/ccrelay/internal/logging"
	"github.com/twistedxcom/ccrelay/internal/relay"
	"github.com/twistedxcom/ccrelay/internal/state"
	"github.com/twistedxcom/ccrelay/internal/tmux"
	"github.com/twistedxcom/ccrelay/internal/transcript"
)

const Version = "0.3.1"

func main() {
	args := os.Args[1:]
	if len(args) > 0 {
		switch args[0] {
		case "hook":
			os.Exit(runHook(args[1:]))
		case "version", "--version", "-v":
			fmt.Println("ccrelay " + Version)
			return
		case "help", "--help", "-h":
			printHelp()
			return
		default:
			fmt.Fprintf(os.Stderr, "ccrelay: unknown command %q\n\n", args[0])
			printHelp()
			os.Exit(2)
		}
	}

	if err := runDaemon(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "ccrelay:", err)
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Print(`ccrelay - relay a coding-agent tmux session to Telegram

Usage:
  ccrelay                 run the bot daemon
  ccrelay hook            SessionStart hook (reads one JSON event on stdin)
  ccrelay hook --install  register the hook in the agent's settings.json
  ccrelay version         print version
`)
}

func runDaemon() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := tmux.IsAvailable(); err != nil {
		return err
	}

	logging.Init(logging.Config{
		LogDir: config.Dir(),
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	defer logging.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	driver := tmux.NewClient(cfg.TmuxSession, cfg.AgentCommand)
	if err := driver.EnsureSession(ctx); err != nil {
		return fmt.Errorf("tmux session %s: %w", cfg.TmuxSession, err)
	}

	store := state.New(cfg.StateFile, cfg.SessionMapFile, cfg.ProjectsDir, cfg.TmuxSession, driver)
	tg := channel.NewTelegram(cfg.BotToken)

	r := relay.New(tg, driver, store, relay.Options{
		MaxQueueSize:     cfg.MaxQueueSize,
		MergeBudget:      cfg.MergeBudget,
		SendInterval:     cfg.SendInterval(),
		PollInterval:     cfg.PollInterval(),
		HideUserMessages: !cfg.ShowUserMessages,
	})
	defer r.Shutdown()

	monitor := transcript.NewMonitor(cfg.ProjectsDir, func(ctx context.Context, ev transcript.Event) {
		r.HandleEvent(ctx, ev)
	})
	b := &bot{cfg: cfg, tg: tg, relay: r, store: store, driver: driver}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return store.Watch(ctx) })
	g.Go(func() error { return monitor.Run(ctx) })
	g.Go(func() error { return r.RunPoller(ctx) })
	g.Go(func() error { return b.run(ctx) })

	logging.Logger().Info("daemon_started",
		"version", Version, "tmux_session", cfg.TmuxSession)
	return g.Wait()
}

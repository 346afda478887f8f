package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/robfig/cron/v3"

	"github.com/bobuk/campsync/internal/config"
	"github.com/bobuk/campsync/internal/log"
	"github.com/bobuk/campsync/internal/runner"
	"github.com/bobuk/campsync/internal/store"
)

const usage = `Usage: campsync [flags] (sync|daemon|desync|list)

Flags:
`

// verbosity counts repeated -v flags.
type verbosity int

func (v *verbosity) String() string   { return strconv.Itoa(int(*v)) }
func (v *verbosity) IsBoolFlag() bool { return true }
func (v *verbosity) Set(s string) error {
	if s == "true" {
		*v++
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	*v = verbosity(n)
	return nil
}

func main() {
	var (
		configPath string
		dryRun     bool
		debug      bool
		verbose    verbosity
	)
	flag.StringVar(&configPath, "config", "", "path to "+config.FileName)
	flag.BoolVar(&dryRun, "dry-run", false, "log calendar writes instead of performing them")
	flag.BoolVar(&debug, "vv", false, "debug logging")
	flag.Var(&verbose, "v", "verbose logging, repeat for debug")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	command := "sync"
	if flag.NArg() > 0 {
		command = flag.Arg(0)
	}

	cfg, err := config.Load(configPath, os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(2)
	}

	level := log.FromVerbosity(int(verbose))
	if debug {
		level = log.LevelDebug
	}
	if verbose == 0 && !debug && cfg.LogLevel != "" {
		if lv, err := log.ParseLevel(cfg.LogLevel); err == nil {
			level = lv
		}
	}
	l := log.New(os.Stderr, level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch command {
	case "sync":
		err = syncOnce(ctx, cfg, l, dryRun)
	case "daemon":
		err = daemon(ctx, cfg, l, dryRun)
	case "desync":
		err = desync(ctx, cfg, l)
	case "list":
		err = listRuns(ctx, cfg)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		if config.IsConfigError(err) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func syncOnce(ctx context.Context, cfg *config.Config, l *log.Logger, dryRun bool) error {
	r, st, err := runner.Build(ctx, cfg, l, runner.Options{DryRun: dryRun})
	if err != nil {
		return err
	}
	defer st.Close()

	fmt.Println("🚀 Starting calendar synchronization...")
	s, err := r.Run(ctx)
	if err != nil {
		return err
	}
	printSummary(s)
	return nil
}

func printSummary(s runner.Summary) {
	m := s.Main
	fmt.Printf("📅 %d created, %d updated, %d deleted, %d failed\n", m.Created, m.Updated, m.Deleted, m.Failed+m.Permission)
	if s.Propagation {
		fmt.Printf("  ↪️ %d bookings propagated, %d removed\n", m.Propagated, m.Removed)
	}
	for code, r := range s.Sites {
		fmt.Printf("  📅 %s: %d created, %d updated, %d deleted\n", code, r.Created, r.Updated, r.Deleted)
	}
	fmt.Println("✅ Calendar synchronization complete")
}

func daemon(ctx context.Context, cfg *config.Config, l *log.Logger, dryRun bool) error {
	r, st, err := runner.Build(ctx, cfg, l, runner.Options{DryRun: dryRun})
	if err != nil {
		return err
	}
	defer st.Close()

	cl := log.CronLogger{L: l}
	c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	if _, err := c.AddFunc(cfg.Schedule, func() {
		if _, err := r.Run(ctx); err != nil {
			l.Error("scheduled sync failed", err)
		}
	}); err != nil {
		return fmt.Errorf("%w: schedule %q: %v", config.ErrConfig, cfg.Schedule, err)
	}

	l.Normal("daemon started", "schedule", cfg.Schedule)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	l.Normal("daemon stopped")
	return nil
}

func desync(ctx context.Context, cfg *config.Config, l *log.Logger) error {
	r, st, err := runner.Build(ctx, cfg, l, runner.Options{})
	if err != nil {
		return err
	}
	defer st.Close()

	fmt.Println("🚀 Starting calendar desynchronization...")
	n, err := r.Desync(ctx)
	fmt.Printf("🗑️ %d synced events removed\n", n)
	if err != nil {
		return err
	}
	fmt.Println("✅ Calendar desynchronization complete")
	return nil
}

func listRuns(ctx context.Context, cfg *config.Config) error {
	st, err := store.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	runs, err := st.Runs(ctx, 20)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		return errors.New("no sync runs recorded yet")
	}

	fmt.Println("📋 Recent sync runs:")
	for _, r := range runs {
		fmt.Printf("  %s %s [%s] +%d ~%d -%d !%d ↪️%d\n", r.Started.Local().Format("2006-01-02 15:04"), shortID(r.ID),
			r.Status, r.Created, r.Updated, r.Deleted, r.Failed, r.Propagated)
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

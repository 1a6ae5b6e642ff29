package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"

	taskchain "github.com/Swind/go-task-chain"
	"github.com/Swind/go-task-chain/config"
	"github.com/Swind/go-task-chain/core"
	taskprom "github.com/Swind/go-task-chain/observability/prometheus"
	"github.com/Swind/go-task-chain/process"
)

func runCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "run commands in order, each after the previous one succeeded",
		ArgsUsage: "COMMAND [COMMAND...]",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "parallel",
				Aliases: []string{"p"},
				Usage:   "run the commands as one batch instead of a chain",
			},
			&cli.BoolFlag{
				Name:    "exclusive",
				Aliases: []string{"x"},
				Usage:   "run on the exclusive lane, one command at a time",
			},
			&cli.BoolFlag{
				Name:    "keep-going",
				Aliases: []string{"k"},
				Usage:   "continue the chain after a failed command",
			},
			&cli.StringFlag{
				Name:  "dir",
				Usage: "working directory of the commands",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "cancel the run after this long",
			},
			&cli.StringFlag{
				Name:  "journal",
				Usage: "SQLite database to record executions in",
			},
			&cli.StringFlag{
				Name:  "metrics-addr",
				Usage: "serve Prometheus metrics on this address while running",
			},
		},
		Action: runAction,
	}
}

// runPlan is the parsed form of a run invocation.
type runPlan struct {
	commands  []process.Command
	parallel  bool
	exclusive bool
	keepGoing bool
}

func runAction(c *cli.Context) error {
	// 1. Get flags
	if c.NArg() == 0 {
		return cli.Exit("at least one command is required", 2)
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	if dsn := c.String("journal"); dsn != "" {
		cfg.Journal.Driver = "sqlite"
		cfg.Journal.DSN = dsn
	}
	if addr := c.String("metrics-addr"); addr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Address = addr
	}

	// 2. Validate
	plan := runPlan{
		parallel:  c.Bool("parallel"),
		exclusive: c.Bool("exclusive"),
		keepGoing: c.Bool("keep-going"),
	}
	for _, arg := range c.Args().Slice() {
		cmd, err := parseCommand(arg)
		if err != nil {
			return cli.Exit(err.Error(), 2)
		}
		cmd.Dir = c.String("dir")
		plan.commands = append(plan.commands, cmd)
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if timeout := c.Duration("timeout"); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	// 3. Run
	ok, err := execute(ctx, cfg, plan, c.App.Writer, c.App.ErrWriter)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Failed: %v", err), 1)
	}

	// 4. Format output
	if !ok {
		return cli.Exit("run failed", 1)
	}
	return nil
}

// execute runs plan on a fresh manager and reports whether every command
// succeeded. The error covers setup and shutdown problems only.
func execute(ctx context.Context, cfg *config.Config, plan runPlan, out, errOut io.Writer) (bool, error) {
	logger := cfg.Log.NewLogger(errOut)
	mcfg := cfg.ManagerConfig()
	mcfg.Logger = logger

	journal, closeJournal, err := openJournal(ctx, cfg.Journal)
	if err != nil {
		return false, err
	}
	defer closeJournal()
	if journal != nil {
		mcfg.Journal = journal
		mcfg.JournalErrorHandler = func(entry *core.JournalEntry, err error) {
			logger.Error("journal entry lost", core.F("task", entry.Name), core.F("error", err))
		}
	}

	var reg *prom.Registry
	if cfg.Metrics.Enabled {
		reg = prom.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
		exporter, err := taskprom.NewMetricsExporter(cfg.Metrics.Namespace, reg, taskprom.ExporterOptions{})
		if err != nil {
			return false, err
		}
		mcfg.Metrics = exporter
	}

	m := taskchain.NewManager(mcfg)

	if reg != nil {
		poller, err := taskprom.NewNamespacedSnapshotPoller(cfg.Metrics.Namespace, reg, cfg.Metrics.PollInterval)
		if err != nil {
			_ = m.Shutdown(context.Background())
			return false, err
		}
		poller.AddManager("taskchain", m)
		poller.AddPool(m.ThreadPool().ID(), m.ThreadPool())
		poller.Start(ctx)
		defer poller.Stop()

		server := serveMetrics(cfg.Metrics.Address, reg, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()
	}

	execRunner := process.NewExecRunner(logger)
	execRunner.SetMaxLineSize(cfg.Process.MaxLineSize)
	runner := process.NewResilientRunner(execRunner, cfg.Process.RetryConfig(), cfg.Process.BreakerConfig(), logger)

	root, nodes := build(m.Manager, runner, plan, out)
	done := make(chan bool, 1)
	root.FinallyInline(func(success bool) { done <- success })

	var startErr error
	if startErr = root.Start(); startErr == nil {
		select {
		case <-done:
		case <-ctx.Done():
			logger.Warn("run canceled", core.F("cause", context.Cause(ctx)))
			if err := execRunner.KillAll(); err != nil {
				logger.Warn("kill processes", core.F("error", err))
			}
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Scheduler.ShutdownTimeout)
	defer cancel()
	shutdownErr := m.Shutdown(shutdownCtx)

	ok := printSummary(out, nodes)
	if startErr != nil {
		return false, startErr
	}
	if shutdownErr != nil {
		logger.Warn("shutdown incomplete", core.F("error", shutdownErr))
	}
	return ok && ctx.Err() == nil, nil
}

// build turns the plan into nodes. Chains link every command after the
// previous one; batches queue them all on one TaskQueue.
func build(m *core.Manager, runner process.Runner, plan runPlan, out io.Writer) (core.Runnable, []core.Runnable) {
	affinity := core.AffinityConcurrent
	if plan.exclusive {
		affinity = core.AffinityExclusive
	}
	var mu sync.Mutex

	streams := make([]*core.StreamNode[core.None, string], 0, len(plan.commands))
	nodes := make([]core.Runnable, 0, len(plan.commands))
	for _, cmd := range plan.commands {
		name := cmd.String()
		s := process.NewLineStream(m, runner, cmd, core.WithName(name), core.WithAffinity(affinity))
		s.OnData(func(line string) {
			mu.Lock()
			defer mu.Unlock()
			if plan.parallel {
				fmt.Fprintf(out, "[%s] %s\n", name, line)
				return
			}
			fmt.Fprintln(out, line)
		})
		streams = append(streams, s)
		nodes = append(nodes, s)
	}

	if plan.parallel {
		q := core.NewTaskQueue[[]string](m, core.WithName("batch"))
		for _, s := range streams {
			q.Queue(s)
		}
		return q, nodes
	}

	opt := core.OnSuccess
	if plan.keepGoing {
		opt = core.OnAlways
	}
	for i := 1; i < len(nodes); i++ {
		nodes[i-1].Then(nodes[i], opt)
	}
	return nodes[0], nodes
}

// printSummary writes one line per node and reports whether all succeeded.
func printSummary(out io.Writer, nodes []core.Runnable) bool {
	ok := true
	for _, n := range nodes {
		switch {
		case n.Successful():
			fmt.Fprintf(out, "✓ %s\n", n.Name())
		case n.State() == core.StateSkipped:
			ok = false
			fmt.Fprintf(out, "- %s (skipped)\n", n.Name())
		default:
			ok = false
			err := n.Err()
			if err == nil {
				err = errors.New(n.State().String())
			}
			fmt.Fprintf(out, "✗ %s: %v\n", n.Name(), err)
		}
	}
	return ok
}

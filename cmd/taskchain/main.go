// Command taskchain runs shell-free command lines as a task chain and keeps an
// execution journal.
//
//	taskchain run "git fetch" "git status --short"
//	taskchain run --parallel --journal journal.db "make lint" "make test"
//	taskchain history --journal journal.db --status failed
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/Swind/go-task-chain/config"
	"github.com/Swind/go-task-chain/core"
	"github.com/Swind/go-task-chain/store/sqljournal"

	_ "modernc.org/sqlite"
)

func main() {
	if err := newApp(os.Stdout, os.Stderr).Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp(out, errOut io.Writer) *cli.App {
	return &cli.App{
		Name:      "taskchain",
		Usage:     "run commands as a task chain",
		Writer:    out,
		ErrWriter: errOut,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a YAML, JSON or TOML config file",
				EnvVars: []string{"TASKCHAIN_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			runCommand(),
			historyCommand(),
		},
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	return cfg, nil
}

// openJournal returns the configured journal and a function releasing it.
// A nil journal means journaling is off.
func openJournal(ctx context.Context, cfg config.JournalConfig) (core.Journal, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Driver {
	case "":
		return nil, noop, nil
	case "memory":
		return core.NewMemoryJournal(), noop, nil
	case "sqlite":
		store, err := sqljournal.Open(ctx, "sqlite", cfg.DSN)
		if err != nil {
			return nil, noop, err
		}
		return store, store.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown journal driver %q", cfg.Driver)
	}
}

// serveMetrics exposes reg on addr/metrics until the returned server is shut
// down.
func serveMetrics(addr string, reg *prom.Registry, logger core.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server stopped", core.F("address", addr), core.F("error", err))
		}
	}()
	logger.Info("serving metrics", core.F("address", addr))
	return server
}

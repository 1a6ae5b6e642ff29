package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/Swind/go-task-chain/core"
	"github.com/Swind/go-task-chain/store/sqljournal"
)

func historyCommand() *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "list journaled executions, newest first",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "journal",
				Usage: "SQLite database written by run --journal",
			},
			&cli.StringFlag{
				Name:  "status",
				Usage: "only show entries with this status (succeeded, failed, skipped, canceled)",
			},
			&cli.StringFlag{
				Name:  "name",
				Usage: "only show entries with this node name",
			},
			&cli.IntFlag{
				Name:  "limit",
				Value: 20,
				Usage: "maximum number of entries",
			},
			&cli.IntFlag{
				Name:  "offset",
				Usage: "skip this many entries",
			},
			&cli.DurationFlag{
				Name:  "prune",
				Usage: "delete entries that finished longer ago than this before listing",
			},
		},
		Action: historyAction,
	}
}

func historyAction(c *cli.Context) error {
	dsn := c.String("journal")
	if dsn == "" {
		cfg, err := loadConfig(c)
		if err != nil {
			return cli.Exit(err.Error(), 2)
		}
		if cfg.Journal.Driver == "sqlite" {
			dsn = cfg.Journal.DSN
		}
	}
	if dsn == "" {
		return cli.Exit("a journal is required: pass --journal or configure journal.dsn", 2)
	}

	store, err := sqljournal.Open(c.Context, "sqlite", dsn)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Failed: %v", err), 1)
	}
	defer store.Close()

	if age := c.Duration("prune"); age > 0 {
		n, err := store.Prune(c.Context, time.Now().Add(-age))
		if err != nil {
			return cli.Exit(fmt.Sprintf("Failed: %v", err), 1)
		}
		fmt.Fprintf(c.App.ErrWriter, "pruned %d entries\n", n)
	}

	entries, err := store.List(c.Context, core.JournalFilter{
		Status: core.JournalStatus(strings.ToUpper(c.String("status"))),
		Name:   c.String("name"),
		Limit:  c.Int("limit"),
		Offset: c.Int("offset"),
	})
	if err != nil {
		return cli.Exit(fmt.Sprintf("Failed: %v", err), 1)
	}
	return printHistory(c.App.Writer, entries)
}

func printHistory(out io.Writer, entries []*core.JournalEntry) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FINISHED\tSTATUS\tLANE\tNAME\tERROR")
	for _, e := range entries {
		finished := "-"
		if !e.FinishedAt.IsZero() {
			finished = e.FinishedAt.Local().Format(time.DateTime)
		}
		status := string(e.Status)
		if e.Recovered {
			status += " (recovered)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", finished, status, e.Lane, e.Name, e.Error)
	}
	return w.Flush()
}

package main

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/detectrelay/detectrelay/internal/db"
	"github.com/detectrelay/detectrelay/internal/janitor"
	"github.com/detectrelay/detectrelay/internal/logging"
)

func newSweepCommand(ctx *commandContext) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove temp files left behind by interrupted jobs",
		Long: "Sweep removes every file recorded in the artifact ledger by jobs that did not\n" +
			"finish cleanly, for example after a crash. It refuses to run while a server\n" +
			"holds the data directory.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			lock, err := lockDataDir(cfg)
			if err != nil {
				return err
			}
			defer lock.Unlock()

			logger := logging.NewLoggerTo(cmd.ErrOrStderr(), cfg.LogLevel(), cfg.LogFormat())
			database, err := db.New(cfg.DBPath(), logger)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer database.Close()

			ledger := janitor.NewLedger(database.Conn(), logger)
			out := cmd.OutOrStdout()

			if dryRun {
				entries, err := ledger.Pending(cmd.Context())
				if err != nil {
					return err
				}
				writePending(out, entries, time.Now())
				return nil
			}

			results, err := ledger.Sweep(cmd.Context())
			writeSweepResults(out, results, time.Now())
			return err
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "List leftover files without removing them")
	return cmd
}

func writePending(out io.Writer, entries []janitor.Entry, now time.Time) {
	if len(entries) == 0 {
		fmt.Fprintln(out, "No leftover files.")
		return
	}
	rows := make([][]string, len(entries))
	for i, e := range entries {
		rows[i] = []string{shortID(e.JobID), e.Path, humanize.RelTime(e.CreatedAt, now, "ago", "from now")}
	}
	fmt.Fprintln(out, renderTable([]string{"Job", "Path", "Recorded"}, rows))
}

func writeSweepResults(out io.Writer, results []janitor.SweepResult, now time.Time) {
	if len(results) == 0 {
		fmt.Fprintln(out, "No leftover files.")
		return
	}
	rows := make([][]string, len(results))
	failed := 0
	for i, r := range results {
		outcome := "removed"
		switch {
		case r.Err != nil:
			outcome = "failed: " + r.Err.Error()
			failed++
		case r.Missing:
			outcome = "already gone"
		}
		rows[i] = []string{shortID(r.JobID), r.Path, humanize.RelTime(r.CreatedAt, now, "ago", "from now"), outcome}
	}
	fmt.Fprintln(out, renderTable([]string{"Job", "Path", "Recorded", "Result"}, rows))
	fmt.Fprintf(out, "%d swept, %d failed\n", len(results)-failed, failed)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func renderTable(headers []string, rows [][]string) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, len(headers))
	for i, h := range headers {
		header[i] = h
	}
	tw.AppendHeader(header)

	for _, row := range rows {
		r := make(table.Row, len(headers))
		for i := range headers {
			if i < len(row) {
				r[i] = row[i]
			}
		}
		tw.AppendRow(r)
	}
	return tw.Render()
}

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kolkov/listverifier/internal/history"
	"github.com/kolkov/listverifier/internal/verify/report"
)

func (a *app) historyCmd() *cobra.Command {
	var (
		limit  int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List stored run summaries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.openHistory()
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.List(limit)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSONLines(cmd.OutOrStdout(), runs)
			}
			return writeRunTable(cmd.OutOrStdout(), runs)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "show at most this many recent runs (0: all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "one JSON summary per line")

	cmd.AddCommand(&cobra.Command{
		Use:   "show <run-id>",
		Short: "Print one run summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openHistory()
			if err != nil {
				return err
			}
			defer store.Close()

			sum, err := store.Get(args[0])
			if err != nil {
				return err
			}
			sum.Format(cmd.OutOrStdout())
			return nil
		},
	})
	return cmd
}

func (a *app) openHistory() (*history.Store, error) {
	dir := a.cfg.Report.HistoryDir
	if dir == "" {
		return nil, errors.New("history: no database configured (use --history or report.history_dir)")
	}
	return history.Open(history.Config{Dir: dir, Logger: a.logger})
}

func writeRunTable(w io.Writer, runs []report.Summary) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN ID\tSTARTED\tDURATION\tTARGET\tPID\tVIOLATIONS\tTRAVERSALS\tLENGTH")
	for i := range runs {
		r := &runs[i]
		length := "unknown"
		if r.LengthKnown {
			length = fmt.Sprint(r.ExpectedLength)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			r.RunID,
			r.Started.Local().Format(time.DateTime),
			r.Stopped.Sub(r.Started).Round(time.Millisecond),
			r.Target,
			r.PID,
			r.TotalViolations(),
			r.Traversals,
			length)
	}
	return tw.Flush()
}

func writeJSONLines(w io.Writer, runs []report.Summary) error {
	enc := json.NewEncoder(w)
	for i := range runs {
		if err := enc.Encode(&runs[i]); err != nil {
			return err
		}
	}
	return nil
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/warden/internal/storage"
)

var (
	historyProgram string
	historyStatus  string
	historyLimit   int
	historyJSON    bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent executions from the history store",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().StringVar(&historyProgram, "program", "", "only executions of this program")
	historyCmd.Flags().StringVar(&historyStatus, "status", "", "only executions with this status (success, failed, denied, timeout, cancelled)")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", storage.DefaultLimit, "maximum number of rows")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "print rows as JSON")
}

func runHistory(_ *cobra.Command, _ []string) error {
	sc, cleanup, err := setup()
	if err != nil {
		return err
	}
	defer cleanup()

	if sc.Store == nil {
		return fmt.Errorf("no storage configured; enable the storage section to record history")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rows, err := sc.Store.Executions().Recent(ctx, storage.Filter{
		Program: historyProgram,
		Status:  historyStatus,
		Limit:   historyLimit,
	})
	if err != nil {
		return fmt.Errorf("querying history: %w", err)
	}

	if historyJSON {
		data, err := json.MarshalIndent(rows, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tSTATUS\tEXIT\tDURATION\tCOMMAND\tREASON")
	for _, e := range rows {
		exit := "-"
		if e.ExitCode != nil {
			exit = fmt.Sprint(*e.ExitCode)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.StartedAt.Local().Format(time.DateTime), e.Status, exit,
			e.Duration.Round(time.Millisecond), e.Command, e.DeniedReason)
	}
	return w.Flush()
}

package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List past maintenance runs",
	Long:  `Show the most recent maintenance runs from the history store, newest first.`,
	RunE:  runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)

	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum number of runs to show")
}

func runHistory(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return fmt.Errorf("open history store: %w", err)
	}
	defer store.Close()

	runs, err := store.ListRuns(historyLimit)
	if err != nil {
		return err
	}

	if IsJSONOutput() {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(runs)
	}

	if len(runs) == 0 {
		fmt.Println("No runs recorded.")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Run", "Started", "Duration", "Status", "Modes", "Connections", "Error")

	for _, run := range runs {
		duration := "-"
		if !run.CompletedAt.IsZero() {
			duration = run.Duration().Round(time.Second).String()
		}
		errText := run.Error
		if len(errText) > 40 {
			errText = errText[:37] + "..."
		}
		table.Append(
			run.ID[:8],
			run.StartedAt.Format("2006-01-02 15:04"),
			duration,
			string(run.Status),
			strings.Join(run.Modes, ","),
			strings.Join(run.Connections, ","),
			errText,
		)
	}

	table.Render()
	fmt.Printf("\n%d runs\n", len(runs))
	return nil
}

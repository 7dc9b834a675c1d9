package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/sde-tools/gdbmaint/pkg/history"
	"github.com/sde-tools/gdbmaint/pkg/models"
)

var reportShowPhases bool

var reportCmd = &cobra.Command{
	Use:   "report [run-id]",
	Short: "Show the timer report of a stored run",
	Long: `Print the timer report recorded for a run. Accepts a full run id or a
unique prefix; with no argument the most recent run is used.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runReport,
}

func init() {
	rootCmd.AddCommand(reportCmd)

	reportCmd.Flags().BoolVar(&reportShowPhases, "phases", false, "also show the per-phase breakdown, including skipped labels")
}

func runReport(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return fmt.Errorf("open history store: %w", err)
	}
	defer store.Close()

	var run *models.Run
	if len(args) == 0 {
		run, err = store.LastRun()
		if errors.Is(err, history.ErrRunNotFound) {
			return fmt.Errorf("no runs recorded yet")
		}
	} else {
		run, err = findRun(store, args[0])
	}
	if err != nil {
		return err
	}

	phases, err := store.GetPhases(run.ID)
	if err != nil {
		return err
	}

	if IsJSONOutput() {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(map[string]interface{}{
			"run":    run,
			"phases": phases,
		})
	}

	fmt.Printf("Run %s on %s (%s)\n", run.ID, run.Host, run.Status)
	fmt.Printf("Started %s, modes %s\n\n", run.StartedAt.Format("2006-01-02 15:04:05"), strings.Join(run.Modes, ","))
	if run.Error != "" {
		fmt.Printf("Error: %s\n\n", run.Error)
	}

	if run.Report == "" {
		fmt.Println("No report was recorded for this run (report mode was off).")
	} else {
		fmt.Println(run.Report)
	}

	if reportShowPhases && len(phases) > 0 {
		fmt.Println()
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Phase", "Seconds", "Pairs", "Skipped", "Reason")
		for _, p := range phases {
			skipped := "-"
			if p.Skipped {
				skipped = "yes"
			} else if p.SkippedPairs > 0 {
				skipped = fmt.Sprintf("%d pairs", p.SkippedPairs)
			}
			table.Append(p.Label, fmt.Sprintf("%.1f", p.Seconds), fmt.Sprintf("%d", p.Pairs), skipped, p.Reason)
		}
		table.Render()
	}
	return nil
}

// findRun resolves a full run id or a unique prefix.
func findRun(store history.Store, id string) (*models.Run, error) {
	run, err := store.GetRun(id)
	if err == nil {
		return run, nil
	}
	if !errors.Is(err, history.ErrRunNotFound) {
		return nil, err
	}

	runs, err := store.ListRuns(500)
	if err != nil {
		return nil, err
	}
	var match *models.Run
	for _, r := range runs {
		if strings.HasPrefix(r.ID, id) {
			if match != nil {
				return nil, fmt.Errorf("run id prefix %q is ambiguous", id)
			}
			match = r
		}
	}
	if match == nil {
		return nil, fmt.Errorf("run %q not found", id)
	}
	return match, nil
}

package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/sde-tools/gdbmaint/pkg/toolkit"
)

var datasetsOwnerDSN string

var datasetsCmd = &cobra.Command{
	Use:   "datasets",
	Short: "List the datasets an owner connection would maintain",
	Long: `Enumerate the datasets owned by the given connection, exactly as a
maintenance run would see them. Useful for checking what analyze and rebuild
will touch before scheduling a run.`,
	RunE: runDatasets,
}

func init() {
	rootCmd.AddCommand(datasetsCmd)

	datasetsCmd.Flags().StringVar(&datasetsOwnerDSN, "owner", "", "data owner connection DSN (required)")
	datasetsCmd.MarkFlagRequired("owner")
}

func runDatasets(cmd *cobra.Command, args []string) error {
	tk, err := toolkit.NewPostgres(toolkit.Config{DSN: datasetsOwnerDSN})
	if err != nil {
		return fmt.Errorf("open connection: %w", err)
	}
	defer tk.Close()

	ctx := cmd.Context()
	datasets, err := tk.ListDatasets(ctx)
	if err != nil {
		return fmt.Errorf("list datasets: %w", err)
	}
	versions, err := tk.ListVersions(ctx)
	if err != nil {
		return fmt.Errorf("list versions: %w", err)
	}

	if IsJSONOutput() {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(map[string]interface{}{
			"datasets": datasets,
			"versions": versions,
		})
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Dataset")
	for _, ds := range datasets {
		table.Append(ds)
	}
	table.Render()
	fmt.Printf("\n%d datasets\n", len(datasets))

	if len(versions) > 1 {
		fmt.Println("\nEdit versions (any but DEFAULT will prevent optimal compression):")
		for _, v := range versions {
			fmt.Printf("  %s (owner: %s)\n", v.Name, v.Owner)
		}
	}
	return nil
}

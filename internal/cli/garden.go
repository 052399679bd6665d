package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nous-labs/mneme/pkg/gardener"
)

var gardenDeep bool

var gardenCmd = &cobra.Command{
	Use:   "garden",
	Short: "Run one gardener pass and print its report",
	Long:  "Runs a light pass (decay and expiry). With --deep, runs the full maintenance pass instead: fusion, summaries, audits, pruning and proactive planning.",
	RunE:  runGarden,
}

func init() {
	gardenCmd.Flags().BoolVar(&gardenDeep, "deep", false, "Run the deep pass")
}

func runGarden(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	d, err := openDaemon(ctx)
	if err != nil {
		return err
	}
	defer d.Close()

	var report *gardener.Report
	if gardenDeep {
		report = d.Gardener().DeepTick(ctx)
	} else {
		report = d.Gardener().LightTick(ctx)
	}
	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	if len(report.Errors) > 0 {
		return fmt.Errorf("%d gardener step(s) failed", len(report.Errors))
	}
	return nil
}

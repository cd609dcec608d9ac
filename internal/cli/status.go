package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show every pipeline the engine is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := newApp(cmd, appOptions{})
		if err != nil {
			return err
		}
		defer cleanup()

		if _, err := a.attach(cmd.Context()); err != nil {
			return err
		}
		states := a.tracker.List()

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			data, err := json.MarshalIndent(states, "", "  ")
			if err != nil {
				return fmt.Errorf("marshal status: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		}

		if len(states) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No running pipelines.")
			return nil
		}
		renderStates(cmd.OutOrStdout(), states)
		return nil
	},
}

func init() {
	statusCmd.Flags().String("format", "text", "Output format: text or json")
}

package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "History database management",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply history database schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := validConfig()
		if err != nil {
			return err
		}
		db, err := openHistory(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		fmt.Fprintln(cmd.OutOrStdout(), successMsg("history schema up to date (%s)", cfg.History.Driver))
		return nil
	},
}

var dbResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset the history database (destructive!)",
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		if !yes {
			return fmt.Errorf("refusing to reset without --yes")
		}
		cfg, err := validConfig()
		if err != nil {
			return err
		}
		db, err := openHistory(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.Reset(cmd.Context()); err != nil {
			return fmt.Errorf("reset history: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), warnMsg("history database reset"))
		return nil
	},
}

func init() {
	dbResetCmd.Flags().Bool("yes", false, "Confirm the reset")
	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbResetCmd)
}

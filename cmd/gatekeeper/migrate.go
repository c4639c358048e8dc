package main

import (
	"github.com/spf13/cobra"

	"github.com/DukeRupert/gatekeeper/internal"
)

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|down|status]",
	Short:     "Apply ledger schema migrations",
	Long:      `Runs the embedded goose migrations against postgres, or creates the ledger tables when STORE_BACKEND is dynamodb.`,
	Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{internal.MigrateUp, internal.MigrateDown, internal.MigrateStatus},
	RunE: func(cmd *cobra.Command, args []string) error {
		command := internal.MigrateUp
		if len(args) == 1 {
			command = args[0]
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.migrate(cmd.Context(), command); err != nil {
			return err
		}
		a.logger.Info("migrations complete", "backend", a.cfg.StoreBackend, "command", command)
		return nil
	},
}

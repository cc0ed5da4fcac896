package main

import (
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:          "migrate",
	Short:        "Apply pending database migrations and exit",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, logger, database, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer database.Close()

		if err := database.Migrate(cmd.Context()); err != nil {
			return err
		}
		logger.Info("database schema is up to date")
		return nil
	},
}

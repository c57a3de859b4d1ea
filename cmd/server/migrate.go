package main

import (
	"github.com/spf13/cobra"

	"github.com/rl1809/inventory-ledger/internal/config"
)

func newMigrateCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the MySQL ledger tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configFile)
			if err != nil {
				return err
			}
			logger, err := config.NewLogger(cfg.Logger)
			if err != nil {
				return err
			}
			defer logger.Sync()

			s, err := openMySQL(cmd.Context(), cfg.MySQL)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.Migrate(cmd.Context()); err != nil {
				return err
			}
			logger.Info("migration complete")
			return nil
		},
	}
}

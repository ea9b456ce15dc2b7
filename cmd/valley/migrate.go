package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dukerupert/valley/internal/database"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			db, err := database.Open(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()

			version, err := database.Version(db)
			if err != nil {
				return err
			}
			logger.Info("database up to date", "path", cfg.DBPath, "version", version)
			return nil
		},
	}
}

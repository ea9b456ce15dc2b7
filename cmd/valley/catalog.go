package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dukerupert/valley/internal/catalog"
	"github.com/dukerupert/valley/internal/database"
	"github.com/dukerupert/valley/internal/store"
)

func catalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Manage the content catalog",
	}
	cmd.AddCommand(catalogImportCmd())
	return cmd
}

func catalogImportCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "import <file.yaml>",
		Short: "Create or replace sessions from a YAML document",
		Long: `Import reads a YAML document with a top-level "sessions" list. Each
session replaces any stored session with the same id, including its
child sessions and sub-sessions. Missing ids are generated.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			sessions, err := catalog.Parse(f)
			if err != nil {
				return err
			}
			if dryRun {
				for _, s := range sessions {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%d children\n", s.ID, s.Title, len(s.Children))
				}
				return nil
			}

			db, err := database.Open(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()

			n, err := catalog.Import(cmd.Context(), store.NewCatalogStore(db), sessions)
			if err != nil {
				return err
			}
			logger.Info("catalog imported", "file", args[0], "sessions", n)
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "parse and list sessions without writing")
	return cmd
}

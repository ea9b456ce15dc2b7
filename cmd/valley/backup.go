package main

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/dukerupert/valley/internal/backup"
	"github.com/dukerupert/valley/internal/config"
	"github.com/dukerupert/valley/internal/database"
	"github.com/dukerupert/valley/internal/store"
)

func backupConfig(cfg *config.Config) backup.Config {
	return backup.Config{
		S3: backup.S3Config{
			Endpoint:  cfg.Backup.Endpoint,
			Bucket:    cfg.Backup.Bucket,
			Region:    cfg.Backup.Region,
			AccessKey: cfg.Backup.AccessKey,
			SecretKey: cfg.Backup.SecretKey,
			Prefix:    cfg.Backup.Prefix,
		},
		Passphrase:    cfg.Backup.Passphrase,
		Interval:      cfg.Backup.Interval,
		RetentionDays: cfg.Backup.RetentionDays,
	}
}

// withManager opens the database and hands a backup manager to fn.
func withManager(fn func(*backup.Manager) error) error {
	cfg, logger, err := load()
	if err != nil {
		return err
	}
	db, err := database.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	return fn(backup.NewManager(backupConfig(cfg), db, store.NewBackupStore(db), logger.With("component", "backup")))
}

func backupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Encrypted ledger snapshots in S3-compatible storage",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Snapshot, encrypt and upload the database now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(func(m *backup.Manager) error {
				rec, err := m.RunNow(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "backup %d uploaded to %s (%s)\n", rec.ID, rec.S3Key, humanize.Bytes(uint64(rec.SizeBytes)))
				return nil
			})
		},
	})

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "Show recent backups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(func(m *backup.Manager) error {
				backups, err := m.List(cmd.Context(), limit)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tSTATUS\tSIZE\tCREATED\tKEY\tERROR")
				for _, b := range backups {
					size := "-"
					if b.Done() && b.SizeBytes > 0 {
						size = humanize.Bytes(uint64(b.SizeBytes))
					}
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", b.ID, b.Status,
						size, humanize.Time(b.CreatedAt), b.S3Key, b.ErrorMessage)
				}
				return tw.Flush()
			})
		},
	}
	list.Flags().IntVarP(&limit, "limit", "n", 20, "number of backups to show")
	cmd.AddCommand(list)

	cmd.AddCommand(&cobra.Command{
		Use:   "restore <id> <out.db>",
		Short: "Download and decrypt a backup into a new database file",
		Long: `Restore writes the backup to a new file after an integrity check. Stop
the service and move the file over the live database to complete a restore.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid backup id %q", args[0])
			}
			return withManager(func(m *backup.Manager) error {
				if err := m.Restore(cmd.Context(), id, args[1]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "restored backup %d to %s\n", id, args[1])
				return nil
			})
		},
	})
	return cmd
}

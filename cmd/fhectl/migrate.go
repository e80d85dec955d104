package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"fhe-engine/config"
	"fhe-engine/internal/domain"
	"fhe-engine/internal/infra"
	"fhe-engine/internal/repository"
	"fhe-engine/internal/usecase"
	"fhe-engine/migrations"
)

var dialect string

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage database migrations",
		Long:  "Manage schema migrations for the key record store",
	}
	cmd.PersistentFlags().StringVar(&dialect, "dialect", "", "Database dialect: mysql (DATABASE_URL) or sqlite (SQLITE_PATH). Defaults by runtime")
	cmd.AddCommand(migrateUpCmd())
	cmd.AddCommand(migrateStatusCmd())
	return cmd
}

// openMigrationDB は方言に応じてDBへ接続し、マイグレーションサービスを返す。
func openMigrationDB() (*usecase.MigrationService, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	d := dialect
	if d == "" {
		d = "mysql"
		if cfg.Runtime == config.RuntimeClient {
			d = "sqlite"
		}
	}

	var db *gorm.DB
	switch d {
	case "mysql":
		if cfg.DatabaseURL == "" {
			return nil, nil, fmt.Errorf("DATABASE_URL environment variable is required")
		}
		db, err = infra.NewDB(cfg.DatabaseURL, cfg)
	case "sqlite":
		db, err = infra.NewSQLiteDB(cfg.SQLitePath, cfg)
	default:
		return nil, nil, fmt.Errorf("unknown dialect %q", d)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	closeFn := func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	}

	files, err := migrations.Dialect(d)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	return usecase.NewMigrationService(repository.NewMigrationRepository(db), db, files), closeFn, nil
}

func migrateUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			service, closeFn, err := openMigrationDB()
			if err != nil {
				return err
			}
			defer closeFn()

			appliedCount, err := service.ApplyMigrations(context.Background())
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			if appliedCount == 0 {
				fmt.Println("No pending migrations.")
			} else {
				fmt.Printf("Applied %d migration(s) successfully.\n", appliedCount)
			}
			return nil
		},
	}
}

func migrateStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			service, closeFn, err := openMigrationDB()
			if err != nil {
				return err
			}
			defer closeFn()

			statuses, err := service.GetMigrationStatus(context.Background())
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			if output == "json" {
				return printJSON(statuses)
			}

			// テーブル形式で出力
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "VERSION\tNAME\tSTATUS\tAPPLIED AT")
			fmt.Fprintln(w, "-------\t----\t------\t----------")
			modified := 0
			for _, m := range statuses {
				appliedAt := "-"
				if m.AppliedAt != nil {
					appliedAt = m.AppliedAt.Format("2006-01-02 15:04:05")
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", m.Version, m.Name, m.Status, appliedAt)
				if m.Status == domain.MigrationStatusModified {
					modified++
				}
			}
			if err := w.Flush(); err != nil {
				return fmt.Errorf("failed to flush output: %w", err)
			}
			if modified > 0 {
				fmt.Fprintf(os.Stderr, "Warning: %d applied migration(s) changed after being applied.\n", modified)
			}
			return nil
		},
	}
}

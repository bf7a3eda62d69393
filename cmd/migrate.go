package cmd

import (
	"database/sql"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/openclaw/openclaw/internal/config"
	"github.com/openclaw/openclaw/internal/store/pg"
	"github.com/openclaw/openclaw/internal/upgrade"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the managed-mode Postgres schema",
		Long: "Applies or inspects the gateway's Postgres schema.\n" +
			"Requires OPENCLAW_POSTGRES_DSN (managed mode only).",
	}
	cmd.AddCommand(migrateUpCmd(), migrateStatusCmd(), migrateForceCmd())
	return cmd
}

func openManagedDB() (*sql.DB, error) {
	dsn := os.Getenv("OPENCLAW_POSTGRES_DSN")
	if dsn == "" {
		if cfg, err := config.Load(resolveConfigPath()); err == nil {
			dsn = cfg.Database.PostgresDSN
		}
	}
	if dsn == "" {
		return nil, fmt.Errorf("no Postgres DSN: set OPENCLAW_POSTGRES_DSN")
	}
	return pg.OpenDB(dsn)
}

func migrateUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openManagedDB()
			if err != nil {
				return err
			}
			defer db.Close()

			if err := pg.Migrate(db); err != nil {
				return err
			}
			status, err := upgrade.CheckSchema(db)
			if err != nil {
				return err
			}
			fmt.Printf("schema at v%d\n", status.CurrentVersion)
			return nil
		},
	}
}

func migrateStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show schema version and compatibility",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openManagedDB()
			if err != nil {
				return err
			}
			defer db.Close()

			status, err := upgrade.CheckSchema(db)
			if err != nil {
				return err
			}
			if status.Err() == nil {
				fmt.Printf("schema up to date (v%d)\n", status.CurrentVersion)
				return nil
			}
			fmt.Print(upgrade.FormatError(status))
			return status.Err()
		},
	}
}

func migrateForceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "force <version>",
		Short: "Mark the schema at a version and clear the dirty flag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("version must be an integer: %w", err)
			}
			db, err := openManagedDB()
			if err != nil {
				return err
			}
			defer db.Close()

			if err := pg.ForceVersion(db, version); err != nil {
				return err
			}
			fmt.Printf("schema forced to v%d\n", version)
			return nil
		},
	}
}

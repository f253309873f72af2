package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mrs-federation/server/internal/storage/sqlite"
)

var (
	migrateDBPath string
	migrateDown   int
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	Long: `Apply pending schema migrations to the SQLite database. The serve
command migrates on startup as well; this exists for running migrations
out of band, e.g. before a rolling deploy.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := migrateDBPath
		if path == "" {
			path = os.Getenv("MRS_DATABASE_PATH")
		}
		if path == "" {
			path = "mrs.db"
		}

		db, err := sqlite.Open(path)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()

		if migrateDown > 0 {
			if err := sqlite.MigrateDown(db, migrateDown); err != nil {
				return fmt.Errorf("migrate down: %w", err)
			}
			fmt.Printf("rolled back %d migration(s)\n", migrateDown)
			return nil
		}
		if err := sqlite.MigrateUp(db); err != nil {
			return fmt.Errorf("migrate up: %w", err)
		}
		fmt.Println("migrations applied")
		return nil
	},
}

func init() {
	migrateCmd.Flags().StringVar(&migrateDBPath, "db", "", "database path (default: MRS_DATABASE_PATH or mrs.db)")
	migrateCmd.Flags().IntVar(&migrateDown, "down", 0, "roll back N migrations instead of migrating up")
}

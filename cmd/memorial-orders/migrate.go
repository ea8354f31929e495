package main

import (
	"database/sql"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"memorial-orders/internal/config"
	"memorial-orders/internal/database"

	"github.com/spf13/cobra"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the postgres schema",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openMigrationDB(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			applied, err := database.MigrateUp(cmd.Context(), db)
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Println("schema is up to date")
			}
			for _, v := range applied {
				fmt.Printf("applied %05d\n", v)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back the latest migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openMigrationDB(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			v, err := database.MigrateDown(cmd.Context(), db)
			if err != nil {
				return err
			}
			fmt.Printf("rolled back %05d\n", v)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "List migrations and whether they are applied",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openMigrationDB(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			statuses, err := database.MigrateStatus(cmd.Context(), db)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "VERSION\tAPPLIED AT\tSOURCE")
			for _, st := range statuses {
				applied := "pending"
				if st.Applied {
					applied = st.AppliedAt.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%05d\t%s\t%s\n", st.Version, applied, st.Path)
			}
			return w.Flush()
		},
	})

	return cmd
}

func openMigrationDB(cmd *cobra.Command) (*sql.DB, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cfg.StoreBackend != config.BackendPostgres {
		return nil, fmt.Errorf("migrations apply to the postgres backend, STORE_BACKEND is %q", cfg.StoreBackend)
	}
	return database.NewPostgres(cmd.Context(), cfg.DB.DSN())
}

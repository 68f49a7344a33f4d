package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cawhq/caw/internal/store"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "apply pending store migrations and exit",
		RunE:  runMigrate,
	}
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(ctx, cmd)
	if err != nil {
		return err
	}

	st, err := store.NewStore(ctx, &store.Config{
		Path:          cfg.Store.Path,
		BusyTimeoutMS: cfg.Store.BusyTimeoutMS,
		MaxOpenConns:  cfg.Store.MaxOpenConns,
	})
	if err != nil {
		return fmt.Errorf("cawd: opening store: %w", err)
	}
	defer st.Close(ctx)

	if err := store.ApplyMigrations(ctx, st.DB()); err != nil {
		return fmt.Errorf("cawd: applying migrations: %w", err)
	}
	fmt.Println("cawd: migrations applied")
	return nil
}

package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cawhq/caw/internal/config"
)

// loadConfig resolves a Config from compiled-in defaults and
// CAW_-prefixed environment overrides, then applies --db if the
// caller passed one explicitly (highest precedence, CLI-local).
func loadConfig(ctx context.Context, cmd *cobra.Command) (*config.Config, error) {
	mgr := config.NewManager()
	cfg, err := mgr.Load(ctx, config.NewDefaultProvider(), config.NewEnvProvider())
	if err != nil {
		return nil, err
	}
	if db, _ := cmd.Flags().GetString("db"); db != "" {
		cfg.Store.Path = db
	}
	cfg.Store.Path = expandPath(cfg.Store.Path)
	return cfg, nil
}

// expandPath resolves a leading "~" to the current user's home
// directory; store paths otherwise pass through untouched.
func expandPath(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

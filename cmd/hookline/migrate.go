package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hooklinehq/hookline/internal/config"
	"github.com/hooklinehq/hookline/internal/store"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("database_url is required")
			}
			return store.Migrate(cfg.DatabaseURL)
		},
	}
}

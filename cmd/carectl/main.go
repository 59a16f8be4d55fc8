// Command carectl is the CareLink operator CLI.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"carelink/internal/bootstrap"
	"carelink/internal/config"
	"carelink/internal/middleware"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

func main() {
	slog.SetDefault(middleware.Logger)

	rootCmd := &cobra.Command{
		Use:           "carectl",
		Short:         "CareLink operator tools",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(reconcileCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// connect loads configuration and opens the database without touching the
// schema. Redis is dialed only when needRedis is set.
func connect(needRedis bool) (*config.Config, *gorm.DB, *redis.Client, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	db, rdb, err := bootstrap.InitRuntime(cfg, bootstrap.Options{
		RequireRedis: needRedis,
		SkipRedis:    !needRedis,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, db, rdb, nil
}

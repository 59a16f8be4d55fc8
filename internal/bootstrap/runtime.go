// Package bootstrap wires the database and redis for the server and the
// operator CLI.
package bootstrap

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"carelink/internal/cache"
	"carelink/internal/config"
	"carelink/internal/database"
	"carelink/internal/middleware"
	"carelink/internal/models"
	"carelink/internal/seed"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// ErrRedisRequired is returned when Options.RequireRedis is set and redis
// could not be reached.
var ErrRedisRequired = errors.New("redis is required: set REDIS_URL to a reachable server")

// Options control runtime initialization behavior.
type Options struct {
	ApplySchema  bool
	RequireRedis bool
	// SkipRedis leaves the redis client nil without dialing.
	SkipRedis bool
}

// InitRuntime connects to the database and redis. A nil redis client is
// returned when redis is unreachable unless RequireRedis is set.
func InitRuntime(cfg *config.Config, opts Options) (*gorm.DB, *redis.Client, error) {
	db, err := database.ConnectWithOptions(cfg, database.ConnectOptions{ApplySchema: opts.ApplySchema})
	if err != nil {
		return nil, nil, fmt.Errorf("database connection failed: %w", err)
	}

	if err := ensureDevDemoData(cfg, db); err != nil {
		return nil, nil, fmt.Errorf("failed to seed development demo data: %w", err)
	}

	if opts.SkipRedis {
		return db, nil, nil
	}

	cache.InitRedis(cfg.RedisURL)
	r := cache.GetClient()
	if r == nil && opts.RequireRedis {
		return nil, nil, ErrRedisRequired
	}
	return db, r, nil
}

// ensureDevDemoData seeds a small demo data set into an empty development
// database when DEV_SEED_DEMO is on.
func ensureDevDemoData(cfg *config.Config, db *gorm.DB) error {
	if cfg == nil || db == nil {
		return nil
	}
	if !strings.EqualFold(cfg.Env, "development") || !cfg.DevSeedDemo {
		return nil
	}

	var patients int64
	if err := db.Model(&models.Patient{}).Count(&patients).Error; err != nil {
		return err
	}
	if patients > 0 {
		return nil
	}

	summary, err := seed.Seed(db, seed.Options{Doctors: 3, Patients: 5, Requests: 10, MaxDays: 7})
	if err != nil {
		return err
	}
	middleware.Logger.Info("development demo data seeded",
		slog.Int("doctors", summary.Doctors),
		slog.Int("patients", summary.Patients),
		slog.Int("requests", summary.Requests))
	return nil
}

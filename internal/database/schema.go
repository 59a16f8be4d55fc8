package database

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"carelink/internal/config"
	"carelink/internal/middleware"

	"gorm.io/gorm"
)

// Schema modes selected with DB_SCHEMA_MODE.
const (
	SchemaModeHybrid = "hybrid"
	SchemaModeSQL    = "sql"
	SchemaModeAuto   = "auto"
)

// changefeedTrigger is created by the SQL migrations and feeds the
// request watcher. AutoMigrate cannot create it.
const changefeedTrigger = "trg_connection_requests_notify"

// ChangefeedChannel is the NOTIFY channel notify_row_change() publishes on.
// It is fixed in the migration, so listeners must use this value.
const ChangefeedChannel = "row_changes"

// SchemaStatus describes what ApplySchema would do for a config.
type SchemaStatus struct {
	Mode               string
	Environment        string
	WillRunSQL         bool
	WillRunAutoMigrate bool
	AppliedVersions    []int
	PendingMigrations  []Migration
	// ChangefeedInstalled is false on non-postgres databases.
	ChangefeedInstalled bool
}

type schemaPlan struct {
	mode    string
	runSQL  bool
	runAuto bool
}

var prodLikeEnvs = []string{"production", "prod", "staging", "stage"}

// planSchema picks SQL migrations and/or AutoMigrate. Hybrid always runs the
// SQL migrations, since only they install the changefeed trigger, and adds
// AutoMigrate outside prod-like environments.
func planSchema(cfg *config.Config) (schemaPlan, error) {
	plan := schemaPlan{mode: strings.ToLower(strings.TrimSpace(cfg.DBSchemaMode))}
	if plan.mode == "" {
		plan.mode = SchemaModeHybrid
	}
	prodLike := slices.Contains(prodLikeEnvs, strings.ToLower(strings.TrimSpace(cfg.Env)))

	switch plan.mode {
	case SchemaModeSQL:
		plan.runSQL = true
	case SchemaModeAuto:
		if prodLike && !cfg.DBAutoMigrateAllowDestructive {
			return plan, fmt.Errorf("refusing DB_SCHEMA_MODE=auto in %q without DB_AUTOMIGRATE_ALLOW_DESTRUCTIVE=true", cfg.Env)
		}
		plan.runAuto = true
	case SchemaModeHybrid:
		plan.runSQL = true
		plan.runAuto = !prodLike
	default:
		return plan, fmt.Errorf("unsupported DB_SCHEMA_MODE %q", plan.mode)
	}
	return plan, nil
}

// ApplySchema brings the schema up to date according to cfg.
func ApplySchema(ctx context.Context, db *gorm.DB, cfg *config.Config) error {
	plan, err := planSchema(cfg)
	if err != nil {
		return err
	}

	if plan.runSQL {
		n, err := RunMigrations(ctx, db)
		if err != nil {
			return fmt.Errorf("run sql migrations: %w", err)
		}
		if n > 0 {
			middleware.Logger.Info("sql migrations applied", slog.Int("count", n))
		}
	}

	if !plan.runAuto {
		return nil
	}
	if !plan.runSQL {
		middleware.Logger.Warn("schema mode skips sql migrations; live request updates need the changefeed trigger",
			slog.String("mode", plan.mode))
	}
	middleware.Logger.Info("running gorm automigrate", slog.String("mode", plan.mode), slog.String("env", cfg.Env))
	if err := db.WithContext(ctx).AutoMigrate(PersistentModels()...); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}
	return nil
}

// GetSchemaStatus reports the schema plan, pending SQL migrations and
// whether the changefeed trigger exists.
func GetSchemaStatus(ctx context.Context, db *gorm.DB, cfg *config.Config) (*SchemaStatus, error) {
	plan, err := planSchema(cfg)
	if err != nil {
		return nil, err
	}

	applied, err := NewMigrationStore(db).GetAppliedMigrations(ctx)
	if err != nil {
		return nil, err
	}

	status := &SchemaStatus{
		Mode:               plan.mode,
		Environment:        cfg.Env,
		WillRunSQL:         plan.runSQL,
		WillRunAutoMigrate: plan.runAuto,
		AppliedVersions:    applied,
	}
	for _, m := range GetMigrations() {
		if !slices.Contains(applied, m.Version) {
			status.PendingMigrations = append(status.PendingMigrations, m)
		}
	}

	if db.Dialector.Name() == "postgres" {
		if err := db.WithContext(ctx).
			Raw("SELECT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = ?)", changefeedTrigger).
			Scan(&status.ChangefeedInstalled).Error; err != nil {
			return nil, fmt.Errorf("check changefeed trigger: %w", err)
		}
	}

	return status, nil
}

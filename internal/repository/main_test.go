package repository

import (
	"log"
	"os"
	"testing"

	"carelink/internal/config"
	"carelink/internal/database"
	"carelink/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// integrationDB is a real Postgres connection, set only when
// CARELINK_INTEGRATION=1 and the database is reachable.
var integrationDB *gorm.DB

func TestMain(m *testing.M) {
	if os.Getenv("CARELINK_INTEGRATION") == "1" {
		os.Setenv("APP_ENV", "test")
		cfg, err := config.LoadConfig()
		if err != nil {
			log.Printf("Repository integration tests skipped: failed to load test config: %v", err)
		} else if integrationDB, err = database.Connect(cfg); err != nil {
			log.Printf("Repository integration tests skipped: test database unavailable: %v", err)
			integrationDB = nil
		}
	}

	code := m.Run()

	if integrationDB != nil {
		truncateTables(integrationDB)
	}
	os.Exit(code)
}

func truncateTables(db *gorm.DB) {
	db.Exec("TRUNCATE TABLE patient_roster, connection_requests, doctors, patients CASCADE")
}

func setupMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn: db,
	}), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)

	return gormDB, mock
}

func setupSQLiteDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(database.PersistentModels()...))
	return db
}

func seedPair(t *testing.T, db *gorm.DB) (*models.Patient, *models.Doctor) {
	t.Helper()
	p := &models.Patient{Name: "Ada Patient", Email: "ada@example.com", Age: 41}
	d := &models.Doctor{Name: "Dr. Grey", Email: "grey@clinic.example", Specialization: "Cardiology"}
	require.NoError(t, db.Create(p).Error)
	require.NoError(t, db.Create(d).Error)
	return p, d
}

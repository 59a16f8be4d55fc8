package seed

import (
	"strings"
	"testing"
	"time"

	"carelink/internal/database"
	"carelink/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

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

func TestBuildRequest_DefaultsAndSpread(t *testing.T) {
	f := NewFactory(nil, Options{DryRun: true, MaxDays: 7, RandSeed: 42})
	patient := &models.Patient{ID: 1}
	doctor := &models.Doctor{ID: 2}

	for i := 0; i < 50; i++ {
		req := f.BuildRequest(patient, doctor)
		if req.Status != models.RequestStatusPending {
			t.Fatalf("expected pending status, got %s", req.Status)
		}
		if !req.NeedsConsent() {
			t.Fatalf("seeded request should need consent: %+v", req)
		}
		if time.Since(req.CreatedAt) > 8*24*time.Hour {
			t.Fatalf("created_at too old: %v", req.CreatedAt)
		}
	}
}

func TestFactory_DryRunAssignsIDs(t *testing.T) {
	f := NewFactory(nil, Options{DryRun: true, RandSeed: 1})

	d, err := f.CreateDoctor()
	require.NoError(t, err)
	p, err := f.CreatePatient()
	require.NoError(t, err)
	req, err := f.CreateRequest(p, d)
	require.NoError(t, err)

	assert.NotZero(t, d.ID)
	assert.NotZero(t, p.ID)
	assert.NotZero(t, req.ID)
	assert.True(t, strings.HasPrefix(d.Name, "Dr. "))
	assert.Contains(t, specializations, d.Specialization)
	assert.GreaterOrEqual(t, p.Age, 18)
}

func TestSeed_CreatesDistinctPairs(t *testing.T) {
	db := setupSQLiteDB(t)

	sum, err := Seed(db, Options{Doctors: 2, Patients: 3, Requests: 10, RandSeed: 7})
	require.NoError(t, err)
	assert.Equal(t, Summary{Doctors: 2, Patients: 3, Requests: 6}, sum)

	var pairs []struct {
		PatientID uint
		DoctorID  uint
		N         int
	}
	require.NoError(t, db.Model(&models.ConnectionRequest{}).
		Select("patient_id, doctor_id, count(*) as n").
		Group("patient_id, doctor_id").
		Scan(&pairs).Error)
	assert.Len(t, pairs, 6)
	for _, p := range pairs {
		assert.Equal(t, 1, p.N)
	}

	var emails []string
	require.NoError(t, db.Model(&models.Patient{}).Pluck("email", &emails).Error)
	seen := map[string]bool{}
	for _, e := range emails {
		assert.False(t, seen[e], "duplicate email %s", e)
		seen[e] = true
	}
}

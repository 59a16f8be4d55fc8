package repository

import (
	"context"
	"log/slog"

	"carelink/internal/cache"
	"carelink/internal/models"

	"gorm.io/gorm"
)

// ProfileRepository reads patient and doctor reference data.
type ProfileRepository interface {
	GetPatient(ctx context.Context, id uint) (*models.Patient, error)
	GetPatientByEmail(ctx context.Context, email string) (*models.Patient, error)
	GetDoctor(ctx context.Context, id uint) (*models.Doctor, error)
	CreatePatient(ctx context.Context, p *models.Patient) error
	CreateDoctor(ctx context.Context, d *models.Doctor) error
}

type profileRepository struct {
	db *gorm.DB
}

// NewProfileRepository creates a new profile repository
func NewProfileRepository(db *gorm.DB) ProfileRepository {
	return &profileRepository{db: db}
}

// GetPatient loads the patient profile, going through redis when configured.
func (r *profileRepository) GetPatient(ctx context.Context, id uint) (*models.Patient, error) {
	key := cache.PatientKey(id)

	var cached models.Patient
	if hit, err := cache.GetJSON(ctx, key, &cached); err == nil && hit {
		return &cached, nil
	} else if err != nil {
		slog.WarnContext(ctx, "patient cache read failed", slog.Uint64("patient_id", uint64(id)), slog.String("error", err.Error()))
	}

	var p models.Patient
	if err := r.db.WithContext(ctx).First(&p, id).Error; err != nil {
		return nil, lookupErr(err, "Patient", id)
	}

	if err := cache.SetJSON(ctx, key, &p, cache.PatientProfileTTL); err != nil {
		slog.WarnContext(ctx, "patient cache write failed", slog.Uint64("patient_id", uint64(id)), slog.String("error", err.Error()))
	}
	return &p, nil
}

func (r *profileRepository) GetPatientByEmail(ctx context.Context, email string) (*models.Patient, error) {
	var p models.Patient
	if err := r.db.WithContext(ctx).Where("email = ?", email).First(&p).Error; err != nil {
		return nil, lookupErr(err, "Patient", email)
	}
	return &p, nil
}

func (r *profileRepository) GetDoctor(ctx context.Context, id uint) (*models.Doctor, error) {
	var d models.Doctor
	if err := r.db.WithContext(ctx).First(&d, id).Error; err != nil {
		return nil, lookupErr(err, "Doctor", id)
	}
	return &d, nil
}

func (r *profileRepository) CreatePatient(ctx context.Context, p *models.Patient) error {
	if err := r.db.WithContext(ctx).Create(p).Error; err != nil {
		return models.NewInternalError(err)
	}
	cache.InvalidatePatient(ctx, p.ID)
	return nil
}

func (r *profileRepository) CreateDoctor(ctx context.Context, d *models.Doctor) error {
	if err := r.db.WithContext(ctx).Create(d).Error; err != nil {
		return models.NewInternalError(err)
	}
	return nil
}

package repository

import (
	"context"
	"errors"
	"log/slog"

	"carelink/internal/models"
	"carelink/internal/observability"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RosterRepository manages patient under doctor memberships.
type RosterRepository interface {
	Exists(ctx context.Context, patientEmail, doctorEmail string) (bool, error)
	CreateIfAbsent(ctx context.Context, m *models.RosterMembership) (bool, error)
	ListByDoctor(ctx context.Context, doctorEmail string) ([]models.RosterMembership, error)
}

type rosterRepository struct {
	db  *gorm.DB
	log *observability.RepoLogger
}

// NewRosterRepository creates a new roster repository
func NewRosterRepository(db *gorm.DB) RosterRepository {
	return &rosterRepository{db: db, log: observability.NewRepoLogger("patient_roster")}
}

// Exists probes for the (patient, doctor) pair. No row is a normal outcome.
func (r *rosterRepository) Exists(ctx context.Context, patientEmail, doctorEmail string) (exists bool, err error) {
	ctx, end := observe(ctx, "Exists", "patient_roster")
	defer func() { end(err) }()

	var m models.RosterMembership
	err = r.db.WithContext(ctx).
		Select("id").
		Where("email = ? AND doctor_email = ?", patientEmail, doctorEmail).
		Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, models.NewInternalError(err)
	}
	return true, nil
}

// CreateIfAbsent inserts the membership unless the pair already exists and
// reports whether a row was written.
func (r *rosterRepository) CreateIfAbsent(ctx context.Context, m *models.RosterMembership) (created bool, err error) {
	ctx, end := observe(ctx, "CreateIfAbsent", "patient_roster")
	defer func() { end(err) }()

	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "email"}, {Name: "doctor_email"}},
			DoNothing: true,
		}).
		Create(m)
	if res.Error != nil {
		r.log.LogError(ctx, res.Error, "create_if_absent")
		return false, models.NewInternalError(res.Error)
	}
	if res.RowsAffected > 0 {
		r.log.LogWrite(ctx, "create_if_absent", slog.Uint64("id", uint64(m.ID)))
	}
	return res.RowsAffected > 0, nil
}

func (r *rosterRepository) ListByDoctor(ctx context.Context, doctorEmail string) ([]models.RosterMembership, error) {
	var members []models.RosterMembership
	if err := r.db.WithContext(ctx).
		Where("doctor_email = ?", doctorEmail).
		Order("name ASC").
		Find(&members).Error; err != nil {
		return nil, models.NewInternalError(err)
	}
	return members, nil
}

package repository

import (
	"context"
	"log/slog"

	"carelink/internal/models"
	"carelink/internal/observability"

	"gorm.io/gorm"
)

// ConsentRepository appends consent decisions. Records are immutable, so
// there is no update or delete.
type ConsentRepository interface {
	Create(ctx context.Context, record *models.ConsentRecord) error
	ListByRequest(ctx context.Context, requestID uint) ([]models.ConsentRecord, error)
	ListAcceptedMissingRoster(ctx context.Context, limit int) ([]models.ConsentRecord, error)
}

type consentRepository struct {
	db  *gorm.DB
	log *observability.RepoLogger
}

// NewConsentRepository creates a new consent record repository
func NewConsentRepository(db *gorm.DB) ConsentRepository {
	return &consentRepository{db: db, log: observability.NewRepoLogger("consent_records")}
}

func (r *consentRepository) Create(ctx context.Context, record *models.ConsentRecord) (err error) {
	ctx, end := observe(ctx, "Create", "consent_records")
	defer func() { end(err) }()

	if record.ID != 0 {
		return models.NewValidationError("consent records are append-only")
	}
	if err := r.db.WithContext(ctx).Create(record).Error; err != nil {
		r.log.LogError(ctx, err, "create")
		return models.NewInternalError(err)
	}
	r.log.LogWrite(ctx, "create",
		slog.Uint64("id", uint64(record.ID)),
		slog.Uint64("request_id", uint64(record.RequestID)),
		slog.String("session_id", record.SessionID),
		slog.Bool("consent_given", record.ConsentGiven),
	)
	return nil
}

func (r *consentRepository) ListByRequest(ctx context.Context, requestID uint) ([]models.ConsentRecord, error) {
	var records []models.ConsentRecord
	if err := r.db.WithContext(ctx).
		Where("request_id = ?", requestID).
		Order("id ASC").
		Find(&records).Error; err != nil {
		return nil, models.NewInternalError(err)
	}
	return records, nil
}

// ListAcceptedMissingRoster finds accepted decisions with no matching roster
// row, the inconsistency left behind by a failed roster insert. Only the
// latest decision for a request or patient/doctor pair counts, so an accept
// later overridden by a decline is never reported.
func (r *consentRepository) ListAcceptedMissingRoster(ctx context.Context, limit int) ([]models.ConsentRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var records []models.ConsentRecord
	if err := r.db.WithContext(ctx).
		Where("consent_records.consent_given = ?", true).
		Where(`NOT EXISTS (SELECT 1 FROM consent_records later WHERE later.id > consent_records.id AND (later.request_id = consent_records.request_id OR (later.patient_email = consent_records.patient_email AND later.doctor_email = consent_records.doctor_email)))`).
		Where("NOT EXISTS (SELECT 1 FROM patient_roster pr WHERE pr.email = consent_records.patient_email AND pr.doctor_email = consent_records.doctor_email)").
		Order("consent_records.id ASC").
		Limit(limit).
		Find(&records).Error; err != nil {
		return nil, models.NewInternalError(err)
	}
	return records, nil
}

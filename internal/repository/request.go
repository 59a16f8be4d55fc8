package repository

import (
	"context"
	"log/slog"
	"time"

	"carelink/internal/models"
	"carelink/internal/observability"

	"gorm.io/gorm"
)

// RequestRepository defines data operations on doctor to patient connection
// requests.
type RequestRepository interface {
	Create(ctx context.Context, req *models.ConnectionRequest) error
	GetByID(ctx context.Context, id uint) (*models.ConnectionRequest, error)
	ListPendingForPatient(ctx context.Context, patientID uint) ([]models.ConnectionRequest, error)
	UpdateConsentStatus(ctx context.Context, id uint, status models.ConsentStatus, at time.Time) error
	AdvanceStatus(ctx context.Context, id uint, status models.RequestStatus, at time.Time) error
}

type requestRepository struct {
	db  *gorm.DB
	log *observability.RepoLogger
}

// NewRequestRepository creates a new connection request repository
func NewRequestRepository(db *gorm.DB) RequestRepository {
	return &requestRepository{db: db, log: observability.NewRepoLogger("connection_requests")}
}

func (r *requestRepository) Create(ctx context.Context, req *models.ConnectionRequest) error {
	if err := r.db.WithContext(ctx).Create(req).Error; err != nil {
		return models.NewInternalError(err)
	}
	return nil
}

func (r *requestRepository) GetByID(ctx context.Context, id uint) (*models.ConnectionRequest, error) {
	var req models.ConnectionRequest
	if err := r.db.WithContext(ctx).Preload("Doctor").First(&req, id).Error; err != nil {
		return nil, lookupErr(err, "ConnectionRequest", id)
	}
	return &req, nil
}

// ListPendingForPatient returns the patient's pending requests with doctor
// display fields, oldest first.
func (r *requestRepository) ListPendingForPatient(ctx context.Context, patientID uint) (list []models.ConnectionRequest, err error) {
	ctx, end := observe(ctx, "ListPendingForPatient", "connection_requests")
	defer func() { end(err) }()

	if err := r.db.WithContext(ctx).
		Preload("Doctor").
		Where("patient_id = ? AND status = ?", patientID, models.RequestStatusPending).
		Order("created_at ASC, id ASC").
		Find(&list).Error; err != nil {
		r.log.LogError(ctx, err, "list_pending")
		return nil, models.NewInternalError(err)
	}
	return list, nil
}

// UpdateConsentStatus resolves the consent sub-state. Only an unresolved
// request or one already carrying the same value is updated, so a replay is
// harmless and a conflicting second resolution is refused.
func (r *requestRepository) UpdateConsentStatus(ctx context.Context, id uint, status models.ConsentStatus, at time.Time) (err error) {
	ctx, end := observe(ctx, "UpdateConsentStatus", "connection_requests")
	defer func() { end(err) }()

	res := r.db.WithContext(ctx).
		Model(&models.ConnectionRequest{}).
		Where("id = ? AND (consent_status IS NULL OR consent_status IN ?)", id,
			[]models.ConsentStatus{models.ConsentStatusPending, status}).
		Updates(map[string]interface{}{
			"consent_status":     status,
			"consent_updated_at": at,
		})
	if res.Error != nil {
		return models.NewInternalError(res.Error)
	}
	if res.RowsAffected == 0 {
		return r.missingOrConflict(ctx, id, "consent already resolved for request")
	}
	r.log.LogWrite(ctx, "update_consent_status",
		slog.Uint64("id", uint64(id)), slog.String("consent_status", string(status)))
	return nil
}

// AdvanceStatus moves a pending request to a terminal status. Approved and
// accepted are only written once consent_status is accepted.
func (r *requestRepository) AdvanceStatus(ctx context.Context, id uint, status models.RequestStatus, at time.Time) (err error) {
	ctx, end := observe(ctx, "AdvanceStatus", "connection_requests")
	defer func() { end(err) }()

	updates := map[string]interface{}{"status": status}
	q := r.db.WithContext(ctx).
		Model(&models.ConnectionRequest{}).
		Where("id = ? AND status IN ?", id, []models.RequestStatus{models.RequestStatusPending, status})

	switch status {
	case models.RequestStatusAccepted, models.RequestStatusApproved:
		q = q.Where("consent_status = ?", models.ConsentStatusAccepted)
		updates["approved_at"] = at
	case models.RequestStatusDeclined, models.RequestStatusRejected:
	default:
		return models.NewValidationError("unsupported request status " + string(status))
	}

	res := q.Updates(updates)
	if res.Error != nil {
		return models.NewInternalError(res.Error)
	}
	if res.RowsAffected == 0 {
		return r.missingOrConflict(ctx, id, "request cannot move to "+string(status))
	}
	r.log.LogWrite(ctx, "advance_status",
		slog.Uint64("id", uint64(id)), slog.String("status", string(status)))
	return nil
}

func (r *requestRepository) missingOrConflict(ctx context.Context, id uint, msg string) error {
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.ConnectionRequest{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return models.NewInternalError(err)
	}
	if count == 0 {
		return models.NewNotFoundError("ConnectionRequest", id)
	}
	return models.NewConflictError(msg)
}

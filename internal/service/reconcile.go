package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"carelink/internal/cache"
	"carelink/internal/featureflags"
	"carelink/internal/middleware"
	"carelink/internal/models"
	"carelink/internal/observability"

	"github.com/redis/go-redis/v9"
)

// TaskKind names the write a ReconcileTask replays.
type TaskKind string

const (
	TaskRosterInsert  TaskKind = "roster_insert"
	TaskConsentStatus TaskKind = "consent_status"
	TaskRequestStatus TaskKind = "request_status"
)

const defaultMaxAttempts = 5

// ReconcileTask is a secondary consent write that failed and can be
// replayed. Every kind is idempotent on replay.
type ReconcileTask struct {
	Kind          TaskKind             `json:"kind"`
	RequestID     uint                 `json:"request_id"`
	PatientEmail  string               `json:"patient_email,omitempty"`
	PatientName   string               `json:"patient_name,omitempty"`
	PatientAge    int                  `json:"patient_age,omitempty"`
	DoctorEmail   string               `json:"doctor_email,omitempty"`
	Status        models.RequestStatus `json:"status,omitempty"`
	ConsentStatus models.ConsentStatus `json:"consent_status,omitempty"`
	Attempts      int                  `json:"attempts"`
	EnqueuedAt    time.Time            `json:"enqueued_at"`
}

// TaskSink accepts failed secondary writes.
type TaskSink interface {
	Enqueue(ctx context.Context, task ReconcileTask) error
}

// RosterWriter is the roster write used by commits and replays.
type RosterWriter interface {
	Exists(ctx context.Context, patientEmail, doctorEmail string) (bool, error)
	CreateIfAbsent(ctx context.Context, m *models.RosterMembership) (bool, error)
}

// RequestStatusWriter is the request write used by commits and replays.
type RequestStatusWriter interface {
	UpdateConsentStatus(ctx context.Context, id uint, status models.ConsentStatus, at time.Time) error
	AdvanceStatus(ctx context.Context, id uint, status models.RequestStatus, at time.Time) error
}

// MissingRosterFinder locates accepted decisions without a roster row.
type MissingRosterFinder interface {
	ListAcceptedMissingRoster(ctx context.Context, limit int) ([]models.ConsentRecord, error)
}

// PatientByEmail resolves roster fields for a consent record.
type PatientByEmail interface {
	GetPatientByEmail(ctx context.Context, email string) (*models.Patient, error)
}

// DrainResult counts what one Drain did.
type DrainResult struct {
	Applied   int `json:"applied"`
	Requeued  int `json:"requeued"`
	Discarded int `json:"discarded"`
}

// ReconcileQueue is a redis list of failed secondary writes.
type ReconcileQueue struct {
	rdb         *redis.Client
	key         string
	inFlightKey string
	roster      RosterWriter
	requests    RequestStatusWriter
	maxAttempts int
	now         func() time.Time
}

// NewReconcileQueue creates a queue on the consent:reconcile list.
func NewReconcileQueue(rdb *redis.Client, roster RosterWriter, requests RequestStatusWriter) *ReconcileQueue {
	return &ReconcileQueue{
		rdb:         rdb,
		key:         cache.ReconcileQueueKey,
		inFlightKey: cache.ReconcileInFlightKey,
		roster:      roster,
		requests:    requests,
		maxAttempts: defaultMaxAttempts,
		now:         time.Now,
	}
}

// Enqueue pushes task onto the queue.
func (q *ReconcileQueue) Enqueue(ctx context.Context, task ReconcileTask) error {
	if q == nil || q.rdb == nil {
		return errors.New("reconcile queue is not configured")
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = q.now().UTC()
	}
	raw, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal reconcile task: %w", err)
	}
	if err := q.rdb.LPush(ctx, q.key, raw).Err(); err != nil {
		return fmt.Errorf("enqueue reconcile task: %w", err)
	}
	observability.ReconcileTasks.WithLabelValues(string(task.Kind), "enqueued").Inc()
	return nil
}

// Depth returns the number of queued tasks.
func (q *ReconcileQueue) Depth(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.key).Result()
}

// Drain replays the tasks that were queued when it started, up to limit,
// oldest first. A task that fails with a transient error goes back on the
// queue for a later drain until it exhausts its attempts. Each task sits on
// an in-flight list until it is settled, and a drain first returns anything
// an interrupted run left there.
func (q *ReconcileQueue) Drain(ctx context.Context, limit int) (DrainResult, error) {
	var res DrainResult
	if limit <= 0 {
		limit = 100
	}
	if err := q.restoreInFlight(ctx); err != nil {
		return res, err
	}

	depth, err := q.rdb.LLen(ctx, q.key).Result()
	if err != nil {
		return res, fmt.Errorf("read reconcile queue depth: %w", err)
	}
	budget := min(int64(limit), depth)

	for i := int64(0); i < budget; i++ {
		raw, err := q.rdb.LMove(ctx, q.key, q.inFlightKey, "RIGHT", "LEFT").Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return res, fmt.Errorf("pop reconcile task: %w", err)
		}
		if err := q.settle(ctx, raw, &res); err != nil {
			return res, err
		}
		if err := q.rdb.LRem(ctx, q.inFlightKey, 1, raw).Err(); err != nil {
			return res, fmt.Errorf("ack reconcile task: %w", err)
		}
	}
	return res, nil
}

// settle applies one raw task and records the outcome. It only fails when a
// retry could not be queued, leaving the task on the in-flight list.
func (q *ReconcileQueue) settle(ctx context.Context, raw string, res *DrainResult) error {
	var task ReconcileTask
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		middleware.Logger.ErrorContext(ctx, "discarding malformed reconcile task",
			slog.String("task", raw),
			slog.String("error", err.Error()),
		)
		res.Discarded++
		return nil
	}

	applyErr := q.apply(ctx, task)
	switch {
	case applyErr == nil:
		res.Applied++
		observability.ReconcileTasks.WithLabelValues(string(task.Kind), "applied").Inc()
	case !retryable(applyErr):
		res.Discarded++
		observability.ReconcileTasks.WithLabelValues(string(task.Kind), "discarded").Inc()
		middleware.Logger.WarnContext(ctx, "reconcile task cannot be applied",
			slog.String("kind", string(task.Kind)),
			slog.Uint64("request_id", uint64(task.RequestID)),
			slog.String("error", applyErr.Error()),
		)
	default:
		task.Attempts++
		if task.Attempts >= q.maxAttempts {
			res.Discarded++
			observability.ReconcileTasks.WithLabelValues(string(task.Kind), "exhausted").Inc()
			middleware.Logger.ErrorContext(ctx, "reconcile task exhausted its attempts",
				slog.String("kind", string(task.Kind)),
				slog.Uint64("request_id", uint64(task.RequestID)),
				slog.Int("attempts", task.Attempts),
				slog.String("error", applyErr.Error()),
			)
			return nil
		}
		if err := q.Enqueue(ctx, task); err != nil {
			middleware.Logger.ErrorContext(ctx, "reconcile task left in flight",
				slog.String("task", raw),
				slog.String("error", err.Error()),
			)
			return err
		}
		res.Requeued++
	}
	return nil
}

// restoreInFlight moves tasks stranded by an interrupted drain back onto the
// queue. Replays are idempotent, so a task restored while another drain
// still holds it is at worst applied twice.
func (q *ReconcileQueue) restoreInFlight(ctx context.Context) error {
	for {
		err := q.rdb.LMove(ctx, q.inFlightKey, q.key, "LEFT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("restore in-flight reconcile tasks: %w", err)
		}
	}
}

func (q *ReconcileQueue) apply(ctx context.Context, task ReconcileTask) error {
	now := q.now().UTC()
	switch task.Kind {
	case TaskRosterInsert:
		_, err := q.roster.CreateIfAbsent(ctx, &models.RosterMembership{
			Name:        task.PatientName,
			Email:       task.PatientEmail,
			DoctorEmail: task.DoctorEmail,
			Age:         task.PatientAge,
		})
		return err
	case TaskConsentStatus:
		// The request can only advance once consent_status is written.
		if err := q.requests.UpdateConsentStatus(ctx, task.RequestID, task.ConsentStatus, now); err != nil {
			return err
		}
		if task.Status == "" {
			return nil
		}
		return q.requests.AdvanceStatus(ctx, task.RequestID, task.Status, now)
	case TaskRequestStatus:
		return q.requests.AdvanceStatus(ctx, task.RequestID, task.Status, now)
	default:
		return models.NewValidationError(fmt.Sprintf("unknown reconcile task kind %q", task.Kind))
	}
}

// Scan enqueues a roster insert for every accepted decision that has no
// roster row, covering failures that never reached the queue.
func (q *ReconcileQueue) Scan(ctx context.Context, finder MissingRosterFinder, patients PatientByEmail, limit int) (int, error) {
	records, err := finder.ListAcceptedMissingRoster(ctx, limit)
	if err != nil {
		return 0, err
	}
	queued := 0
	for _, rec := range records {
		task := ReconcileTask{
			Kind:         TaskRosterInsert,
			RequestID:    rec.RequestID,
			PatientEmail: rec.PatientEmail,
			PatientName:  rec.PatientName,
			DoctorEmail:  rec.DoctorEmail,
		}
		if p, err := patients.GetPatientByEmail(ctx, rec.PatientEmail); err == nil {
			task.PatientAge = p.Age
		}
		if err := q.Enqueue(ctx, task); err != nil {
			return queued, err
		}
		queued++
	}
	return queued, nil
}

// RunReconcileLoop drains the queue every interval while the
// consent_auto_retry flag is on. It returns when ctx is done.
func RunReconcileLoop(ctx context.Context, q *ReconcileQueue, flags *featureflags.Manager, interval time.Duration, limit int) {
	if q == nil || q.rdb == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !flags.EnabledGlobally(featureflags.ConsentAutoRetry) {
				continue
			}
			res, err := q.Drain(ctx, limit)
			if err != nil {
				middleware.Logger.ErrorContext(ctx, "reconcile drain failed", slog.String("error", err.Error()))
				continue
			}
			if res.Applied+res.Requeued+res.Discarded > 0 {
				middleware.Logger.InfoContext(ctx, "reconcile drain finished",
					slog.Int("applied", res.Applied),
					slog.Int("requeued", res.Requeued),
					slog.Int("discarded", res.Discarded),
				)
			}
		}
	}
}

// retryable reports whether replaying the same write later could succeed.
func retryable(err error) bool {
	var appErr *models.AppError
	if errors.As(err, &appErr) {
		switch appErr.Code {
		case models.CodeNotFound, models.CodeConflict, models.CodeValidation:
			return false
		}
	}
	return true
}

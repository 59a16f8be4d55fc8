package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"carelink/internal/cache"
	"carelink/internal/featureflags"
	"carelink/internal/models"
	"carelink/internal/repository"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestReconcileQueue_DrainAppliesTasks(t *testing.T) {
	ctx := context.Background()
	roster := &rosterRepoStub{}
	requests := &requestRepoStub{}
	q := NewReconcileQueue(setupRedis(t), roster, requests)

	require.NoError(t, q.Enqueue(ctx, ReconcileTask{
		Kind: TaskRosterInsert, RequestID: 1,
		PatientEmail: "ada@example.com", PatientName: "Ada", PatientAge: 41, DoctorEmail: "grey@clinic.example",
	}))
	require.NoError(t, q.Enqueue(ctx, ReconcileTask{
		Kind: TaskConsentStatus, RequestID: 1,
		ConsentStatus: models.ConsentStatusAccepted, Status: models.RequestStatusAccepted,
	}))
	// Replaying the same roster insert is harmless.
	require.NoError(t, q.Enqueue(ctx, ReconcileTask{
		Kind: TaskRosterInsert, RequestID: 1,
		PatientEmail: "ada@example.com", PatientName: "Ada", DoctorEmail: "grey@clinic.example",
	}))

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), depth)

	res, err := q.Drain(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Applied: 3}, res)

	require.Len(t, roster.rows, 1)
	assert.Equal(t, 41, roster.rows[0].Age)
	assert.Equal(t, []models.ConsentStatus{models.ConsentStatusAccepted}, requests.consentWrites)
	assert.Equal(t, []models.RequestStatus{models.RequestStatusAccepted}, requests.statusWrites)

	depth, err = q.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestReconcileQueue_TransientFailureIsRequeued(t *testing.T) {
	ctx := context.Background()
	roster := &rosterRepoStub{createFn: func(context.Context, *models.RosterMembership) (bool, error) {
		return false, errors.New("connection refused")
	}}
	q := NewReconcileQueue(setupRedis(t), roster, &requestRepoStub{})
	q.maxAttempts = 2

	require.NoError(t, q.Enqueue(ctx, ReconcileTask{Kind: TaskRosterInsert, RequestID: 4, PatientEmail: "a@b.co", DoctorEmail: "d@b.co"}))

	res, err := q.Drain(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Requeued: 1}, res)

	res, err = q.Drain(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Discarded: 1}, res)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestReconcileQueue_TransientFailureWaitsForNextDrain(t *testing.T) {
	ctx := context.Background()
	calls := 0
	roster := &rosterRepoStub{createFn: func(context.Context, *models.RosterMembership) (bool, error) {
		calls++
		return false, errors.New("connection refused")
	}}
	q := NewReconcileQueue(setupRedis(t), roster, &requestRepoStub{})

	require.NoError(t, q.Enqueue(ctx, ReconcileTask{Kind: TaskRosterInsert, RequestID: 4, PatientEmail: "a@b.co", DoctorEmail: "d@b.co"}))

	// A large limit still tries each queued task once per drain.
	for attempt := 1; attempt < defaultMaxAttempts; attempt++ {
		res, err := q.Drain(ctx, 100)
		require.NoError(t, err)
		assert.Equal(t, DrainResult{Requeued: 1}, res)
		assert.Equal(t, attempt, calls)

		depth, err := q.Depth(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), depth)
	}

	res, err := q.Drain(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Discarded: 1}, res)
	assert.Equal(t, defaultMaxAttempts, calls)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestReconcileQueue_DrainRestoresInFlightTasks(t *testing.T) {
	ctx := context.Background()
	rdb := setupRedis(t)
	roster := &rosterRepoStub{}
	q := NewReconcileQueue(rdb, roster, &requestRepoStub{})

	// Left behind by a drain that stopped before settling it.
	raw := `{"kind":"roster_insert","request_id":3,"patient_email":"ada@example.com","doctor_email":"grey@clinic.example","attempts":1}`
	require.NoError(t, rdb.LPush(ctx, cache.ReconcileInFlightKey, raw).Err())

	res, err := q.Drain(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Applied: 1}, res)
	require.Len(t, roster.rows, 1)
	assert.Equal(t, "ada@example.com", roster.rows[0].Email)

	inFlight, err := rdb.LLen(ctx, cache.ReconcileInFlightKey).Result()
	require.NoError(t, err)
	assert.Zero(t, inFlight)
}

func TestReconcileQueue_ConflictIsDiscarded(t *testing.T) {
	ctx := context.Background()
	requests := &requestRepoStub{advanceFn: func(context.Context, uint, models.RequestStatus, time.Time) error {
		return models.NewConflictError("request cannot move to declined")
	}}
	q := NewReconcileQueue(setupRedis(t), &rosterRepoStub{}, requests)

	require.NoError(t, q.Enqueue(ctx, ReconcileTask{Kind: TaskRequestStatus, RequestID: 9, Status: models.RequestStatusDeclined}))
	require.NoError(t, q.Enqueue(ctx, ReconcileTask{Kind: "bogus", RequestID: 9}))

	res, err := q.Drain(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Discarded: 2}, res)
}

func TestReconcileQueue_ScanQueuesMissingRosterRows(t *testing.T) {
	ctx := context.Background()
	q := NewReconcileQueue(setupRedis(t), &rosterRepoStub{}, &requestRepoStub{})

	finder := missingRosterStub{records: []models.ConsentRecord{
		{RequestID: 1, PatientEmail: "ada@example.com", PatientName: "Ada", DoctorEmail: "grey@clinic.example", ConsentGiven: true},
		{RequestID: 2, PatientEmail: "ghost@example.com", PatientName: "Ghost", DoctorEmail: "grey@clinic.example", ConsentGiven: true},
	}}
	patients := patientsByEmailStub{"ada@example.com": {ID: 7, Email: "ada@example.com", Age: 41}}

	queued, err := q.Scan(ctx, finder, patients, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, queued)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), depth)
}

func TestReconcileQueue_ScanSkipsAcceptOverriddenByDecline(t *testing.T) {
	ctx := context.Background()
	db := setupSQLiteDB(t)
	patient := &models.Patient{Name: "Ada Patient", Email: "ada@example.com", Age: 41}
	doctor := &models.Doctor{Name: "Dr. Grey", Email: "grey@clinic.example"}
	require.NoError(t, db.Create(patient).Error)
	require.NoError(t, db.Create(doctor).Error)
	require.NoError(t, db.Create(&models.ConnectionRequest{
		PatientID: patient.ID, DoctorID: doctor.ID, Status: models.RequestStatusPending,
	}).Error)

	consents := repository.NewConsentRepository(db)
	r := NewRegistry(RegistryDeps{
		Profiles: repository.NewProfileRepository(db),
		Requests: repository.NewRequestRepository(db),
		Consents: consents,
		Roster: &rosterRepoStub{existsFn: func(context.Context, string, string) (bool, error) {
			return false, models.NewInternalError(errors.New("permission denied"))
		}},
		StepTimeout: 5 * time.Second,
	})
	defer r.Shutdown()

	_, err := r.OpenNext(ctx, patient.ID)
	require.NoError(t, err)
	ps, err := r.Get(ctx, patient.ID)
	require.NoError(t, err)
	_, err = ps.Coordinator.ShowFullText()
	require.NoError(t, err)
	_, err = ps.Coordinator.Acknowledge(true)
	require.NoError(t, err)

	// The accept stops at the roster probe with its consent record written,
	// then the patient declines instead.
	_, err = ps.Coordinator.Decide(ctx, true)
	require.Error(t, err)
	require.Equal(t, StateDeciding, ps.Coordinator.State())
	d, err := ps.Coordinator.Decide(ctx, false)
	require.NoError(t, err)
	assert.False(t, d.Accepted)

	var records int64
	require.NoError(t, db.Model(&models.ConsentRecord{}).Count(&records).Error)
	assert.Equal(t, int64(2), records)

	q := NewReconcileQueue(setupRedis(t), &rosterRepoStub{}, &requestRepoStub{})
	queued, err := q.Scan(ctx, consents, patientsByEmailStub{}, 10)
	require.NoError(t, err)
	assert.Zero(t, queued)
}

func TestRunReconcileLoop_RespectsFlag(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	roster := &rosterRepoStub{}
	q := NewReconcileQueue(setupRedis(t), roster, &requestRepoStub{})
	require.NoError(t, q.Enqueue(ctx, ReconcileTask{Kind: TaskRosterInsert, RequestID: 1, PatientEmail: "a@b.co", DoctorEmail: "d@b.co"}))

	done := make(chan struct{})
	go func() {
		RunReconcileLoop(ctx, q, featureflags.NewManager("consent_auto_retry=off"), 5*time.Millisecond, 10)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()
	<-done

	depth, err := q.Depth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	ctx, cancel = context.WithCancel(context.Background())
	defer cancel()
	go RunReconcileLoop(ctx, q, featureflags.NewManager("consent_auto_retry=on"), 5*time.Millisecond, 10)

	assert.Eventually(t, func() bool {
		d, err := q.Depth(context.Background())
		return err == nil && d == 0
	}, 2*time.Second, 10*time.Millisecond)
}

type missingRosterStub struct {
	records []models.ConsentRecord
}

func (s missingRosterStub) ListAcceptedMissingRoster(context.Context, int) ([]models.ConsentRecord, error) {
	return s.records, nil
}

type patientsByEmailStub map[string]*models.Patient

func (s patientsByEmailStub) GetPatientByEmail(_ context.Context, email string) (*models.Patient, error) {
	if p, ok := s[email]; ok {
		return p, nil
	}
	return nil, models.NewNotFoundError("Patient", email)
}

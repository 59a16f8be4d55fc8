package service

import (
	"context"
	"sync"
	"time"

	"carelink/internal/models"
	"carelink/internal/realtime"
)

type requestRepoStub struct {
	mu sync.Mutex

	listFn          func(context.Context, uint) ([]models.ConnectionRequest, error)
	getByIDFn       func(context.Context, uint) (*models.ConnectionRequest, error)
	updateConsentFn func(context.Context, uint, models.ConsentStatus, time.Time) error
	advanceFn       func(context.Context, uint, models.RequestStatus, time.Time) error

	listCalls     int
	consentWrites []models.ConsentStatus
	statusWrites  []models.RequestStatus
}

func (s *requestRepoStub) ListPendingForPatient(ctx context.Context, patientID uint) ([]models.ConnectionRequest, error) {
	s.mu.Lock()
	s.listCalls++
	s.mu.Unlock()
	if s.listFn == nil {
		return nil, nil
	}
	return s.listFn(ctx, patientID)
}

func (s *requestRepoStub) GetByID(ctx context.Context, id uint) (*models.ConnectionRequest, error) {
	if s.getByIDFn == nil {
		return nil, models.NewNotFoundError("ConnectionRequest", id)
	}
	return s.getByIDFn(ctx, id)
}

func (s *requestRepoStub) UpdateConsentStatus(ctx context.Context, id uint, status models.ConsentStatus, at time.Time) error {
	if s.updateConsentFn != nil {
		if err := s.updateConsentFn(ctx, id, status, at); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.consentWrites = append(s.consentWrites, status)
	s.mu.Unlock()
	return nil
}

func (s *requestRepoStub) AdvanceStatus(ctx context.Context, id uint, status models.RequestStatus, at time.Time) error {
	if s.advanceFn != nil {
		if err := s.advanceFn(ctx, id, status, at); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.statusWrites = append(s.statusWrites, status)
	s.mu.Unlock()
	return nil
}

func (s *requestRepoStub) lists() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listCalls
}

type consentRepoStub struct {
	mu       sync.Mutex
	createFn func(context.Context, *models.ConsentRecord) error
	records  []models.ConsentRecord
	calls    int
}

func (s *consentRepoStub) Create(ctx context.Context, record *models.ConsentRecord) error {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.createFn != nil {
		if err := s.createFn(ctx, record); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record.ID = uint(len(s.records) + 1)
	s.records = append(s.records, *record)
	return nil
}

func (s *consentRepoStub) createCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type rosterRepoStub struct {
	mu       sync.Mutex
	existsFn func(context.Context, string, string) (bool, error)
	createFn func(context.Context, *models.RosterMembership) (bool, error)
	probes   int
	rows     []models.RosterMembership
}

func (s *rosterRepoStub) Exists(ctx context.Context, patientEmail, doctorEmail string) (bool, error) {
	s.mu.Lock()
	s.probes++
	s.mu.Unlock()
	if s.existsFn == nil {
		return false, nil
	}
	return s.existsFn(ctx, patientEmail, doctorEmail)
}

func (s *rosterRepoStub) CreateIfAbsent(ctx context.Context, m *models.RosterMembership) (bool, error) {
	if s.createFn != nil {
		return s.createFn(ctx, m)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rows {
		if r.Email == m.Email && r.DoctorEmail == m.DoctorEmail {
			return false, nil
		}
	}
	s.rows = append(s.rows, *m)
	return true, nil
}

func (s *rosterRepoStub) touched() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.probes + len(s.rows)
}

type profileStub struct {
	getPatientFn func(context.Context, uint) (*models.Patient, error)
	getDoctorFn  func(context.Context, uint) (*models.Doctor, error)
}

func (s *profileStub) GetPatient(ctx context.Context, id uint) (*models.Patient, error) {
	return s.getPatientFn(ctx, id)
}

func (s *profileStub) GetDoctor(ctx context.Context, id uint) (*models.Doctor, error) {
	if s.getDoctorFn == nil {
		return nil, models.NewNotFoundError("Doctor", id)
	}
	return s.getDoctorFn(ctx, id)
}

type taskSinkStub struct {
	mu    sync.Mutex
	tasks []ReconcileTask
}

func (s *taskSinkStub) Enqueue(_ context.Context, task ReconcileTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, task)
	return nil
}

func (s *taskSinkStub) all() []ReconcileTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ReconcileTask(nil), s.tasks...)
}

type publisherStub struct {
	mu       sync.Mutex
	messages []realtime.Message
	notify   chan realtime.Message
}

func newPublisherStub() *publisherStub {
	return &publisherStub{notify: make(chan realtime.Message, 32)}
}

func (s *publisherStub) PublishMessage(_ context.Context, _ uint, msg realtime.Message) error {
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.mu.Unlock()
	select {
	case s.notify <- msg:
	default:
	}
	return nil
}

func (s *publisherStub) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, m.Type)
	}
	return out
}

var (
	testPatient = models.Patient{ID: 7, Name: "Ada Patient", Email: "ada@example.com", Age: 41}
	testDoctor  = models.Doctor{ID: 3, Name: "Dr. Grey", Email: "grey@clinic.example", Specialization: "Cardiology"}
)

func testSession() Session {
	s, err := NewSession(&testPatient)
	if err != nil {
		panic(err)
	}
	return s
}

func pendingRequest(id uint) models.ConnectionRequest {
	doc := testDoctor
	return models.ConnectionRequest{
		ID:        id,
		PatientID: testPatient.ID,
		DoctorID:  testDoctor.ID,
		Doctor:    &doc,
		Status:    models.RequestStatusPending,
		CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

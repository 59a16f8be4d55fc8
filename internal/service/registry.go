package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"carelink/internal/consenttext"
	"carelink/internal/featureflags"
	"carelink/internal/middleware"
	"carelink/internal/models"
	"carelink/internal/realtime"
)

// ProfileReader loads the read-only profiles a session needs.
type ProfileReader interface {
	GetPatient(ctx context.Context, id uint) (*models.Patient, error)
	GetDoctor(ctx context.Context, id uint) (*models.Doctor, error)
}

// RequestStore is the request repository surface the registry uses.
type RequestStore interface {
	RequestLister
	RequestStatusWriter
	GetByID(ctx context.Context, id uint) (*models.ConnectionRequest, error)
}

// Publisher pushes messages to a patient's devices.
type Publisher interface {
	PublishMessage(ctx context.Context, patientID uint, msg realtime.Message) error
}

// RegistryDeps wires the registry to its backends. Changes, Publisher,
// Retry and Flags may be nil.
type RegistryDeps struct {
	Profiles     ProfileReader
	Requests     RequestStore
	Consents     ConsentWriter
	Roster       RosterWriter
	Retry        TaskSink
	Changes      ChangeSource
	Publisher    Publisher
	Flags        *featureflags.Manager
	Text         consenttext.Document
	StepTimeout  time.Duration
	FetchTimeout time.Duration
}

// PatientSession bundles one patient's watcher and coordinator.
type PatientSession struct {
	PatientID   uint
	Watcher     *RequestWatcher
	Coordinator *Coordinator

	// guarded by Registry.mu
	watchers int
	lastUsed time.Time
}

// Registry owns a single PatientSession per patient, which keeps a patient
// to one consent session across all of their devices. A session with no
// open consent and no live watch is evicted, on the last Watch teardown or
// by Sweep once idle.
type Registry struct {
	deps RegistryDeps
	now  func() time.Time

	mu       sync.Mutex
	sessions map[uint]*PatientSession
	closed   bool
}

// NewRegistry creates an empty registry.
func NewRegistry(deps RegistryDeps) *Registry {
	return &Registry{deps: deps, now: time.Now, sessions: make(map[uint]*PatientSession)}
}

// Get returns the patient's session, creating it from the profile on first
// use.
func (r *Registry) Get(ctx context.Context, patientID uint) (*PatientSession, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, models.NewRetryableError("service is shutting down", nil)
	}
	if ps, ok := r.sessions[patientID]; ok {
		ps.lastUsed = r.now()
		r.mu.Unlock()
		return ps, nil
	}
	r.mu.Unlock()

	patient, err := r.deps.Profiles.GetPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	session, err := NewSession(patient)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, models.NewRetryableError("service is shutting down", nil)
	}
	if ps, ok := r.sessions[patientID]; ok {
		ps.lastUsed = r.now()
		return ps, nil
	}
	ps := r.newPatientSession(session)
	ps.lastUsed = r.now()
	r.sessions[patientID] = ps
	return ps, nil
}

func (r *Registry) newPatientSession(session Session) *PatientSession {
	ps := &PatientSession{
		PatientID: session.PatientID,
		Watcher:   NewRequestWatcher(session, r.deps.Requests, r.deps.Changes, r.deps.FetchTimeout),
		Coordinator: NewCoordinator(session, CoordinatorDeps{
			Consents:    r.deps.Consents,
			Roster:      r.deps.Roster,
			Requests:    r.deps.Requests,
			Retry:       r.deps.Retry,
			Text:        r.deps.Text,
			StepTimeout: r.deps.StepTimeout,
		}),
	}
	ps.Coordinator.OnDecision(func(d Decision) {
		ctx := middleware.WithSessionID(context.Background(), d.SessionID)
		list := ps.Watcher.Refresh(ctx)
		r.publish(ctx, session.PatientID, realtime.Message{Type: realtime.MessageConsentDecided, Payload: d})
		r.publish(ctx, session.PatientID, realtime.Message{Type: realtime.MessageRequestsUpdated, Payload: list})
	})
	return ps
}

// OpenNext refreshes the patient's requests and opens a session for the
// first one that needs consent.
func (r *Registry) OpenNext(ctx context.Context, patientID uint) (SessionSnapshot, error) {
	ps, err := r.Get(ctx, patientID)
	if err != nil {
		return SessionSnapshot{}, err
	}
	req := FindNeedsConsent(ps.Watcher.Refresh(ctx))
	if req == nil {
		return SessionSnapshot{}, models.NewNotFoundError("Connection request needing consent", "for patient")
	}
	return r.open(ctx, ps, req)
}

// OpenRequest opens a session for a specific request of the patient.
func (r *Registry) OpenRequest(ctx context.Context, patientID, requestID uint) (SessionSnapshot, error) {
	ps, err := r.Get(ctx, patientID)
	if err != nil {
		return SessionSnapshot{}, err
	}
	req, err := r.deps.Requests.GetByID(ctx, requestID)
	if err != nil {
		return SessionSnapshot{}, err
	}
	if req.PatientID != patientID {
		// Another patient's request is reported as missing.
		return SessionSnapshot{}, models.NewNotFoundError("Connection request", requestID)
	}
	return r.open(ctx, ps, req)
}

func (r *Registry) open(ctx context.Context, ps *PatientSession, req *models.ConnectionRequest) (SessionSnapshot, error) {
	doctor := req.Doctor
	if doctor == nil {
		d, err := r.deps.Profiles.GetDoctor(ctx, req.DoctorID)
		if err != nil {
			return SessionSnapshot{}, err
		}
		doctor = d
	}

	// Decisions write the patient's name and email, so they are reloaded
	// rather than trusted from when the session was created.
	patient, err := r.deps.Profiles.GetPatient(ctx, ps.PatientID)
	if err != nil {
		return SessionSnapshot{}, err
	}
	session, err := NewSession(patient)
	if err != nil {
		return SessionSnapshot{}, err
	}
	if err := ps.Coordinator.Rebind(session); err != nil {
		return SessionSnapshot{}, fmt.Errorf("open request %d: %w", req.ID, err)
	}

	snap, err := ps.Coordinator.Open(ctx, req, doctor)
	if err != nil {
		return snap, err
	}
	if !r.isCurrent(ps) {
		_ = ps.Coordinator.Close()
		return SessionSnapshot{}, models.NewRetryableError("consent session expired, try again", nil)
	}
	return snap, nil
}

func (r *Registry) isCurrent(ps *PatientSession) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[ps.PatientID] == ps
}

// Watch subscribes the patient's watcher to live changes and pushes every
// refreshed list to the patient until the returned func is called.
func (r *Registry) Watch(ctx context.Context, patientID uint) (func(), error) {
	var ps *PatientSession
	for ps == nil {
		got, err := r.Get(ctx, patientID)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		if r.sessions[patientID] == got {
			got.watchers++
			ps = got
		}
		r.mu.Unlock()
	}

	cancel := ps.Watcher.Subscribe(func(list []models.ConnectionRequest) {
		bg := context.Background()
		r.publish(bg, patientID, realtime.Message{Type: realtime.MessageRequestsUpdated, Payload: list})

		if !r.deps.Flags.Enabled(featureflags.ConsentNeededPush, patientID) {
			return
		}
		if ps.Coordinator.State() != StateClosed {
			return
		}
		if req := FindNeedsConsent(list); req != nil {
			r.publish(bg, patientID, realtime.Message{Type: realtime.MessageConsentNeeded, Payload: req})
		}
	})

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			r.release(ps)
		})
	}, nil
}

// release drops a watch and evicts the session when nothing holds it.
func (r *Registry) release(ps *PatientSession) {
	r.mu.Lock()
	ps.watchers--
	ps.lastUsed = r.now()
	if ps.watchers == 0 && r.sessions[ps.PatientID] == ps && ps.Coordinator.State() == StateClosed {
		delete(r.sessions, ps.PatientID)
	}
	r.mu.Unlock()
}

// Sweep evicts sessions that have no live watch, no open consent session
// and no use within idle. It returns how many were evicted.
func (r *Registry) Sweep(idle time.Duration) int {
	cutoff := r.now().Add(-idle)

	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for id, ps := range r.sessions {
		if ps.watchers > 0 || ps.lastUsed.After(cutoff) || ps.Coordinator.State() != StateClosed {
			continue
		}
		delete(r.sessions, id)
		evicted++
	}
	return evicted
}

// RunSweeper calls Sweep every interval until ctx is done.
func (r *Registry) RunSweeper(ctx context.Context, interval, idle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Sweep(idle); n > 0 {
				middleware.Logger.DebugContext(ctx, "evicted idle patient sessions", slog.Int("count", n))
			}
		}
	}
}

func (r *Registry) publish(ctx context.Context, patientID uint, msg realtime.Message) {
	if r.deps.Publisher == nil {
		return
	}
	if err := r.deps.Publisher.PublishMessage(ctx, patientID, msg); err != nil {
		middleware.Logger.WarnContext(ctx, "failed to publish patient message",
			slog.Uint64("patient_id", uint64(patientID)),
			slog.String("type", msg.Type),
			slog.String("error", err.Error()),
		)
	}
}

// Len returns the number of live patient sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Shutdown closes every watcher and abandons open consent sessions. A
// decision still being saved is left to finish.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	r.closed = true
	sessions := r.sessions
	r.sessions = make(map[uint]*PatientSession)
	r.mu.Unlock()

	for _, ps := range sessions {
		ps.Watcher.Close()
		_ = ps.Coordinator.Close()
	}
}

package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"carelink/internal/consenttext"
	"carelink/internal/middleware"
	"carelink/internal/models"
	"carelink/internal/observability"
	"carelink/internal/validation"

	"github.com/google/uuid"
)

// State is the consent session state.
type State string

const (
	StateClosed      State = "closed"
	StatePreview     State = "preview"
	StateAwaitingAck State = "awaiting_ack"
	StateDeciding    State = "deciding"
	StateCommitting  State = "committing"
)

// Coordinator errors. They carry CONFLICT so handlers can serve them
// directly; callers wrap them and test with errors.Is.
var (
	ErrSessionClosed      = models.NewConflictError("no consent session is open")
	ErrNotAcknowledged    = models.NewConflictError("consent text has not been acknowledged")
	ErrCommitInProgress   = models.NewConflictError("a consent decision is already being saved")
	ErrInvalidTransition  = models.NewConflictError("action not allowed in the current consent state")
	ErrSessionAlreadyOpen = models.NewConflictError("a consent session is already open")
)

// ConsentWriter appends consent records.
type ConsentWriter interface {
	Create(ctx context.Context, record *models.ConsentRecord) error
}

// CoordinatorDeps are the backends a Coordinator writes to.
type CoordinatorDeps struct {
	Consents ConsentWriter
	Roster   RosterWriter
	Requests RequestStatusWriter
	// Retry receives failed secondary writes. Nil leaves them to
	// `carectl reconcile --scan`.
	Retry       TaskSink
	Text        consenttext.Document
	StepTimeout time.Duration
	Now         func() time.Time
	NewID       func() string
}

// Decision is the outcome handed to OnDecision callbacks.
type Decision struct {
	SessionID string     `json:"session_id"`
	RequestID uint       `json:"request_id"`
	DoctorID  uint       `json:"doctor_id"`
	Accepted  bool       `json:"accepted"`
	DecidedAt time.Time  `json:"decided_at"`
	Result    SagaResult `json:"result"`
}

// SessionSnapshot is the client-visible view of the consent session.
type SessionSnapshot struct {
	SessionID    string                    `json:"session_id,omitempty"`
	State        State                     `json:"state"`
	Request      *models.ConnectionRequest `json:"request,omitempty"`
	Doctor       *models.Doctor            `json:"doctor,omitempty"`
	TextVersion  string                    `json:"text_version,omitempty"`
	Title        string                    `json:"title,omitempty"`
	Summary      string                    `json:"summary,omitempty"`
	Body         string                    `json:"body,omitempty"`
	Acknowledged bool                      `json:"acknowledged"`
	CanDecide    bool                      `json:"can_decide"`
	OpenedAt     *time.Time                `json:"opened_at,omitempty"`
}

// Coordinator runs one patient's consent session from Preview to a
// committed decision. At most one session is open at a time.
type Coordinator struct {
	session Session
	deps    CoordinatorDeps

	mu        sync.Mutex
	state     State
	sessionID string
	request   *models.ConnectionRequest
	doctor    *models.Doctor
	openedAt  time.Time
	callbacks []func(Decision)
}

// NewCoordinator creates a closed coordinator for session.
func NewCoordinator(session Session, deps CoordinatorDeps) *Coordinator {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.NewID == nil {
		deps.NewID = func() string { return uuid.NewString() }
	}
	if deps.StepTimeout <= 0 {
		deps.StepTimeout = 30 * time.Second
	}
	if deps.Text.Body == "" {
		deps.Text = consenttext.Default()
	}
	return &Coordinator{session: session, deps: deps, state: StateClosed}
}

// OnDecision registers cb to run after a decision is committed and the
// session is closed again.
func (c *Coordinator) OnDecision(cb func(Decision)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks = append(c.callbacks, cb)
}

// Rebind replaces the patient identity that later decisions write. It is
// refused while a session is open.
func (c *Coordinator) Rebind(session Session) error {
	if err := session.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if session.PatientID != c.session.PatientID {
		return models.NewValidationError("identity belongs to another patient")
	}
	if c.state != StateClosed {
		return ErrSessionAlreadyOpen
	}
	c.session = session
	return nil
}

func (c *Coordinator) identity() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Open starts a session in Preview for req. The request and doctor are only
// read. Identity problems are reported before anything changes.
func (c *Coordinator) Open(ctx context.Context, req *models.ConnectionRequest, doctor *models.Doctor) (SessionSnapshot, error) {
	session := c.identity()
	if err := session.Validate(); err != nil {
		return SessionSnapshot{}, err
	}
	if req == nil {
		return SessionSnapshot{}, models.NewValidationError("connection request is required")
	}
	if doctor == nil {
		return SessionSnapshot{}, models.NewValidationError("doctor is required")
	}
	if err := validation.ValidateDoctorIdentity(doctor.ID, doctor.Name, doctor.Email); err != nil {
		return SessionSnapshot{}, models.NewValidationError(err.Error())
	}
	if req.PatientID != session.PatientID {
		return SessionSnapshot{}, models.NewValidationError("connection request belongs to another patient")
	}
	if req.DoctorID != doctor.ID {
		return SessionSnapshot{}, models.NewValidationError("doctor does not match the connection request")
	}
	if !req.NeedsConsent() {
		return SessionSnapshot{}, models.NewConflictError(fmt.Sprintf("connection request %d does not need consent", req.ID))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateClosed {
		return SessionSnapshot{}, fmt.Errorf("open request %d: %w", req.ID, ErrSessionAlreadyOpen)
	}

	reqCopy := *req
	docCopy := *doctor
	reqCopy.Doctor = &docCopy
	c.request = &reqCopy
	c.doctor = &docCopy
	c.sessionID = c.deps.NewID()
	c.openedAt = c.deps.Now().UTC()
	c.state = StatePreview
	observability.OpenConsentSessions.Inc()

	middleware.Logger.InfoContext(middleware.WithSessionID(ctx, c.sessionID), "consent session opened",
		slog.Uint64("request_id", uint64(req.ID)),
		slog.Uint64("doctor_id", uint64(doctor.ID)),
	)
	return c.snapshotLocked(), nil
}

// ShowFullText moves Preview to AwaitingAck and returns the disclosure.
// Calling it again while the text is shown is a no-op.
func (c *Coordinator) ShowFullText() (consenttext.Document, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateClosed:
		return consenttext.Document{}, ErrSessionClosed
	case StateCommitting:
		return consenttext.Document{}, ErrCommitInProgress
	case StatePreview:
		c.state = StateAwaitingAck
	}
	return c.deps.Text, nil
}

// Acknowledge sets the acknowledgement checkbox. Checking it enables the
// decision, unchecking it disables the decision again.
func (c *Coordinator) Acknowledge(acknowledged bool) (SessionSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateClosed:
		return SessionSnapshot{}, ErrSessionClosed
	case StateCommitting:
		return SessionSnapshot{}, ErrCommitInProgress
	case StatePreview:
		return SessionSnapshot{}, fmt.Errorf("acknowledge before reading full text: %w", ErrInvalidTransition)
	}

	if acknowledged {
		c.state = StateDeciding
	} else {
		c.state = StateAwaitingAck
	}
	return c.snapshotLocked(), nil
}

// Decide commits accept or decline. It only runs from Deciding; any other
// state returns an error without touching the backend. A hard failure
// leaves the session in Deciding and returns a retryable error.
func (c *Coordinator) Decide(ctx context.Context, accept bool) (Decision, error) {
	c.mu.Lock()
	switch c.state {
	case StateClosed:
		c.mu.Unlock()
		return Decision{}, ErrSessionClosed
	case StatePreview, StateAwaitingAck:
		c.mu.Unlock()
		return Decision{}, ErrNotAcknowledged
	case StateCommitting:
		c.mu.Unlock()
		return Decision{}, ErrCommitInProgress
	}
	c.state = StateCommitting
	session, req, doctor, sessionID := c.session, c.request, c.doctor, c.sessionID
	c.mu.Unlock()

	ctx = middleware.WithSessionID(ctx, sessionID)
	now := c.deps.Now().UTC()
	decision := Decision{
		SessionID: sessionID,
		RequestID: req.ID,
		DoctorID:  doctor.ID,
		Accepted:  accept,
		DecidedAt: now,
	}

	saga := c.buildSaga(session, req, doctor, sessionID, accept, now)
	result, err := saga.Execute(ctx)
	decision.Result = result

	label := "declined"
	if accept {
		label = "accepted"
	}

	if err != nil {
		c.mu.Lock()
		c.state = StateDeciding
		c.mu.Unlock()

		observability.ConsentDecisions.WithLabelValues(label, "failed").Inc()
		middleware.Logger.ErrorContext(ctx, "consent decision could not be saved",
			slog.Uint64("request_id", uint64(req.ID)),
			slog.Bool("accept", accept),
			slog.String("error", err.Error()),
		)
		return decision, models.NewRetryableError("could not save consent, try again", err)
	}

	c.mu.Lock()
	c.resetLocked()
	callbacks := append([]func(Decision){}, c.callbacks...)
	c.mu.Unlock()

	outcome := "committed"
	if len(result.SoftFailures()) > 0 {
		outcome = "partial"
	}
	observability.ConsentDecisions.WithLabelValues(label, outcome).Inc()
	middleware.Logger.InfoContext(ctx, "consent decision committed",
		slog.Uint64("request_id", uint64(req.ID)),
		slog.Bool("accept", accept),
		slog.Any("soft_failures", result.SoftFailures()),
	)

	for _, cb := range callbacks {
		cb(decision)
	}
	return decision, nil
}

// Close abandons the session without a decision. It is refused while a
// decision is being saved.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateClosed:
		return nil
	case StateCommitting:
		return ErrCommitInProgress
	}
	c.resetLocked()
	return nil
}

// Snapshot returns the client-visible session view.
func (c *Coordinator) Snapshot() SessionSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Coordinator) resetLocked() {
	if c.state != StateClosed {
		observability.OpenConsentSessions.Dec()
	}
	c.state = StateClosed
	c.sessionID = ""
	c.request = nil
	c.doctor = nil
	c.openedAt = time.Time{}
}

func (c *Coordinator) snapshotLocked() SessionSnapshot {
	snap := SessionSnapshot{State: c.state}
	if c.state == StateClosed {
		return snap
	}

	req := *c.request
	doc := *c.doctor
	req.Doctor = &doc
	openedAt := c.openedAt

	snap.SessionID = c.sessionID
	snap.Request = &req
	snap.Doctor = &doc
	snap.OpenedAt = &openedAt
	snap.TextVersion = c.deps.Text.Version
	snap.Title = c.deps.Text.Title
	snap.Summary = c.deps.Text.Summary

	switch c.state {
	case StateAwaitingAck:
		snap.Body = c.deps.Text.Body
	case StateDeciding:
		snap.Body = c.deps.Text.Body
		snap.Acknowledged = true
		snap.CanDecide = true
	case StateCommitting:
		snap.Body = c.deps.Text.Body
		snap.Acknowledged = true
	}
	return snap
}

func (c *Coordinator) buildSaga(session Session, req *models.ConnectionRequest, doctor *models.Doctor, sessionID string, accept bool, now time.Time) *Saga {
	record := models.ConsentRecord{
		SessionID:    sessionID,
		RequestID:    req.ID,
		PatientEmail: session.PatientEmail,
		PatientName:  session.PatientName,
		DoctorEmail:  doctor.Email,
		DoctorName:   doctor.Name,
		ConsentGiven: accept,
		ConsentDate:  now,
		ConsentText:  c.deps.Text.Snapshot(),
	}

	name := "decline"
	consentStatus := models.ConsentStatusRejected
	requestStatus := models.RequestStatusDeclined
	if accept {
		name = "accept"
		consentStatus = models.ConsentStatusAccepted
		requestStatus = models.RequestStatusAccepted
	}

	var rosterExists, marked bool

	steps := []Step{{
		Name:     "record_consent",
		Critical: true,
		Run: func(ctx context.Context) error {
			rec := record
			return c.deps.Consents.Create(ctx, &rec)
		},
	}}

	if accept {
		steps = append(steps,
			Step{
				Name:     "probe_roster",
				Critical: true,
				Run: func(ctx context.Context) error {
					exists, err := c.deps.Roster.Exists(ctx, session.PatientEmail, doctor.Email)
					if models.IsNotFound(err) {
						rosterExists = false
						return nil
					}
					if err != nil {
						return err
					}
					rosterExists = exists
					return nil
				},
			},
			Step{
				Name: "insert_roster",
				Skip: func() bool { return rosterExists },
				Run: func(ctx context.Context) error {
					_, err := c.deps.Roster.CreateIfAbsent(ctx, &models.RosterMembership{
						Name:        session.PatientName,
						Email:       session.PatientEmail,
						DoctorEmail: doctor.Email,
						Age:         session.PatientAge,
					})
					return err
				},
			},
		)
	}

	steps = append(steps,
		Step{
			Name: "mark_consent",
			Run: func(ctx context.Context) error {
				if err := c.deps.Requests.UpdateConsentStatus(ctx, req.ID, consentStatus, now); err != nil {
					return err
				}
				marked = true
				return nil
			},
		},
		Step{
			Name: "advance_status",
			Skip: func() bool { return !marked },
			Run: func(ctx context.Context) error {
				return c.deps.Requests.AdvanceStatus(ctx, req.ID, requestStatus, now)
			},
		},
	)

	return &Saga{
		Name:        name,
		Steps:       steps,
		StepTimeout: c.deps.StepTimeout,
		OnSoftFailure: func(ctx context.Context, step string, err error) {
			task := ReconcileTask{RequestID: req.ID}
			switch step {
			case "insert_roster":
				task.Kind = TaskRosterInsert
				task.PatientEmail = session.PatientEmail
				task.PatientName = session.PatientName
				task.PatientAge = session.PatientAge
				task.DoctorEmail = doctor.Email
			case "mark_consent":
				task.Kind = TaskConsentStatus
				task.ConsentStatus = consentStatus
				task.Status = requestStatus
			case "advance_status":
				task.Kind = TaskRequestStatus
				task.Status = requestStatus
			default:
				return
			}
			c.enqueue(ctx, task, err)
		},
	}
}

func (c *Coordinator) enqueue(ctx context.Context, task ReconcileTask, cause error) {
	if !retryable(cause) {
		return
	}
	if c.deps.Retry == nil {
		middleware.Logger.WarnContext(ctx, "no reconcile queue, secondary write left for scan",
			slog.String("kind", string(task.Kind)),
			slog.Uint64("request_id", uint64(task.RequestID)),
		)
		return
	}
	if err := c.deps.Retry.Enqueue(context.WithoutCancel(ctx), task); err != nil {
		middleware.Logger.ErrorContext(ctx, "failed to enqueue reconcile task",
			slog.String("kind", string(task.Kind)),
			slog.Uint64("request_id", uint64(task.RequestID)),
			slog.String("error", err.Error()),
		)
	}
}

package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"carelink/internal/middleware"
	"carelink/internal/models"
	"carelink/internal/observability"
	"carelink/internal/realtime"
)

const requestsTable = "connection_requests"

// RequestLister is the read the watcher needs from the request repository.
type RequestLister interface {
	ListPendingForPatient(ctx context.Context, patientID uint) ([]models.ConnectionRequest, error)
}

// ChangeSource registers in-process listeners for table changes.
type ChangeSource interface {
	Subscribe(table string, filter realtime.Filter, handler realtime.Handler) func()
}

// RequestWatcher keeps the visible list of one patient's pending connection
// requests and tells callers when it changes.
type RequestWatcher struct {
	session      Session
	repo         RequestLister
	changes      ChangeSource
	fetchTimeout time.Duration

	mu      sync.Mutex
	seq     uint64
	applied uint64
	current []models.ConnectionRequest
	closed  bool
	nextSub int
	cancels map[int]func()
}

// NewRequestWatcher creates a watcher for session. changes may be nil when
// live updates are unavailable.
func NewRequestWatcher(session Session, repo RequestLister, changes ChangeSource, fetchTimeout time.Duration) *RequestWatcher {
	if fetchTimeout <= 0 {
		fetchTimeout = 30 * time.Second
	}
	return &RequestWatcher{
		session:      session,
		repo:         repo,
		changes:      changes,
		fetchTimeout: fetchTimeout,
		cancels:      make(map[int]func()),
	}
}

// Refresh fetches the patient's pending requests and returns the visible
// list. Overlapping refreshes resolve last-write-wins: a response is only
// applied when no later-issued refresh has been applied already. A fetch
// error is logged and the previous list is kept.
func (w *RequestWatcher) Refresh(ctx context.Context) []models.ConnectionRequest {
	w.mu.Lock()
	if w.closed {
		list := w.snapshotLocked()
		w.mu.Unlock()
		return list
	}
	w.seq++
	ticket := w.seq
	w.mu.Unlock()

	fetchCtx, cancel := context.WithTimeout(ctx, w.fetchTimeout)
	list, err := w.repo.ListPendingForPatient(fetchCtx, w.session.PatientID)
	cancel()

	w.mu.Lock()
	defer w.mu.Unlock()

	switch {
	case w.closed:
		observability.WatcherRefreshes.WithLabelValues("stale").Inc()
	case err != nil:
		observability.WatcherRefreshes.WithLabelValues("error").Inc()
		middleware.Logger.WarnContext(ctx, "request refresh failed, keeping previous list",
			slog.Uint64("patient_id", uint64(w.session.PatientID)),
			slog.Int("kept", len(w.current)),
			slog.String("error", err.Error()),
		)
	case ticket < w.applied:
		observability.WatcherRefreshes.WithLabelValues("stale").Inc()
	default:
		w.applied = ticket
		w.current = list
		observability.WatcherRefreshes.WithLabelValues("applied").Inc()
	}
	return w.snapshotLocked()
}

// Current returns the visible list without fetching.
func (w *RequestWatcher) Current() []models.ConnectionRequest {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snapshotLocked()
}

func (w *RequestWatcher) snapshotLocked() []models.ConnectionRequest {
	out := make([]models.ConnectionRequest, len(w.current))
	copy(out, w.current)
	return out
}

// NeedsConsent returns the first request in the visible list that needs the
// patient's consent, or nil.
func (w *RequestWatcher) NeedsConsent() *models.ConnectionRequest {
	return FindNeedsConsent(w.Current())
}

// FindNeedsConsent returns the first pending request whose consent is unset
// or pending. Only one consent session may be open, so at most one request
// is returned.
func FindNeedsConsent(list []models.ConnectionRequest) *models.ConnectionRequest {
	for i := range list {
		if list[i].NeedsConsent() {
			req := list[i]
			return &req
		}
	}
	return nil
}

// MatchesPatient reports whether a connection request change concerns
// patientID. Both snapshots are checked because deletes only carry Old.
func MatchesPatient(evt realtime.ChangeEvent, patientID uint) bool {
	if evt.Table != requestsTable {
		return false
	}
	if id, ok := realtime.UintField(evt.New, "patient_id"); ok && id == patientID {
		return true
	}
	if id, ok := realtime.UintField(evt.Old, "patient_id"); ok && id == patientID {
		return true
	}
	return false
}

// Subscribe refreshes the list whenever a change for this patient arrives
// and passes the refreshed list to onChange. The returned func removes the
// subscription and may be called more than once.
func (w *RequestWatcher) Subscribe(onChange func([]models.ConnectionRequest)) func() {
	if w.changes == nil {
		return func() {}
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return func() {}
	}
	id := w.nextSub
	w.nextSub++
	w.mu.Unlock()

	patientID := w.session.PatientID
	unsubscribe := w.changes.Subscribe(requestsTable,
		func(evt realtime.ChangeEvent) bool { return MatchesPatient(evt, patientID) },
		func(evt realtime.ChangeEvent) {
			if w.isClosed() {
				return
			}
			list := w.Refresh(context.Background())
			if onChange != nil && !w.isClosed() {
				onChange(list)
			}
		},
	)

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		unsubscribe()
		return func() {}
	}
	w.cancels[id] = unsubscribe
	w.mu.Unlock()

	return func() {
		w.mu.Lock()
		cancel, ok := w.cancels[id]
		delete(w.cancels, id)
		w.mu.Unlock()
		if ok {
			cancel()
		}
	}
}

// Subscriptions returns the number of live subscriptions.
func (w *RequestWatcher) Subscriptions() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.cancels)
}

func (w *RequestWatcher) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

// Close tears down every subscription and ignores responses still in
// flight.
func (w *RequestWatcher) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	cancels := w.cancels
	w.cancels = make(map[int]func())
	w.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

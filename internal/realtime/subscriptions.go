package realtime

import (
	"log/slog"
	"runtime/debug"
	"sync"

	"carelink/internal/middleware"
	"carelink/internal/observability"
)

const defaultListenerQueue = 64

// Filter decides in process whether a listener wants an event.
type Filter func(ChangeEvent) bool

// Handler receives events that passed the listener's filter.
type Handler func(ChangeEvent)

type listener struct {
	table   string
	filter  Filter
	handler Handler
	queue   chan ChangeEvent
	done    chan struct{}
	once    sync.Once
}

func (l *listener) stop() {
	l.once.Do(func() { close(l.done) })
}

func (l *listener) run(wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-l.done:
			return
		case evt := <-l.queue:
			select {
			case <-l.done:
				return
			default:
			}
			l.deliver(evt)
		}
	}
}

func (l *listener) deliver(evt ChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			middleware.Logger.Error("change listener panicked",
				slog.String("table", l.table),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()
	l.handler(evt)
}

// SubscriptionManager fans change events out to listeners keyed by table.
// Each listener has its own goroutine, so deliveries to one listener are
// serialized and never overlap.
type SubscriptionManager struct {
	mu        sync.RWMutex
	listeners map[string]map[*listener]struct{}
	queueSize int
	closed    bool
	wg        sync.WaitGroup
}

// NewSubscriptionManager creates a manager whose listeners buffer up to
// queueSize events. Zero selects the default.
func NewSubscriptionManager(queueSize int) *SubscriptionManager {
	if queueSize <= 0 {
		queueSize = defaultListenerQueue
	}
	return &SubscriptionManager{
		listeners: make(map[string]map[*listener]struct{}),
		queueSize: queueSize,
	}
}

// Subscribe registers handler for events on table that pass filter. A nil
// filter accepts everything. The returned func removes the listener and may
// be called more than once.
func (m *SubscriptionManager) Subscribe(table string, filter Filter, handler Handler) func() {
	l := &listener{
		table:   table,
		filter:  filter,
		handler: handler,
		queue:   make(chan ChangeEvent, m.queueSize),
		done:    make(chan struct{}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return func() {}
	}
	set, ok := m.listeners[table]
	if !ok {
		set = make(map[*listener]struct{})
		m.listeners[table] = set
	}
	set[l] = struct{}{}
	m.wg.Add(1)
	m.mu.Unlock()

	go l.run(&m.wg)

	return func() { m.remove(l) }
}

func (m *SubscriptionManager) remove(l *listener) {
	m.mu.Lock()
	if set, ok := m.listeners[l.table]; ok {
		delete(set, l)
		if len(set) == 0 {
			delete(m.listeners, l.table)
		}
	}
	m.mu.Unlock()
	l.stop()
}

// Dispatch hands evt to every listener on its table whose filter accepts
// it. A listener with a full queue misses the event.
func (m *SubscriptionManager) Dispatch(evt ChangeEvent) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for l := range m.listeners[evt.Table] {
		if l.filter != nil && !l.filter(evt) {
			continue
		}
		select {
		case l.queue <- evt:
			observability.ChangeEventsDispatched.WithLabelValues(evt.Table).Inc()
		default:
			observability.ChangeEventsDropped.WithLabelValues(evt.Table).Inc()
			middleware.Logger.Warn("change listener queue full, event dropped",
				slog.String("table", evt.Table), slog.String("type", string(evt.Type)))
		}
	}
}

// Listeners returns the number of listeners registered on table.
func (m *SubscriptionManager) Listeners(table string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.listeners[table])
}

// Close stops every listener and waits for their goroutines to exit.
func (m *SubscriptionManager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	all := m.listeners
	m.listeners = make(map[string]map[*listener]struct{})
	m.mu.Unlock()

	for _, set := range all {
		for l := range set {
			l.stop()
		}
	}
	m.wg.Wait()
}

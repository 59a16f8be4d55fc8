package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"carelink/internal/cache"
	"carelink/internal/middleware"
	"carelink/internal/observability"

	"github.com/gofiber/websocket/v2"
)

const (
	// Max connections per patient (phone, tablet, web).
	maxConnsPerPatient = 6
	// Max total connections
	maxTotalConns = 10000
)

// ErrHubClosed is returned by Register after Shutdown.
var ErrHubClosed = errors.New("hub is shut down")

// Hub is a websocket hub that maps patientID -> set of Clients.
type Hub struct {
	mu         sync.RWMutex
	conns      map[uint]map[*Client]struct{}
	totalConns int
	closed     bool
	log        *observability.WSLogger
}

// NewHub creates a new Hub instance for patient notifications.
func NewHub() *Hub {
	return &Hub{
		conns: make(map[uint]map[*Client]struct{}),
		log:   observability.NewWSLogger("patient hub"),
	}
}

// Name returns a human-readable identifier for this hub.
func (h *Hub) Name() string { return "patient hub" }

// Register a connection for a given patient. Returns the Client or an error
// if limits are exceeded.
func (h *Hub) Register(patientID uint, conn *websocket.Conn) (*Client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrHubClosed
	}
	if h.totalConns >= maxTotalConns {
		return nil, errors.New("server connection limit reached")
	}

	m, ok := h.conns[patientID]
	if !ok {
		m = make(map[*Client]struct{})
		h.conns[patientID] = m
	}
	if len(m) >= maxConnsPerPatient {
		return nil, errors.New("patient connection limit reached")
	}

	client := NewClient(h, conn, patientID)
	m[client] = struct{}{}
	h.totalConns++
	middleware.ActiveWebSockets.Inc()
	h.log.LogConnect(context.Background(), patientID)
	return client, nil
}

// UnregisterClient removes client from the hub. Safe to call twice.
func (h *Hub) UnregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	m, ok := h.conns[client.PatientID]
	if !ok {
		return
	}
	if _, exists := m[client]; !exists {
		return
	}
	delete(m, client)
	if len(m) == 0 {
		delete(h.conns, client.PatientID)
	}
	h.totalConns--
	middleware.ActiveWebSockets.Dec()
	client.closeSend()
	h.log.LogDisconnect(context.Background(), client.PatientID, "unregistered")
}

// Broadcast sends message to all connections for patientID
func (h *Hub) Broadcast(patientID uint, message string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if clients, ok := h.conns[patientID]; ok {
		data := []byte(message)
		for c := range clients {
			c.TrySend(data)
		}
	}
}

// Connections returns the number of live connections for patientID.
func (h *Hub) Connections(patientID uint) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[patientID])
}

// StartWiring connects the Notifier to this hub: it subscribes to the patient
// channel pattern and forwards messages to matching connections.
func (h *Hub) StartWiring(ctx context.Context, n *Notifier) error {
	return n.StartPatternSubscriber(ctx, func(channel, payload string) {
		patientID, err := parsePatientChannel(channel)
		if err != nil {
			middleware.Logger.Warn("invalid notification channel", slog.String("channel", channel))
			return
		}
		h.Broadcast(patientID, payload)
	})
}

func parsePatientChannel(channel string) (uint, error) {
	prefix := strings.TrimSuffix(cache.PatientChannelPattern, "*")
	if !strings.HasPrefix(channel, prefix) {
		return 0, fmt.Errorf("unexpected channel %q", channel)
	}
	var patientID uint
	if _, err := fmt.Sscanf(channel, cache.PatientChannelPrefix, &patientID); err != nil {
		return 0, err
	}
	return patientID, nil
}

// Shutdown gracefully closes all websocket connections
func (h *Hub) Shutdown(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true

	for patientID, patientConns := range h.conns {
		for client := range patientConns {
			client.closeSend()
			middleware.ActiveWebSockets.Dec()
			if client.Conn == nil {
				continue
			}
			if err := client.Conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "Server shutting down")); err != nil {
				middleware.Logger.Debug("failed to write close message",
					slog.Uint64("patient_id", uint64(patientID)), slog.String("error", err.Error()))
			}
			_ = client.Conn.Close()
		}
	}
	h.conns = make(map[uint]map[*Client]struct{})
	h.totalConns = 0
	return nil
}

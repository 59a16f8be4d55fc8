// Package realtime delivers database change events to in-process listeners
// and pushes patient notifications over redis and websockets.
package realtime

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// EventType is the kind of row change.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// ChangeEvent is one row change on a table. Deletes carry only Old and
// inserts only New.
type ChangeEvent struct {
	Table      string         `json:"table"`
	Type       EventType      `json:"type"`
	CommitTime time.Time      `json:"commit_time"`
	New        map[string]any `json:"new,omitempty"`
	Old        map[string]any `json:"old,omitempty"`
}

// DecodeChangeEvent parses a notify_row_change payload.
func DecodeChangeEvent(payload []byte) (ChangeEvent, error) {
	var evt ChangeEvent
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&evt); err != nil {
		return ChangeEvent{}, fmt.Errorf("decode change event: %w", err)
	}
	if evt.Table == "" {
		return ChangeEvent{}, fmt.Errorf("decode change event: missing table")
	}
	switch evt.Type {
	case EventInsert, EventUpdate, EventDelete:
	default:
		return ChangeEvent{}, fmt.Errorf("decode change event: unknown type %q", evt.Type)
	}
	return evt, nil
}

// UintField reads a numeric column from a row snapshot.
func UintField(row map[string]any, key string) (uint, bool) {
	if row == nil {
		return 0, false
	}
	switch v := row[key].(type) {
	case json.Number:
		n, err := strconv.ParseUint(v.String(), 10, 64)
		return uint(n), err == nil
	case float64:
		if v < 0 || v != float64(uint64(v)) {
			return 0, false
		}
		return uint(v), true
	case int:
		return uint(v), v >= 0
	case int64:
		return uint(v), v >= 0
	case uint:
		return v, true
	case uint64:
		return uint(v), true
	case string:
		n, err := strconv.ParseUint(v, 10, 64)
		return uint(n), err == nil
	default:
		return 0, false
	}
}

// Message is the envelope pushed to websocket clients.
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Websocket message types.
const (
	MessageRequestsUpdated = "requests_updated"
	MessageConsentNeeded   = "consent_needed"
	MessageConsentDecided  = "consent_decided"
)

// Encode marshals the message for publishing.
func (m Message) Encode() (string, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal %s message: %w", m.Type, err)
	}
	return string(raw), nil
}

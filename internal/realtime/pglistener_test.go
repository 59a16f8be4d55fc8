package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type recordingDispatcher struct {
	mu     sync.Mutex
	events []ChangeEvent
}

func (d *recordingDispatcher) Dispatch(evt ChangeEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, evt)
}

func TestPGListener_HandleDecodesAndDispatches(t *testing.T) {
	d := &recordingDispatcher{}
	l := NewPGListener("", "row_changes", d)

	l.handle(`{"table":"connection_requests","type":"UPDATE","new":{"patient_id":3},"old":{"patient_id":3}}`)
	l.handle(`not json`)

	d.mu.Lock()
	defer d.mu.Unlock()
	if assert.Len(t, d.events, 1) {
		assert.Equal(t, EventUpdate, d.events[0].Type)
	}
}

func TestPGListener_RunStopsOnCancel(t *testing.T) {
	l := NewPGListener("host=127.0.0.1 port=1 user=x dbname=x sslmode=disable connect_timeout=1", "row_changes", &recordingDispatcher{})
	l.minBackoff = time.Millisecond
	l.maxBackoff = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("listener did not stop after cancel")
	}
}

func TestNextBackoff(t *testing.T) {
	assert.Equal(t, 2*time.Second, nextBackoff(time.Second, 30*time.Second))
	assert.Equal(t, 30*time.Second, nextBackoff(20*time.Second, 30*time.Second))
}

package realtime

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testEventuallyTimeout = time.Second
	testPollInterval      = 5 * time.Millisecond
)

func patientFilter(id uint) Filter {
	return func(evt ChangeEvent) bool {
		n, ok := UintField(evt.New, "patient_id")
		o, okOld := UintField(evt.Old, "patient_id")
		return (ok && n == id) || (okOld && o == id)
	}
}

func TestSubscriptionManager_FiltersPerListener(t *testing.T) {
	m := NewSubscriptionManager(0)
	defer m.Close()

	var a, b int32
	m.Subscribe("connection_requests", patientFilter(1), func(ChangeEvent) { atomic.AddInt32(&a, 1) })
	m.Subscribe("connection_requests", patientFilter(2), func(ChangeEvent) { atomic.AddInt32(&b, 1) })

	m.Dispatch(ChangeEvent{Table: "connection_requests", Type: EventInsert, New: map[string]any{"patient_id": 1}})
	m.Dispatch(ChangeEvent{Table: "connection_requests", Type: EventDelete, Old: map[string]any{"patient_id": 1}})
	m.Dispatch(ChangeEvent{Table: "consent_records", Type: EventInsert, New: map[string]any{"patient_id": 2}})

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&a) == 2 }, testEventuallyTimeout, testPollInterval)
	assert.Never(t, func() bool { return atomic.LoadInt32(&b) > 0 }, 10*testPollInterval, testPollInterval)
}

func TestSubscriptionManager_SerializesDeliveryPerListener(t *testing.T) {
	m := NewSubscriptionManager(16)
	defer m.Close()

	var inFlight, maxInFlight, total int32
	m.Subscribe("t", nil, func(ChangeEvent) {
		cur := atomic.AddInt32(&inFlight, 1)
		for {
			prev := atomic.LoadInt32(&maxInFlight)
			if cur <= prev || atomic.CompareAndSwapInt32(&maxInFlight, prev, cur) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		atomic.AddInt32(&total, 1)
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Dispatch(ChangeEvent{Table: "t", Type: EventUpdate})
		}()
	}
	wg.Wait()

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&total) == 10 }, testEventuallyTimeout, testPollInterval)
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInFlight))
}

func TestSubscriptionManager_UnsubscribeIsIdempotent(t *testing.T) {
	m := NewSubscriptionManager(0)
	defer m.Close()

	var calls int32
	cancel := m.Subscribe("t", nil, func(ChangeEvent) { atomic.AddInt32(&calls, 1) })
	require.Equal(t, 1, m.Listeners("t"))

	cancel()
	cancel()
	assert.Equal(t, 0, m.Listeners("t"))

	m.Dispatch(ChangeEvent{Table: "t", Type: EventInsert})
	assert.Never(t, func() bool { return atomic.LoadInt32(&calls) > 0 }, 10*testPollInterval, testPollInterval)
}

func TestSubscriptionManager_FullQueueDrops(t *testing.T) {
	m := NewSubscriptionManager(1)
	defer m.Close()

	release := make(chan struct{})
	var calls int32
	m.Subscribe("t", nil, func(ChangeEvent) {
		atomic.AddInt32(&calls, 1)
		<-release
	})

	m.Dispatch(ChangeEvent{Table: "t", Type: EventInsert})
	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 1 }, testEventuallyTimeout, testPollInterval)

	// One slot in the queue, the rest are dropped.
	for i := 0; i < 5; i++ {
		m.Dispatch(ChangeEvent{Table: "t", Type: EventInsert})
	}
	close(release)

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 2 }, testEventuallyTimeout, testPollInterval)
	assert.Never(t, func() bool { return atomic.LoadInt32(&calls) > 2 }, 10*testPollInterval, testPollInterval)
}

func TestSubscriptionManager_HandlerPanicDoesNotKillListener(t *testing.T) {
	m := NewSubscriptionManager(0)
	defer m.Close()

	var calls int32
	m.Subscribe("t", nil, func(ChangeEvent) {
		if atomic.AddInt32(&calls, 1) == 1 {
			panic("boom")
		}
	})

	m.Dispatch(ChangeEvent{Table: "t", Type: EventInsert})
	m.Dispatch(ChangeEvent{Table: "t", Type: EventInsert})
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 2 }, testEventuallyTimeout, testPollInterval)
}

func TestSubscriptionManager_CloseStopsEverything(t *testing.T) {
	m := NewSubscriptionManager(0)
	m.Subscribe("a", nil, func(ChangeEvent) {})
	m.Subscribe("b", nil, func(ChangeEvent) {})

	m.Close()
	m.Close()
	assert.Equal(t, 0, m.Listeners("a"))

	cancel := m.Subscribe("a", nil, func(ChangeEvent) {})
	cancel()
	assert.Equal(t, 0, m.Listeners("a"))
}

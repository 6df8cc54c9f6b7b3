package collab

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestCallbackList(t *testing.T) {
	callbacks := NewCallbackList[func(int)]()
	assert.Equal(t, 0, callbacks.Len())

	received := []int{}
	firstId := callbacks.Add(func(v int) {
		received = append(received, v)
	})
	secondId := callbacks.Add(func(v int) {
		received = append(received, 10*v)
	})
	assert.Equal(t, 2, callbacks.Len())

	for _, callback := range callbacks.Get() {
		callback(1)
	}
	assert.Equal(t, []int{1, 10}, received)

	callbacks.Remove(firstId)
	assert.Equal(t, 1, callbacks.Len())

	received = []int{}
	for _, callback := range callbacks.Get() {
		callback(2)
	}
	assert.Equal(t, []int{20}, received)

	callbacks.Remove(secondId)
	assert.Equal(t, 0, callbacks.Len())

	// removing an unknown id is a no-op
	callbacks.Remove(firstId)
	assert.Equal(t, 0, callbacks.Len())
}

func TestTimerFire(t *testing.T) {
	fired := atomic.Int32{}
	timer := NewTimer(20*time.Millisecond, func() {
		fired.Add(1)
	})
	assert.Equal(t, true, timer.IsPending())

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())
	assert.Equal(t, false, timer.IsPending())
}

func TestTimerCancel(t *testing.T) {
	fired := atomic.Int32{}
	timer := NewTimer(50*time.Millisecond, func() {
		fired.Add(1)
	})
	timer.Cancel()
	assert.Equal(t, false, timer.IsPending())

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())

	// cancel is idempotent
	timer.Cancel()
}

// successive timeouts never decrease until the cap, then stay at the cap
func TestReconnectBackoff(t *testing.T) {
	reconnect := NewReconnect(&ReconnectSettings{
		MinTimeout:     100 * time.Millisecond,
		MaxTimeout:     1 * time.Second,
		JitterFraction: 0,
	})

	previous := time.Duration(0)
	for i := 0; i < 10; i += 1 {
		timeout := reconnect.NextTimeout()
		if timeout < previous {
			t.Fatalf("timeout decreased: %s < %s", timeout, previous)
		}
		if 1*time.Second < timeout {
			t.Fatalf("timeout exceeded cap: %s", timeout)
		}
		previous = timeout
	}
	assert.Equal(t, 1*time.Second, previous)

	reconnect.Reset()
	assert.Equal(t, 100*time.Millisecond, reconnect.NextTimeout())
}

func TestReconnectJitterBounds(t *testing.T) {
	reconnect := NewReconnect(&ReconnectSettings{
		MinTimeout:     100 * time.Millisecond,
		MaxTimeout:     10 * time.Second,
		JitterFraction: 0.25,
	})

	timeout := reconnect.NextTimeout()
	if timeout < 100*time.Millisecond {
		t.Fatalf("timeout below minimum: %s", timeout)
	}
	if 125*time.Millisecond < timeout {
		t.Fatalf("timeout above jitter bound: %s", timeout)
	}
}

package timer_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/devrev/pairdb/cachegrid/internal/timer"
	"github.com/stretchr/testify/assert"
)

func TestService_ScheduleFires(t *testing.T) {
	s := timer.NewService()
	defer s.Stop()

	var fired atomic.Bool
	done := make(chan struct{})
	s.Schedule("k", 10*time.Millisecond, func() {
		fired.Store(true)
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
	assert.True(t, fired.Load())
}

func TestService_RescheduleReplacesEarlierTimer(t *testing.T) {
	s := timer.NewService()
	defer s.Stop()

	var count atomic.Int32
	s.Schedule("k", 10*time.Millisecond, func() { count.Add(1) })
	s.Schedule("k", 50*time.Millisecond, func() { count.Add(1) })

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(0), count.Load())

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(1), count.Load())
}

func TestService_CancelPreventsFire(t *testing.T) {
	s := timer.NewService()
	defer s.Stop()

	var fired atomic.Bool
	s.Schedule("k", 20*time.Millisecond, func() { fired.Store(true) })
	ok := s.Cancel("k")
	assert.True(t, ok)

	time.Sleep(40 * time.Millisecond)
	assert.False(t, fired.Load())
}

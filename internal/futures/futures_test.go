package futures_test

import (
	"testing"
	"time"

	"github.com/devrev/pairdb/cachegrid/internal/futures"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_CompleteDeliversValue(t *testing.T) {
	r := futures.NewRegistry[string]()
	ch := r.Register(1)

	ok := r.Complete(1, "hello")
	require.True(t, ok)

	select {
	case v := <-ch:
		assert.Equal(t, "hello", v)
	case <-time.After(time.Second):
		t.Fatal("did not receive value")
	}
	assert.Equal(t, 0, r.Pending())
}

func TestRegistry_CompleteUnknownIDReturnsFalse(t *testing.T) {
	r := futures.NewRegistry[int]()
	assert.False(t, r.Complete(99, 1))
}

func TestRegistry_CancelClosesChannel(t *testing.T) {
	r := futures.NewRegistry[int]()
	ch := r.Register(5)
	r.Cancel(5)

	v, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, v)
}

func TestRegistry_CompleteAfterCancelIsNoop(t *testing.T) {
	r := futures.NewRegistry[int]()
	r.Register(7)
	r.Cancel(7)
	assert.False(t, r.Complete(7, 1))
}

package messaging

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueueSendsImmediatelyWhenTransportAccepts(t *testing.T) {
	var mu sync.Mutex
	var sent []*Envelope

	q := NewQueue("node-a", func(e *Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		sent = append(sent, e)
		return nil
	})

	q.Enqueue(&Envelope{ID: 1})
	q.Enqueue(&Envelope{ID: 2})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, sent, 2)
	assert.Equal(t, uint32(1), sent[0].ID)
	assert.Equal(t, uint32(2), sent[1].ID)
	assert.Equal(t, 0, q.Depth())
}

func TestEnqueueRetainsMessageOnTryAgain(t *testing.T) {
	attempts := 0
	q := NewQueue("node-a", func(e *Envelope) error {
		attempts++
		return ErrTryAgain
	})

	q.Enqueue(&Envelope{ID: 1})

	assert.Equal(t, 1, q.Depth(), "a transient failure must keep the message queued")
	assert.GreaterOrEqual(t, attempts, 1)
}

func TestQueueEventuallyFlushesAfterTryAgainClears(t *testing.T) {
	var mu sync.Mutex
	fail := true
	delivered := make(chan struct{}, 1)

	q := NewQueue("node-a", func(e *Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return ErrTryAgain
		}
		delivered <- struct{}{}
		return nil
	})

	q.Enqueue(&Envelope{ID: 1})
	assert.Equal(t, 1, q.Depth())

	mu.Lock()
	fail = false
	mu.Unlock()

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("queue never retried the flush after backpressure cleared")
	}
}

func TestNonTryAgainErrorRetainsMessageAndRetries(t *testing.T) {
	var mu sync.Mutex
	attempts := 0

	q := NewQueue("node-a", func(e *Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		return errors.New("connection refused")
	})

	q.mu.Lock()
	q.items = []*Envelope{{ID: 1}, {ID: 2}, {ID: 3}}
	q.mu.Unlock()
	q.flush()

	assert.Equal(t, 3, q.Depth(), "a non-ErrTryAgain send failure must not drop queued messages")

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, attempts, 1)
}

func TestPurgeDiscardsQueuedMessages(t *testing.T) {
	q := NewQueue("node-a", func(e *Envelope) error { return ErrTryAgain })

	q.Enqueue(&Envelope{ID: 1})
	q.Enqueue(&Envelope{ID: 2})
	require.Equal(t, 2, q.Depth())

	q.Purge()
	assert.Equal(t, 0, q.Depth())
}

func TestBackoffForScalesWithDepthAndCaps(t *testing.T) {
	assert.Equal(t, 10*time.Millisecond, backoffFor(1))
	assert.Equal(t, 50*time.Millisecond, backoffFor(5))
	assert.Equal(t, maxFlushDelay, backoffFor(1000))
	assert.Equal(t, 10*time.Millisecond, backoffFor(0))
}

func TestDepthReflectsQueueLength(t *testing.T) {
	q := NewQueue("node-a", func(e *Envelope) error { return ErrTryAgain })
	assert.Equal(t, 0, q.Depth())
	q.Enqueue(&Envelope{ID: 1})
	assert.Equal(t, 1, q.Depth())
}

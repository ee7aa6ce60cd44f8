package messaging

import (
	"errors"
	"sync"
	"time"

	"github.com/cuemby/warren/pkg/log"
	"github.com/cuemby/warren/pkg/metrics"
	"github.com/rs/zerolog"
)

// ErrTryAgain is returned by a SendFunc when the underlying transport is
// momentarily unable to accept a message (the bus is full, a connection is
// reconnecting). The queue treats it as retryable, not a drop condition.
var ErrTryAgain = errors.New("messaging: try again")

const (
	maxFlushDelay  = time.Second
	warnQueueDepth = 200
	errQueueDepth  = 1000
)

// SendFunc delivers one already-encoded envelope. It returns ErrTryAgain
// for transient backpressure, any other error for a permanent failure.
type SendFunc func(*Envelope) error

// Queue is the outbound message queue for one peer. Messages are flushed
// opportunistically; on ErrTryAgain the flush is re-armed on a timer whose
// delay scales with queue depth, capped at maxFlushDelay. Messages are
// never dropped — callers that need bounded memory must stop enqueueing.
type Queue struct {
	mu     sync.Mutex
	peer   string
	items  []*Envelope
	send   SendFunc
	timer  *time.Timer
	logger zerolog.Logger
}

// NewQueue creates an outbound queue for the named peer.
func NewQueue(peer string, send SendFunc) *Queue {
	return &Queue{
		peer:   peer,
		send:   send,
		logger: log.WithPeer(peer),
	}
}

// Enqueue appends a message and attempts an immediate flush.
func (q *Queue) Enqueue(e *Envelope) {
	q.mu.Lock()
	q.items = append(q.items, e)
	depth := len(q.items)
	q.mu.Unlock()

	q.reportDepth(depth)
	q.flush()
}

func (q *Queue) reportDepth(depth int) {
	metrics.MessagingQueueDepth.WithLabelValues(q.peer).Set(float64(depth))
	if depth > errQueueDepth {
		q.logger.Error().Int("depth", depth).Msg("outbound queue depth exceeds 1000")
	} else if depth > warnQueueDepth {
		q.logger.Warn().Int("depth", depth).Msg("outbound queue depth exceeds 200")
	}
}

// flush drains as much of the queue as the transport will currently
// accept. On ErrTryAgain it stops and re-arms itself on a depth-scaled
// timer instead of busy-looping.
func (q *Queue) flush() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}

	for len(q.items) > 0 {
		err := q.send(q.items[0])
		if err == nil {
			q.items = q.items[1:]
			continue
		}
		// Any send error — ErrTryAgain or otherwise (a dial failure, a
		// write on a severed connection) — backs off and retries rather
		// than dropping the head: the peer may just be mid-reconnect.
		// Messages are only ever discarded by an explicit Purge, called
		// once the peer cache actually reaps the peer for good.
		if !errors.Is(err, ErrTryAgain) {
			q.logger.Warn().Err(err).Msg("outbound message send failed, will retry")
		}
		delay := backoffFor(len(q.items))
		q.timer = time.AfterFunc(delay, q.flush)
		return
	}

	metrics.MessagingQueueDepth.WithLabelValues(q.peer).Set(0)
}

// Purge discards every queued message and cancels any pending retry
// timer. Callers must only do this in response to an explicit
// peer-removal event (the peer cache reaping a peer that left the
// group for good) — never merely on a send failure.
func (q *Queue) Purge() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.items = nil
	metrics.MessagingQueueDepth.WithLabelValues(q.peer).Set(0)
}

// backoffFor scales the retry delay with queue depth, capped at
// maxFlushDelay, so a persistently busy transport doesn't retry at the
// same tight interval regardless of how much backlog has built up.
func backoffFor(depth int) time.Duration {
	delay := time.Duration(depth) * 10 * time.Millisecond
	if delay > maxFlushDelay {
		delay = maxFlushDelay
	}
	if delay <= 0 {
		delay = 10 * time.Millisecond
	}
	return delay
}

// Depth returns the current queue length, for tests and diagnostics.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

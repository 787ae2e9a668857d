package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrQueueClosed is returned by a MemoryQueue after Close.
	ErrQueueClosed = errors.New("reconcile: queue closed")
	// ErrQueueFull is returned when the MemoryQueue holds its capacity of undeleted messages.
	ErrQueueFull = errors.New("reconcile: queue full")

	errWaitElapsed = errors.New("reconcile: receive wait elapsed")
)

const defaultVisibilityTimeout = 30 * time.Second

type inflight struct {
	msg   Message
	until time.Time
}

// MemoryQueue is an in-process Queue with SQS-style acknowledgement: a
// received message stays invisible until it is deleted or its visibility
// timeout passes, after which it is delivered again.
type MemoryQueue struct {
	mu         sync.Mutex
	ready      []Message
	inflight   map[string]inflight
	capacity   int
	visibility time.Duration
	closed     bool
	wake       chan struct{}
	done       chan struct{}
	now        func() time.Time
}

// NewMemoryQueue creates a MemoryQueue holding at most capacity undeleted messages.
func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 256
	}
	return &MemoryQueue{
		inflight:   make(map[string]inflight),
		capacity:   capacity,
		visibility: defaultVisibilityTimeout,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		now:        time.Now,
	}
}

// WithVisibilityTimeout sets how long a received message stays hidden.
func (q *MemoryQueue) WithVisibilityTimeout(d time.Duration) *MemoryQueue {
	if d > 0 {
		q.mu.Lock()
		q.visibility = d
		q.mu.Unlock()
	}
	return q
}

func (q *MemoryQueue) Send(_ context.Context, body string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if len(q.ready)+len(q.inflight) >= q.capacity {
		return ErrQueueFull
	}
	q.ready = append(q.ready, Message{ID: uuid.NewString(), Body: body})
	q.signal()
	return nil
}

// Receive returns up to maxMessages visible messages, waiting at most
// waitSeconds (forever when zero) for one to become available.
func (q *MemoryQueue) Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]Message, error) {
	if maxMessages <= 0 {
		maxMessages = 1
	}
	var deadline <-chan time.Time
	if waitSeconds > 0 {
		timer := time.NewTimer(time.Duration(waitSeconds) * time.Second)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		msgs, nextExpiry, err := q.take(maxMessages)
		if err != nil || len(msgs) > 0 {
			return msgs, err
		}

		if err := q.wait(ctx, deadline, nextExpiry); err != nil {
			if errors.Is(err, errWaitElapsed) {
				return nil, nil
			}
			return nil, err
		}
	}
}

// wait blocks until something may have changed or the receive should end.
func (q *MemoryQueue) wait(ctx context.Context, deadline <-chan time.Time, nextExpiry time.Time) error {
	var expiry <-chan time.Time
	if !nextExpiry.IsZero() {
		timer := time.NewTimer(nextExpiry.Sub(q.now()))
		defer timer.Stop()
		expiry = timer.C
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-deadline:
		return errWaitElapsed
	case <-q.done:
		return ErrQueueClosed
	case <-q.wake:
	case <-expiry:
	}
	return nil
}

// take moves expired in-flight messages back to ready and hands out up to
// limit of them. With nothing ready it reports the earliest in-flight expiry.
func (q *MemoryQueue) take(limit int) ([]Message, time.Time, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, time.Time{}, ErrQueueClosed
	}

	now := q.now()
	var next time.Time
	for handle, f := range q.inflight {
		if !now.Before(f.until) {
			delete(q.inflight, handle)
			q.ready = append(q.ready, f.msg)
			continue
		}
		if next.IsZero() || f.until.Before(next) {
			next = f.until
		}
	}
	if len(q.ready) == 0 {
		return nil, next, nil
	}

	n := min(limit, len(q.ready))
	out := make([]Message, 0, n)
	for _, msg := range q.ready[:n] {
		msg.ReceiptHandle = uuid.NewString()
		q.inflight[msg.ReceiptHandle] = inflight{msg: msg, until: now.Add(q.visibility)}
		out = append(out, msg)
	}
	q.ready = append(q.ready[:0], q.ready[n:]...)
	if len(q.ready) > 0 {
		q.signal()
	}
	return out, time.Time{}, nil
}

// Delete acknowledges a received message. A handle that expired and was
// redelivered is no longer valid.
func (q *MemoryQueue) Delete(_ context.Context, receiptHandle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inflight[receiptHandle]; !ok {
		return fmt.Errorf("reconcile: unknown receipt handle %q", receiptHandle)
	}
	delete(q.inflight, receiptHandle)
	return nil
}

// Close stops the queue. Blocked receivers return ErrQueueClosed and the
// number of undeleted messages is returned; their events stay in the log
// for the sweep.
func (q *MemoryQueue) Close() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
	return len(q.ready) + len(q.inflight)
}

// Len reports undeleted messages, visible or in flight.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready) + len(q.inflight)
}

func (q *MemoryQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

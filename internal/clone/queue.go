package clone

import (
	"context"
	"errors"
	"time"

	"github.com/jfoltran/pgcopystream/internal/signals"
)

// MessageKind enumerates the queue message types shared by all pools.
type MessageKind int

const (
	KindStop MessageKind = iota
	KindTableOID
	KindIndexOID
	KindLargeObjectOID
)

// String returns a human-readable name for a MessageKind.
func (k MessageKind) String() string {
	switch k {
	case KindStop:
		return "STOP"
	case KindTableOID:
		return "TABLE_OID"
	case KindIndexOID:
		return "INDEX_OID"
	case KindLargeObjectOID:
		return "LO_OID"
	default:
		return "UNKNOWN"
	}
}

// Message is one unit of work (or a termination sentinel).
type Message struct {
	Kind MessageKind
	OID  uint32
	Part int
}

// ErrQueueStopped reports that a send or receive gave up because a stop
// signal was raised.
var ErrQueueStopped = errors.New("queue: stop requested")

// Queue is a bounded work queue for one worker pool. The producer sends
// exactly one STOP per worker, so each blocking receive returns exactly
// once.
type Queue struct {
	name  string
	ch    chan Message
	flags *signals.Flags
}

// NewQueue builds a queue with the given capacity.
func NewQueue(name string, capacity int, flags *signals.Flags) *Queue {
	return &Queue{name: name, ch: make(chan Message, capacity), flags: flags}
}

const queueRetryInterval = 10 * time.Millisecond

// Send enqueues msg, retrying while the queue is full and honoring stop
// signals between attempts.
func (q *Queue) Send(ctx context.Context, msg Message) error {
	for {
		select {
		case q.ch <- msg:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(queueRetryInterval):
			if q.flags != nil && q.flags.Asked() {
				return ErrQueueStopped
			}
		}
	}
}

// Receive blocks for the next message, waking on cancellation.
func (q *Queue) Receive(ctx context.Context) (Message, error) {
	select {
	case msg := <-q.ch:
		return msg, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// SendStops delivers one STOP per worker.
func (q *Queue) SendStops(ctx context.Context, workers int) error {
	for i := 0; i < workers; i++ {
		if err := q.Send(ctx, Message{Kind: KindStop}); err != nil {
			return err
		}
	}
	return nil
}

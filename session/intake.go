package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// DefaultQueueSize is the default capacity of the intake queue.
const DefaultQueueSize = 64

// IntakeOption configures an Intake during construction
type IntakeOption func(*Intake) error

// Intake decouples the bursty producer of droplet-candidate strings (frame
// capture and visual decoding) from droplet ingestion with a bounded queue.
// Offer never blocks the producer: when the queue is full, one candidate is
// dropped instead, which fountain-coded delivery tolerates by design. A
// single consumer goroutine feeds the session, serializing decoder access.
type Intake struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	sess       *Session
	queue      chan string
	dropNewest bool
	dropped    atomic.Uint64
}

func NewIntake(sess *Session, opts ...IntakeOption) (*Intake, error) {
	ctx, cancel := context.WithCancel(context.Background())

	in := &Intake{
		ctx:    ctx,
		cancel: cancel,
		sess:   sess,
	}
	for _, opt := range opts {
		if err := opt(in); err != nil {
			cancel()
			return nil, err
		}
	}
	if in.queue == nil {
		in.queue = make(chan string, DefaultQueueSize)
	}

	in.wg.Add(1)
	go in.consume()

	return in, nil
}

// WithQueueSize sets the capacity of the arrival queue.
func WithQueueSize(n int) IntakeOption {
	return func(in *Intake) error {
		if n < 1 {
			return fmt.Errorf("queue size must be positive, got %d", n)
		}
		in.queue = make(chan string, n)
		return nil
	}
}

// WithDropNewest drops the arriving candidate when the queue is full instead
// of evicting the oldest queued one.
func WithDropNewest() IntakeOption {
	return func(in *Intake) error {
		in.dropNewest = true
		return nil
	}
}

// Offer enqueues one droplet-candidate string without ever blocking. It
// reports whether the candidate itself was accepted.
func (in *Intake) Offer(candidate string) bool {
	select {
	case in.queue <- candidate:
		return true
	default:
	}

	in.dropped.Add(1)
	if in.dropNewest {
		return false
	}

	// Evict the oldest candidate to make room. The consumer may have raced
	// us for it, so the retry still has to be non-blocking.
	select {
	case <-in.queue:
	default:
	}
	select {
	case in.queue <- candidate:
		return true
	default:
		return false
	}
}

// Dropped returns how many candidates have been dropped so far.
func (in *Intake) Dropped() uint64 {
	return in.dropped.Load()
}

func (in *Intake) consume() {
	defer in.wg.Done()

	for {
		select {
		case candidate := <-in.queue:
			// Parse failures and decoder rejections are already counted
			// and logged by the session.
			_ = in.sess.IngestString(candidate)

		case <-in.ctx.Done():
			return
		}
	}
}

// Close stops the consumer. Queued candidates may be discarded.
func (in *Intake) Close() error {
	in.cancel()
	in.wg.Wait()
	return nil
}

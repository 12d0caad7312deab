package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// DefaultCapacity is the per-subscriber buffer used when none is configured
const DefaultCapacity = 2

var (
	// ErrClosed is returned by Publish after Close, and by receivers once
	// the bus is closed and their buffer is drained.
	ErrClosed = errors.New("channel bus closed")

	// ErrEmpty is returned by TryRecv when nothing is buffered
	ErrEmpty = errors.New("no message available")
)

// LaggedError reports that a receiver fell behind and Missed messages were
// dropped from its buffer. Receiving continues normally afterwards.
type LaggedError struct {
	Missed uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("receiver lagged: %d messages missed", e.Missed)
}

// Bus is a non-blocking broadcast bus. All methods are safe for concurrent use.
type Bus struct {
	// mu serializes publishes so every receiver sees one producer's
	// messages in publish order
	mu sync.Mutex

	subs     map[*Receiver]struct{}
	capacity int
	closed   bool
	logger   *slog.Logger
}

// NewBus creates a bus whose subscribers each buffer up to capacity messages
func NewBus(capacity int, logger *slog.Logger) *Bus {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:     make(map[*Receiver]struct{}),
		capacity: capacity,
		logger:   logger.With("component", "channel_bus"),
	}
}

// Subscribe registers a new receiver. It observes only messages published
// after this call returns. Subscribing to a closed bus yields a receiver
// that reports ErrClosed immediately.
func (b *Bus) Subscribe() *Receiver {
	r := &Receiver{
		bus:   b,
		buf:   make([]Message, b.capacity),
		ready: make(chan struct{}, 1),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		r.closed = true
		return r
	}
	b.subs[r] = struct{}{}
	return r
}

// Publish delivers msg to every current subscriber and returns how many
// received it. It never waits on a subscriber.
func (b *Bus) Publish(msg Message) (int, error) {
	if msg == nil {
		return 0, errors.New("nil message")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, ErrClosed
	}

	for r := range b.subs {
		if dropped := r.push(msg); dropped {
			b.logger.Debug("subscriber buffer full, oldest message dropped",
				"kind", msg.Kind().String(),
			)
		}
	}

	return len(b.subs), nil
}

// Subscribers returns the number of live receivers
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close stops the bus. Further publishes fail with ErrClosed and every
// receiver reports ErrClosed after draining its buffer. Close is idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for r := range b.subs {
		r.markClosed()
	}
	b.subs = make(map[*Receiver]struct{})
}

func (b *Bus) unsubscribe(r *Receiver) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, r)
}

// Receiver is one subscription. It is meant for a single consuming
// goroutine; concurrent receivers should each Subscribe.
type Receiver struct {
	bus *Bus

	mu     sync.Mutex
	buf    []Message // ring buffer
	head   int
	size   int
	missed uint64
	closed bool

	// ready holds at most one wake-up token
	ready chan struct{}
}

// push appends msg, evicting the oldest entry when full. Reports whether
// an entry was evicted.
func (r *Receiver) push(msg Message) bool {
	r.mu.Lock()
	dropped := false
	if r.size == len(r.buf) {
		r.buf[r.head] = nil
		r.head = (r.head + 1) % len(r.buf)
		r.size--
		r.missed++
		dropped = true
	}
	r.buf[(r.head+r.size)%len(r.buf)] = msg
	r.size++
	r.mu.Unlock()

	r.wake()
	return dropped
}

func (r *Receiver) wake() {
	select {
	case r.ready <- struct{}{}:
	default:
	}
}

func (r *Receiver) markClosed() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.wake()
}

// TryRecv returns the next message without waiting. Order of results:
// a pending *LaggedError, then buffered messages, then ErrClosed if the
// bus is closed, otherwise ErrEmpty.
func (r *Receiver) TryRecv() (Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.missed > 0 {
		missed := r.missed
		r.missed = 0
		return nil, &LaggedError{Missed: missed}
	}

	if r.size > 0 {
		msg := r.buf[r.head]
		r.buf[r.head] = nil
		r.head = (r.head + 1) % len(r.buf)
		r.size--
		return msg, nil
	}

	if r.closed {
		return nil, ErrClosed
	}
	return nil, ErrEmpty
}

// Recv waits for the next message, a lag report, bus closure or ctx end
func (r *Receiver) Recv(ctx context.Context) (Message, error) {
	for {
		msg, err := r.TryRecv()
		if !errors.Is(err, ErrEmpty) {
			return msg, err
		}

		select {
		case <-r.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Ready returns a channel that receives a token whenever new data (or
// closure) may be available. Pair it with TryRecv in select loops.
func (r *Receiver) Ready() <-chan struct{} {
	return r.ready
}

// Len returns the number of buffered messages
func (r *Receiver) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Resubscribe returns a new receiver on the same bus, positioned at the
// current tail. This receiver is unaffected.
func (r *Receiver) Resubscribe() *Receiver {
	return r.bus.Subscribe()
}

// Close unsubscribes the receiver. Buffered messages remain readable.
func (r *Receiver) Close() {
	r.bus.unsubscribe(r)
	r.markClosed()
}

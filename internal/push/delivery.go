package push

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultRetryInterval is the pause between redelivery attempts for an
	// unacknowledged message.
	DefaultRetryInterval = 5 * time.Second

	// DefaultMaxAttempts bounds the total sends (first send included) for
	// one message before it is dropped.
	DefaultMaxAttempts = 3
)

// SendFunc writes one message to the underlying connection. Implementations
// must be safe for use from a single goroutine; the deliverer never calls it
// concurrently with itself.
type SendFunc func(Message) error

type pendingMessage struct {
	message     Message
	attempts    int
	nextRetryAt time.Time
}

// Deliverer owns the pending-acknowledgment table for exactly one connection.
//
// All sends for the connection, first attempts and retries alike, go through
// the deliverer's single worker goroutine, which preserves publish order and
// keeps slow peers from blocking publishers. The deliverer is destroyed
// wholesale on disconnect; no state survives a reconnect.
type Deliverer struct {
	send          SendFunc
	retryInterval time.Duration
	maxAttempts   int
	clock         func() time.Time

	mu      sync.Mutex
	pending map[string]*pendingMessage
	order   []string
	closed  bool

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// DelivererOptions tunes retry behavior; zero values use defaults.
type DelivererOptions struct {
	RetryInterval time.Duration
	MaxAttempts   int
	Clock         func() time.Time
}

// NewDeliverer starts the delivery worker for one connection.
func NewDeliverer(send SendFunc, options DelivererOptions) *Deliverer {
	if options.RetryInterval <= 0 {
		options.RetryInterval = DefaultRetryInterval
	}
	if options.MaxAttempts <= 0 {
		options.MaxAttempts = DefaultMaxAttempts
	}
	if options.Clock == nil {
		options.Clock = time.Now
	}

	d := &Deliverer{
		send:          send,
		retryInterval: options.RetryInterval,
		maxAttempts:   options.MaxAttempts,
		clock:         options.Clock,
		pending:       make(map[string]*pendingMessage),
		wake:          make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

// Enqueue registers a new reliable message and returns its id. The first
// send happens asynchronously on the worker goroutine; Enqueue never blocks
// on the peer.
func (d *Deliverer) Enqueue(topic, event string, data json.RawMessage) string {
	messageID := uuid.NewString()

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return messageID
	}
	d.pending[messageID] = &pendingMessage{
		message: Message{
			MessageID: messageID,
			Topic:     topic,
			Event:     event,
			Data:      data,
		},
	}
	d.order = append(d.order, messageID)
	d.mu.Unlock()

	d.signal()
	return messageID
}

// Ack resolves a pending message. Unknown or already-resolved ids are
// ignored so duplicate acknowledgments are harmless.
func (d *Deliverer) Ack(messageID string) {
	d.mu.Lock()
	delete(d.pending, messageID)
	d.mu.Unlock()
}

// PendingCount reports how many messages still await acknowledgment.
func (d *Deliverer) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Close stops the worker and purges all pending state. Safe to call more
// than once.
func (d *Deliverer) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.pending = make(map[string]*pendingMessage)
	d.order = nil
	d.mu.Unlock()

	close(d.done)
	d.wg.Wait()
}

func (d *Deliverer) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Deliverer) run() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.done:
			return
		case <-d.wake:
		case <-ticker.C:
		}
		if !d.flush() {
			return
		}
	}
}

// flush sends every message that is due: fresh enqueues immediately, and
// unacknowledged entries whose retry deadline has passed. Entries that have
// used their full attempt budget are dropped without error. Returns false
// when the connection is gone and the worker should stop.
func (d *Deliverer) flush() bool {
	now := d.clock()

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}

	var due []Message
	kept := d.order[:0]
	for _, messageID := range d.order {
		entry, ok := d.pending[messageID]
		if !ok {
			// Acknowledged since the last pass.
			continue
		}
		if entry.attempts > 0 && now.Before(entry.nextRetryAt) {
			kept = append(kept, messageID)
			continue
		}
		if entry.attempts >= d.maxAttempts {
			// Retry budget exhausted; best-effort delivery gives up.
			delete(d.pending, messageID)
			continue
		}
		entry.attempts++
		entry.nextRetryAt = now.Add(d.retryInterval)
		due = append(due, entry.message)
		kept = append(kept, messageID)
	}
	d.order = kept
	d.mu.Unlock()

	for _, message := range due {
		if err := d.send(message); err != nil {
			// The connection is unusable; remaining state is purged by
			// Close from the transport's disconnect path.
			log.Printf("push: send message %s failed: %v", message.MessageID, err)
			return true
		}
	}
	return true
}

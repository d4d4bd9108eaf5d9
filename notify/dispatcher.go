/*
Package notify fans domain events out to notification channels.

PURPOSE:
  The Dispatcher receives events from the report state machine and
  delivers them to every configured channel (in-app, email, push)
  without blocking the caller on delivery success.

DESIGN:
  - Dispatch resolves recipients, de-duplicates them, and enqueues one
    delivery per recipient per channel, then returns immediately.
  - Each channel owns a bounded queue and a pool of delivery workers.
  - Each delivery is retried with bounded exponential backoff.
  - Exhausted retries are recorded in a failure log and never surfaced
    to the request that triggered the event.

RECIPIENT POLICY:
  creator         always, unless the report is anonymous
  assignee        assignment, update, status change and closure events
  administrators  creation and closure events

AT-LEAST-ONCE:
  A delivery may be retried after a partial failure, so consumers must
  be idempotent by event id. The in-app channel deduplicates on
  (event id, recipient); see channels.go.

SEE ALSO:
  - channels.go: Channel implementations
  - engine/machine.go: The event producer
*/
package notify

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/civiclens/report-engine/engine"
)

// =============================================================================
// CHANNEL CONTRACT
// =============================================================================

// Channel delivers an event to one recipient over one medium.
// Implementations must be safe for concurrent use.
type Channel interface {
	Name() string
	Send(ctx context.Context, recipient engine.UserID, ev engine.Event) error
}

// =============================================================================
// DISPATCHER
// =============================================================================

// Config tunes the dispatcher. Zero values pick the defaults.
type Config struct {
	QueueSize   int           // per-channel queue capacity (default 256)
	Workers     int           // delivery workers per channel (default 2)
	MaxAttempts int           // delivery attempts per item (default 3)
	BaseBackoff time.Duration // first retry delay, doubled per attempt (default 100ms)
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 100 * time.Millisecond
	}
	return c
}

// DispatchResult summarizes what Dispatch enqueued. Delivery itself is
// asynchronous; the result says nothing about delivery success.
type DispatchResult struct {
	EventID    string
	Recipients int
	Enqueued   int
	Dropped    int // queue-full drops, also recorded in the failure log
}

// FailedDelivery records a delivery whose retry budget ran out.
type FailedDelivery struct {
	EventID   string
	Channel   string
	Recipient engine.UserID
	Attempts  int
	LastError string
	At        time.Time
}

type delivery struct {
	recipient engine.UserID
	ev        engine.Event
}

// Dispatcher fans events out across channels. Create with New, start
// workers with Start, drain with Stop.
type Dispatcher struct {
	directory engine.Directory
	channels  []Channel
	cfg       Config

	queues map[string]chan delivery
	wg     sync.WaitGroup

	mu       sync.Mutex
	failures []FailedDelivery
	started  bool
	stopped  bool
}

func New(dir engine.Directory, cfg Config, channels ...Channel) *Dispatcher {
	cfg = cfg.withDefaults()
	d := &Dispatcher{
		directory: dir,
		channels:  channels,
		cfg:       cfg,
		queues:    make(map[string]chan delivery, len(channels)),
	}
	for _, ch := range channels {
		d.queues[ch.Name()] = make(chan delivery, cfg.QueueSize)
	}
	return d
}

// Start launches the per-channel worker pools.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true

	for _, ch := range d.channels {
		queue := d.queues[ch.Name()]
		for i := 0; i < d.cfg.Workers; i++ {
			d.wg.Add(1)
			go d.worker(ch, queue)
		}
	}
	log.Printf("[Dispatcher] Started: %d channels, %d workers each", len(d.channels), d.cfg.Workers)
}

// Stop closes the queues and waits for in-flight deliveries to finish.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return
	}
	d.started = false
	d.stopped = true
	d.mu.Unlock()

	for _, q := range d.queues {
		close(q)
	}
	d.wg.Wait()
	log.Println("[Dispatcher] Stopped")
}

// Publish implements engine.EventSink.
func (d *Dispatcher) Publish(ev engine.Event) {
	d.Dispatch(ev)
}

// Dispatch enqueues the event for delivery on every channel and returns
// immediately. Never blocks: if a channel queue is full the delivery is
// dropped and recorded as failed. After Stop every delivery is dropped;
// the lock is held across the enqueue so a queue can never close mid-send.
func (d *Dispatcher) Dispatch(ev engine.Event) DispatchResult {
	recipients := d.resolveRecipients(ev)
	result := DispatchResult{EventID: ev.ID, Recipients: len(recipients)}

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, ch := range d.channels {
		queue := d.queues[ch.Name()]
		for _, rcpt := range recipients {
			if d.stopped {
				result.Dropped++
				d.failures = append(d.failures, FailedDelivery{
					EventID:   ev.ID,
					Channel:   ch.Name(),
					Recipient: rcpt,
					LastError: "dispatcher stopped",
					At:        time.Now(),
				})
				continue
			}
			select {
			case queue <- delivery{recipient: rcpt, ev: ev}:
				result.Enqueued++
			default:
				result.Dropped++
				d.failures = append(d.failures, FailedDelivery{
					EventID:   ev.ID,
					Channel:   ch.Name(),
					Recipient: rcpt,
					LastError: "queue full",
					At:        time.Now(),
				})
			}
		}
	}
	return result
}

// resolveRecipients applies the recipient policy and de-duplicates.
func (d *Dispatcher) resolveRecipients(ev engine.Event) []engine.UserID {
	seen := make(map[engine.UserID]bool)
	var recipients []engine.UserID
	add := func(id engine.UserID) {
		if id != "" && !seen[id] {
			seen[id] = true
			recipients = append(recipients, id)
		}
	}

	if !ev.Anonymous {
		add(ev.Reporter)
	}

	switch ev.Kind {
	case engine.EventReportAssigned, engine.EventCaseUpdated,
		engine.EventStatusChanged, engine.EventCaseClosed:
		add(ev.Assignee)
	}

	switch ev.Kind {
	case engine.EventReportCreated, engine.EventCaseClosed:
		for _, admin := range d.directory.Administrators(context.Background()) {
			add(admin)
		}
	}
	return recipients
}

// =============================================================================
// DELIVERY WORKERS
// =============================================================================

func (d *Dispatcher) worker(ch Channel, queue <-chan delivery) {
	defer d.wg.Done()

	for item := range queue {
		d.deliver(ch, item)
	}
}

// deliver attempts one delivery with exponential backoff. The retry
// budget is bounded, so a worker never blocks indefinitely on one item.
func (d *Dispatcher) deliver(ch Channel, item delivery) {
	var lastErr error
	backoff := d.cfg.BaseBackoff

	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		err := ch.Send(context.Background(), item.recipient, item.ev)
		if err == nil {
			return
		}
		lastErr = err
		if attempt < d.cfg.MaxAttempts {
			time.Sleep(backoff)
			backoff *= 2
		}
	}

	log.Printf("[Dispatcher] %s delivery failed for event %s to %s after %d attempts: %v",
		ch.Name(), item.ev.ID, item.recipient, d.cfg.MaxAttempts, lastErr)
	d.recordFailure(FailedDelivery{
		EventID:   item.ev.ID,
		Channel:   ch.Name(),
		Recipient: item.recipient,
		Attempts:  d.cfg.MaxAttempts,
		LastError: lastErr.Error(),
		At:        time.Now(),
	})
}

func (d *Dispatcher) recordFailure(f FailedDelivery) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = append(d.failures, f)
}

// Failures returns a copy of the failure log, oldest first.
func (d *Dispatcher) Failures() []FailedDelivery {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]FailedDelivery, len(d.failures))
	copy(out, d.failures)
	return out
}

// Package bus implements the typed priority event bus (C2): per-topic FIFO
// delivery to bounded per-subscriber queues, weighted round-robin draining
// across four priority bands, overflow policy, retry-with-backoff, and a
// dead-letter topic for handlers that keep failing.
//
// Grounded on the teacher's system/core.Bus (PublishEvent fan-out with
// per-engine timeout and errors.Join) for the fan-out shape, and
// system/events.Dispatcher (bounded eventQueue, worker pool, dropped/failed
// counters) for the bounded-channel-plus-worker-pool shape neither of which
// alone matches §4.2's four-priority-band weighted drain — that part is new.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hearth-os/hearth/pkg/logger"
	"github.com/hearth-os/hearth/pkg/metrics"
	"github.com/hearth-os/hearth/system/store"
)

// Priority is one of the four bus priority bands (§4.2).
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// priorityBands lists every band in fixed, stable iteration order.
var priorityBands = [...]Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}

// DefaultWeights is the default weighted round-robin ratio 8:4:2:1.
func DefaultWeights() map[Priority]int {
	return map[Priority]int{
		PriorityCritical: 8,
		PriorityHigh:     4,
		PriorityNormal:   2,
		PriorityLow:      1,
	}
}

// Event is one message published on the bus.
type Event struct {
	ID            string
	Topic         string
	Priority      Priority
	Source        string
	Payload       any
	CorrelationID string
	Deadline      time.Time // zero means no deadline
	Timestamp     time.Time
}

// Handler processes one Event. Handlers must be idempotent on Event.ID
// (at-least-once delivery, §4.2).
type Handler func(ctx context.Context, ev Event) error

// DeadLetterTopic is where events land after exhausting retries.
const DeadLetterTopic = "bus.dead_letter"

const defaultQueueSize = 1024
const maxRetries = 3

// subscription is one (topic, subscriber-name) pair, routing into the
// subscriber's shared inbox for delivery.
type subscription struct {
	name     string
	topic    string
	priority Priority
	handler  Handler
	inbox    *inbox
}

// queueItem is one event queued for delivery, carrying the handler it was
// subscribed with so a single inbox can serve several topics for the same
// subscriber name.
type queueItem struct {
	ev      Event
	topic   string
	handler Handler
}

// inbox is the one shared, multi-band queue per subscriber name. Every
// topic that name subscribes to funnels its events here, so the weighted
// round-robin drain honors priority across that subscriber's entire
// workload rather than per topic (§4.2 "higher priority drains first but
// never starves lower levels").
type inbox struct {
	name   string
	queues map[Priority]chan queueItem
	wrr    *wrrSchedule
	closed chan struct{} // closed by Unsubscribe to stop this inbox's drain
}

// wrrSchedule implements smooth weighted round-robin selection among the
// priority bands that currently have a ready item, the same algorithm
// classic load balancers use: each pick adds a band's weight to its running
// current value, picks the largest, then subtracts the total weight from
// the winner. This keeps throughput proportional to the configured ratio
// without clustering a high-weight band's picks into bursts.
type wrrSchedule struct {
	mu      sync.Mutex
	weights map[Priority]int
	current map[Priority]int
}

func newWRRSchedule(weights map[Priority]int) *wrrSchedule {
	w := &wrrSchedule{weights: make(map[Priority]int, len(weights)), current: make(map[Priority]int, len(weights))}
	for p, n := range weights {
		if n <= 0 {
			n = 1
		}
		w.weights[p] = n
	}
	return w
}

// pick returns the priority band to drain next among those in ready, or ""
// if ready is empty.
func (w *wrrSchedule) pick(ready map[Priority]bool) Priority {
	w.mu.Lock()
	defer w.mu.Unlock()

	var total int
	var best Priority
	bestCurrent := -1 << 62
	for _, p := range priorityBands {
		if !ready[p] {
			continue
		}
		weight := w.weights[p]
		if weight <= 0 {
			weight = 1
		}
		w.current[p] += weight
		total += weight
		if w.current[p] > bestCurrent {
			bestCurrent = w.current[p]
			best = p
		}
	}
	if total == 0 {
		return ""
	}
	w.current[best] -= total
	return best
}

// Bus is the priority event bus. One Bus instance is shared by every agent
// runtime and the Supervisor.
type Bus struct {
	mu        sync.RWMutex
	subs      map[string][]*subscription // topic -> subscribers
	inboxes   map[string]*inbox          // subscriber name -> shared inbox
	queueSize int
	weights   map[Priority]int
	store     store.Store // optional: used to audit drops/dead-letters
	log       *logger.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup

	statsMu sync.Mutex
	stats   BusStats
}

// BusStats is a point-in-time snapshot of bus activity, surfaced by the
// Supervisor's /live endpoint.
type BusStats struct {
	Published    int64
	Delivered    int64
	Dropped      int64
	DeadLettered int64
	Blocked      int64
}

// Option configures a Bus at construction time.
type Option func(*Bus)

// WithQueueSize overrides the default per-priority-band queue size (1024).
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// WithStore attaches a Store used to audit drop-oldest and dead-letter events.
func WithStore(s store.Store) Option {
	return func(b *Bus) { b.store = s }
}

// WithWeights overrides the default 8:4:2:1 weighted round-robin ratio
// applied when draining each subscriber's inbox.
func WithWeights(w map[Priority]int) Option {
	return func(b *Bus) {
		if len(w) > 0 {
			b.weights = w
		}
	}
}

// New creates a Bus ready to accept subscriptions.
func New(log *logger.Logger, opts ...Option) *Bus {
	b := &Bus{
		subs:      make(map[string][]*subscription),
		inboxes:   make(map[string]*inbox),
		queueSize: defaultQueueSize,
		weights:   DefaultWeights(),
		log:       log,
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers handler for topic under subscriber name. Every topic a
// given name subscribes to shares that name's one inbox and one drain
// goroutine, so the weighted round-robin ratio governs how that subscriber's
// combined workload is drained, not just one topic's.
func (b *Bus) Subscribe(name, topic string, priority Priority, handler Handler) {
	if priority == "" {
		priority = PriorityNormal
	}

	b.mu.Lock()
	ib, ok := b.inboxes[name]
	if !ok {
		ib = b.newInbox(name)
		b.inboxes[name] = ib
		b.wg.Add(1)
		go b.drain(ib)
	}
	sub := &subscription{name: name, topic: topic, priority: priority, handler: handler, inbox: ib}
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()
}

func (b *Bus) newInbox(name string) *inbox {
	queues := make(map[Priority]chan queueItem, len(priorityBands))
	for _, p := range priorityBands {
		queues[p] = make(chan queueItem, b.queueSize)
	}
	return &inbox{name: name, queues: queues, wrr: newWRRSchedule(b.weights), closed: make(chan struct{})}
}

// Unsubscribe removes every subscription registered under name and stops its
// drain goroutine. Queued, undelivered events for that name are discarded.
// Used by short-lived subscribers (WebSocket streams) so each connection's
// inbox does not outlive it.
func (b *Bus) Unsubscribe(name string) {
	b.mu.Lock()
	ib, ok := b.inboxes[name]
	if ok {
		delete(b.inboxes, name)
		for topic, subs := range b.subs {
			kept := subs[:0]
			for _, sub := range subs {
				if sub.name != name {
					kept = append(kept, sub)
				}
			}
			if len(kept) == 0 {
				delete(b.subs, topic)
			} else {
				b.subs[topic] = kept
			}
		}
	}
	b.mu.Unlock()
	if ok {
		close(ib.closed)
	}
}

// drain is the one goroutine per subscriber name that weighted-round-robins
// across that subscriber's four priority queues, retrying failed handlers
// with backoff before dead-lettering.
func (b *Bus) drain(ib *inbox) {
	defer b.wg.Done()
	for {
		item, ok := b.next(ib)
		if !ok {
			return
		}
		b.deliver(ib, item)
	}
}

// next selects the next queueItem to process via weighted round-robin among
// bands with a ready item; if every band is empty it blocks until one
// arrives or the bus is shutting down.
func (b *Bus) next(ib *inbox) (queueItem, bool) {
	ready := make(map[Priority]bool, len(priorityBands))
	for _, p := range priorityBands {
		if len(ib.queues[p]) > 0 {
			ready[p] = true
		}
	}
	if len(ready) > 0 {
		p := ib.wrr.pick(ready)
		return <-ib.queues[p], true
	}

	select {
	case <-b.stopCh:
		return queueItem{}, false
	case <-ib.closed:
		return queueItem{}, false
	case item := <-ib.queues[PriorityCritical]:
		return item, true
	case item := <-ib.queues[PriorityHigh]:
		return item, true
	case item := <-ib.queues[PriorityNormal]:
		return item, true
	case item := <-ib.queues[PriorityLow]:
		return item, true
	}
}

func (b *Bus) deliver(ib *inbox, item queueItem) {
	ev := item.ev
	if !ev.Deadline.IsZero() && time.Now().After(ev.Deadline) {
		b.audit("event.expired", ev, ib.name)
		return
	}
	ctx := context.Background()
	if !ev.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, ev.Deadline)
		defer cancel()
	}

	var err error
	backoff := 100 * time.Millisecond
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = item.handler(ctx, ev)
		if err == nil {
			b.incr(func(s *BusStats) { s.Delivered++ })
			return
		}
		if attempt < maxRetries {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	if b.log != nil {
		b.log.Component("bus").WithField("subscriber", ib.name).WithField("topic", item.topic).
			WithField("error", err).Warn("handler failed after retries, dead-lettering")
	}
	b.incr(func(s *BusStats) { s.DeadLettered++ })
	b.audit("event.dead_lettered", ev, ib.name)
	if item.topic != DeadLetterTopic {
		_ = b.Publish(context.Background(), Event{
			Topic:         DeadLetterTopic,
			Priority:      PriorityLow,
			Source:        "bus",
			CorrelationID: ev.CorrelationID,
			Payload: map[string]any{
				"original_topic": item.topic,
				"original_event": ev.ID,
				"subscriber":     ib.name,
				"error":          err.Error(),
			},
		})
	}
}

// incidentTopic is the topic the Supervisor watches to freeze auto-approval
// (§4.8). It is also the recursion stop: an incident.opened event is itself
// critical priority but must not re-escalate into another incident.
const incidentTopic = "incident.opened"

// Publish fans out an event to every subscriber of ev.Topic, applying
// overflow policy per priority band: low/normal drop-oldest with audit,
// high/critical block the publisher up to timeout then surface an incident.
// Any critical-priority event — a security breach, a runaway-cost warning,
// a stuck job, a blocked-queue overflow, or anything else a caller marks
// critical — is persisted and escalated into an incident.opened publish per
// §4.8, rather than requiring each caller to raise its own incident.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	b.mu.RLock()
	subs := append([]*subscription{}, b.subs[ev.Topic]...)
	b.mu.RUnlock()

	b.incr(func(s *BusStats) { s.Published++ })
	metrics.RecordBusFanout(string(ev.Priority), nil)

	if ev.Priority == PriorityCritical {
		b.persistCritical(ctx, ev)
		if ev.Topic != incidentTopic {
			b.raiseIncident(ctx, ev)
		}
	}

	var errs []error
	for _, sub := range subs {
		if err := b.enqueue(ctx, sub, ev); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sub.name, err))
		}
	}
	return errors.Join(errs...)
}

// persistCritical appends every critical-priority event to the Store so the
// full incident trail survives a restart and safeedit's retention exception
// can find it later by correlation ID.
func (b *Bus) persistCritical(ctx context.Context, ev Event) {
	if b.store == nil {
		return
	}
	payload, _ := ev.Payload.(map[string]any)
	_, _ = b.store.AppendEvent(ctx, &store.Event{
		Type:          ev.Topic,
		Severity:      store.SeverityCritical,
		Source:        ev.Source,
		CorrelationID: ev.CorrelationID,
		Payload:       payload,
	})
}

// raiseIncident escalates cause, a critical-priority event already
// published on its own topic, into an incident.opened publish — the general
// "any critical-priority event opens an incident" detector §4.8 requires,
// rather than relying on each producer (security, finance, the scheduler)
// to publish incident.opened itself.
func (b *Bus) raiseIncident(ctx context.Context, cause Event) {
	summary := fmt.Sprintf("critical event on topic %q from %s", cause.Topic, cause.Source)
	incident := Event{
		Topic:         incidentTopic,
		Priority:      PriorityCritical,
		Source:        "bus",
		CorrelationID: cause.CorrelationID,
		Payload: map[string]any{
			"summary":      summary,
			"cause_topic":  cause.Topic,
			"cause_source": cause.Source,
			"cause_event":  cause.ID,
		},
	}
	if err := b.Publish(ctx, incident); err != nil && b.log != nil {
		b.log.Component("bus").WithField("error", err).Warn("failed to publish incident.opened")
	}
}

func (b *Bus) enqueue(ctx context.Context, sub *subscription, ev Event) error {
	priority := ev.Priority
	if priority == "" {
		priority = PriorityNormal
	}
	ch := sub.inbox.queues[priority]
	item := queueItem{ev: ev, topic: sub.topic, handler: sub.handler}

	select {
	case ch <- item:
		return nil
	default:
	}

	switch priority {
	case PriorityHigh, PriorityCritical:
		timeout := 5 * time.Second
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case ch <- item:
			return nil
		case <-timer.C:
			b.incr(func(s *BusStats) { s.Blocked++ })
			b.raiseOverflowIncident(sub, ev)
			return ErrOverflow
		case <-ctx.Done():
			return ctx.Err()
		}
	default:
		// drop-oldest
		select {
		case old := <-ch:
			b.audit("event.dropped", old.ev, sub.name)
			b.incr(func(s *BusStats) { s.Dropped++ })
		default:
		}
		select {
		case ch <- item:
			return nil
		default:
			b.incr(func(s *BusStats) { s.Dropped++ })
			return ErrOverflow
		}
	}
}

// ErrOverflow is returned when a bounded subscriber queue could not accept
// an event even after the priority band's overflow policy ran.
var ErrOverflow = errors.New("bus: subscriber queue overflow")

// raiseOverflowIncident surfaces a blocked high/critical publish as a
// bus_overflow incident (§4.2). Published from a fresh goroutine: the caller
// is still inside enqueue and the incident fan-out must not contend with the
// very queue that just overflowed.
func (b *Bus) raiseOverflowIncident(sub *subscription, ev Event) {
	if b.log != nil {
		b.log.Component("bus").WithField("subscriber", sub.name).WithField("topic", sub.topic).
			Warn("publisher blocked past timeout, raising bus_overflow incident")
	}
	overflow := Event{
		Topic:         "bus.overflow",
		Priority:      PriorityCritical,
		Source:        "bus",
		CorrelationID: ev.CorrelationID,
		Payload: map[string]any{
			"subscriber":     sub.name,
			"original_topic": sub.topic,
			"original_event": ev.ID,
		},
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = b.Publish(ctx, overflow)
	}()
}

func (b *Bus) audit(eventType string, ev Event, subscriber string) {
	if b.store == nil {
		return
	}
	_, _ = b.store.AppendEvent(context.Background(), &store.Event{
		Type:          eventType,
		Severity:      store.SeverityLow,
		Source:        "bus",
		CorrelationID: ev.CorrelationID,
		Payload: map[string]any{
			"original_topic": ev.Topic,
			"subscriber":     subscriber,
			"original_event": ev.ID,
		},
	})
}

func (b *Bus) incr(fn func(*BusStats)) {
	b.statsMu.Lock()
	fn(&b.stats)
	b.statsMu.Unlock()
}

// Stats returns a snapshot of bus activity counters.
func (b *Bus) Stats() BusStats {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	return b.stats
}

// QueueDepth reports the current backlog across all priority bands for a
// subscriber, used by health reporting to detect a struggling agent before
// its heartbeat lapses. topic is accepted for API stability but every topic
// sharing name drains through the same inbox, so depth is reported per
// subscriber name, not per topic.
func (b *Bus) QueueDepth(name, topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	subs := b.subs[topic]
	found := false
	for _, sub := range subs {
		if sub.name == name {
			found = true
			break
		}
	}
	if !found {
		return -1
	}
	ib := b.inboxes[name]
	if ib == nil {
		return -1
	}
	depth := 0
	for _, p := range priorityBands {
		depth += len(ib.queues[p])
	}
	return depth
}

// Shutdown stops all drain goroutines, waiting up to deadline for in-flight
// handlers to finish.
func (b *Bus) Shutdown(ctx context.Context) error {
	close(b.stopCh)
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

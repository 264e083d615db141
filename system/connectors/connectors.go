// Package connectors implements the household OS's boundary to the outside
// world (C3): mail, price, chat, and calendar adapters behind a small
// capability-interface set, each rate limited independently so one noisy
// adapter cannot starve another's quota. Health transitions are published
// on the bus as connector.health events, which the Maintenance agent
// subscribes to.
package connectors

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hearth-os/hearth/pkg/logger"
	"github.com/hearth-os/hearth/pkg/metrics"
	"github.com/hearth-os/hearth/system/bus"
)

// Health is a connector's current reachability state.
type Health string

const (
	HealthUnknown   Health = "unknown"
	HealthHealthy   Health = "healthy"
	HealthDegraded  Health = "degraded"
	HealthUnhealthy Health = "unhealthy"
)

// Connector is the base lifecycle every adapter implements.
type Connector interface {
	Name() string
	Health() Health
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Message is one inbound mail item.
type Message struct {
	ID        string
	From      string
	Subject   string
	Body      string
	Received  time.Time
}

// Draft is an outbound message to send.
type Draft struct {
	To      string
	Subject string
	Body    string
}

// Ack confirms a send.
type Ack struct {
	MessageID string
	SentAt    time.Time
}

// MailConnector fetches and sends mail on the household's behalf.
type MailConnector interface {
	Connector
	Fetch(ctx context.Context, since time.Time) ([]Message, error)
	Send(ctx context.Context, draft Draft) (Ack, error)
}

// Price is a point-in-time quote for a ticker or SKU.
type Price struct {
	Symbol    string
	Amount    float64
	Currency  string
	AsOf      time.Time
}

// PriceConnector resolves quotes for finance-agent cost tracking.
type PriceConnector interface {
	Connector
	Quote(ctx context.Context, symbol string) (Price, error)
}

// ChatConnector posts operator-facing notifications to an external channel
// (e.g. a household chat webhook).
type ChatConnector interface {
	Connector
	Post(ctx context.Context, channel, message string) error
}

// CalendarEvent is one entry on the shared household calendar.
type CalendarEvent struct {
	ID    string
	Title string
	Start time.Time
	End   time.Time
}

// CalendarConnector reads and writes shared calendar entries.
type CalendarConnector interface {
	Connector
	Upcoming(ctx context.Context, within time.Duration) ([]CalendarEvent, error)
	Create(ctx context.Context, ev CalendarEvent) (CalendarEvent, error)
}

// limited wraps a Connector with an independent token bucket so calls into
// it never exhaust another connector's quota, grounded on
// infrastructure/ratelimit.RateLimiter's per-client token bucket pattern.
type limited struct {
	Connector
	limiter *rate.Limiter
}

func (l *limited) wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

// Registry tracks every registered connector, mirrors health transitions
// onto the bus, and throttles calls through per-connector rate limiters.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*limited
	bus   *bus.Bus
	log   *logger.Logger
}

// NewRegistry creates an empty connector registry.
func NewRegistry(b *bus.Bus, log *logger.Logger) *Registry {
	return &Registry{
		conns: make(map[string]*limited),
		bus:   b,
		log:   log,
	}
}

// Register adds a connector with the given steady-state rate and burst.
// ratePerSecond <= 0 defaults to 5 req/s, burst <= 0 defaults to 10.
func (r *Registry) Register(c Connector, ratePerSecond float64, burst int) {
	if ratePerSecond <= 0 {
		ratePerSecond = 5
	}
	if burst <= 0 {
		burst = 10
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.Name()] = &limited{Connector: c, limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst)}
}

// Get returns the named connector, or false if it isn't registered.
func (r *Registry) Get(name string) (Connector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.conns[name]
	if !ok {
		return nil, false
	}
	return l.Connector, true
}

// Wait blocks until the named connector's rate limiter admits one call.
// Callers invoke this immediately before every outbound call through a
// connector obtained via Get.
func (r *Registry) Wait(ctx context.Context, name string) error {
	r.mu.RLock()
	l, ok := r.conns[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("connectors: unknown connector %q", name)
	}
	return l.wait(ctx)
}

// StartAll starts every registered connector and publishes its resulting
// health onto the bus.
func (r *Registry) StartAll(ctx context.Context) error {
	r.mu.RLock()
	conns := make([]*limited, 0, len(r.conns))
	for _, l := range r.conns {
		conns = append(conns, l)
	}
	r.mu.RUnlock()

	for _, l := range conns {
		err := l.Start(ctx)
		r.publishHealth(ctx, l.Name(), l.Health())
		if err != nil {
			if r.log != nil {
				r.log.Component("connectors").WithField("connector", l.Name()).WithField("error", err).Warn("connector failed to start")
			}
		}
	}
	return nil
}

// StopAll stops every registered connector, best-effort.
func (r *Registry) StopAll(ctx context.Context) {
	r.mu.RLock()
	conns := make([]*limited, 0, len(r.conns))
	for _, l := range r.conns {
		conns = append(conns, l)
	}
	r.mu.RUnlock()

	for _, l := range conns {
		_ = l.Stop(ctx)
	}
}

// Snapshot returns the current health of every registered connector, used
// by the control plane's GET /live.
func (r *Registry) Snapshot() map[string]Health {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Health, len(r.conns))
	for name, l := range r.conns {
		out[name] = l.Health()
	}
	return out
}

func (r *Registry) publishHealth(ctx context.Context, name string, h Health) {
	metrics.SetConnectorHealth(name, h == HealthHealthy)
	if r.bus == nil {
		return
	}
	sev := bus.PriorityNormal
	if h == HealthUnhealthy {
		sev = bus.PriorityHigh
	}
	_ = r.bus.Publish(ctx, bus.Event{
		Topic:    "connector.health",
		Priority: sev,
		Source:   "connectors",
		Payload: map[string]any{
			"connector": name,
			"health":    string(h),
		},
	})
}

package connectors

import (
	"context"
	"time"
)

// stub is a connector that satisfies its capability interface without
// reaching any external system, grounded on the teacher's
// applications/system.NoopService pattern for optional lifecycle hooks.
// hearthd registers one per capability at startup; operators wire a real
// adapter in by registering a replacement under the same name before
// StartAll runs.
type stub struct {
	name   string
	health Health
}

func (s *stub) Name() string { return s.name }
func (s *stub) Health() Health {
	if s.health == "" {
		return HealthUnknown
	}
	return s.health
}
func (s *stub) Start(context.Context) error { s.health = HealthDegraded; return nil }
func (s *stub) Stop(context.Context) error  { s.health = HealthUnknown; return nil }

// NewStubMail returns a MailConnector that reports no mail and refuses to
// send, so an un-configured household still boots with the mail-skill
// agent's subscriptions wired up.
func NewStubMail(name string) MailConnector { return &stubMail{stub: stub{name: name}} }

type stubMail struct{ stub }

func (s *stubMail) Fetch(ctx context.Context, since time.Time) ([]Message, error) {
	return nil, nil
}

func (s *stubMail) Send(ctx context.Context, draft Draft) (Ack, error) {
	return Ack{}, errUnconfigured(s.name)
}

// NewStubPrice returns a PriceConnector with no live feed.
func NewStubPrice(name string) PriceConnector { return &stubPrice{stub: stub{name: name}} }

type stubPrice struct{ stub }

func (s *stubPrice) Quote(ctx context.Context, symbol string) (Price, error) {
	return Price{}, errUnconfigured(s.name)
}

// NewStubChat returns a ChatConnector whose every post fails with an
// unconfigured error.
func NewStubChat(name string) ChatConnector { return &stubChat{stub: stub{name: name}} }

type stubChat struct{ stub }

func (s *stubChat) Post(ctx context.Context, channel, message string) error {
	return errUnconfigured(s.name)
}

// NewStubCalendar returns a CalendarConnector with an always-empty calendar.
func NewStubCalendar(name string) CalendarConnector { return &stubCalendar{stub: stub{name: name}} }

type stubCalendar struct{ stub }

func (s *stubCalendar) Upcoming(ctx context.Context, within time.Duration) ([]CalendarEvent, error) {
	return nil, nil
}

func (s *stubCalendar) Create(ctx context.Context, ev CalendarEvent) (CalendarEvent, error) {
	return CalendarEvent{}, errUnconfigured(s.name)
}

func errUnconfigured(name string) error {
	return &unconfiguredError{name: name}
}

type unconfiguredError struct{ name string }

func (e *unconfiguredError) Error() string {
	return "connectors: " + e.name + " has no configured backend"
}

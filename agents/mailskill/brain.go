// Package mailskill implements the Mail-Skill agent's Brain: the household's
// mail connector consumer. Inbox notifications are resolved to full
// messages through the MailConnector capability, and any reply it drafts
// must still clear the Policy Gate before the connector is allowed to send.
package mailskill

import (
	"context"
	"fmt"
	"time"

	"github.com/hearth-os/hearth/system/agentrt"
	"github.com/hearth-os/hearth/system/bus"
	"github.com/hearth-os/hearth/system/connectors"
	"github.com/hearth-os/hearth/system/store"
)

// mailConnectorName is the registry name the household's mail adapter is
// registered under (hearthd registers a stub here until one is configured).
const mailConnectorName = "mail"

// fetchWindow bounds how far back an inbox.message notification triggers a
// fetch for the full message bodies.
const fetchWindow = 24 * time.Hour

// Brain reacts to inbox.message notifications surfaced by the mail connector.
type Brain struct {
	// Connectors resolves the MailConnector capability. Nil leaves the agent
	// in notification-only mode (triage tasks are still opened).
	Connectors *connectors.Registry
}

// New returns the Mail-Skill agent's default rule-based Brain.
func New(reg *connectors.Registry) *Brain { return &Brain{Connectors: reg} }

func (b *Brain) Handle(ctx context.Context, rt *agentrt.Runtime, ev bus.Event) error {
	if ev.Topic != "inbox.message" {
		return nil
	}
	from := agentrt.PayloadString(ev, "from")
	subject := agentrt.PayloadString(ev, "subject")

	body, fetchErr := b.fetchBody(ctx, agentrt.PayloadString(ev, "message_id"))

	title := fmt.Sprintf("triage mail from %s: %s", from, subject)
	if fetchErr != nil {
		title = fmt.Sprintf("triage mail from %s: %s (body unavailable: %v)", from, subject, fetchErr)
	} else if body != "" {
		title = fmt.Sprintf("triage mail from %s: %s — %s", from, subject, excerpt(body))
	}
	_, err := rt.CreateTask(ctx, title, store.PriorityMedium, "mail", false, ev.CorrelationID)
	return err
}

// fetchBody resolves the notification to the full message through the mail
// connector, honoring its rate limiter. A missing connector or message is
// not an error; the triage task simply carries less context.
func (b *Brain) fetchBody(ctx context.Context, messageID string) (string, error) {
	if b.Connectors == nil || messageID == "" {
		return "", nil
	}
	conn, ok := b.Connectors.Get(mailConnectorName)
	if !ok {
		return "", nil
	}
	mail, ok := conn.(connectors.MailConnector)
	if !ok {
		return "", fmt.Errorf("connector %q does not provide the mail capability", mailConnectorName)
	}
	if err := b.Connectors.Wait(ctx, mailConnectorName); err != nil {
		return "", err
	}
	messages, err := mail.Fetch(ctx, time.Now().Add(-fetchWindow))
	if err != nil {
		return "", err
	}
	for _, m := range messages {
		if m.ID == messageID {
			return m.Body, nil
		}
	}
	return "", nil
}

func excerpt(body string) string {
	const max = 80
	if len(body) > max {
		return body[:max] + "…"
	}
	return body
}

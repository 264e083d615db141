package mailskill

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearth-os/hearth/pkg/logger"
	"github.com/hearth-os/hearth/system/agentrt"
	"github.com/hearth-os/hearth/system/bus"
	"github.com/hearth-os/hearth/system/connectors"
	"github.com/hearth-os/hearth/system/store"
	"github.com/hearth-os/hearth/system/store/memstore"
)

type fakeMail struct {
	messages []connectors.Message
}

func (f *fakeMail) Name() string                        { return "mail" }
func (f *fakeMail) Health() connectors.Health           { return connectors.HealthHealthy }
func (f *fakeMail) Start(ctx context.Context) error     { return nil }
func (f *fakeMail) Stop(ctx context.Context) error      { return nil }
func (f *fakeMail) Send(ctx context.Context, d connectors.Draft) (connectors.Ack, error) {
	return connectors.Ack{}, nil
}
func (f *fakeMail) Fetch(ctx context.Context, since time.Time) ([]connectors.Message, error) {
	return f.messages, nil
}

func TestHandle_InboxMessageFetchesBodyThroughConnector(t *testing.T) {
	st := memstore.New()
	b := bus.New(logger.NewDefault("test"))
	reg := connectors.NewRegistry(b, logger.NewDefault("test"))
	reg.Register(&fakeMail{messages: []connectors.Message{
		{ID: "m1", From: "plumber@example.com", Subject: "quote", Body: "The repair will run about $240 including parts."},
	}}, 5, 10)

	rt := agentrt.New(store.AgentKindMailSkill, st, b, logger.NewDefault("test"), New(reg))

	err := New(reg).Handle(context.Background(), rt, bus.Event{
		Topic:         "inbox.message",
		CorrelationID: "corr-mail",
		Payload: map[string]any{
			"message_id": "m1",
			"from":       "plumber@example.com",
			"subject":    "quote",
		},
	})
	require.NoError(t, err)

	tasks, err := st.ListTasks(context.Background(), store.ListFilter{Agent: store.AgentKindMailSkill})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Contains(t, tasks[0].Title, "plumber@example.com")
	assert.Contains(t, tasks[0].Title, "$240", "task should carry the fetched body excerpt")
}

func TestHandle_InboxMessageWithoutConnectorStillOpensTask(t *testing.T) {
	st := memstore.New()
	b := bus.New(logger.NewDefault("test"))
	rt := agentrt.New(store.AgentKindMailSkill, st, b, logger.NewDefault("test"), New(nil))

	err := New(nil).Handle(context.Background(), rt, bus.Event{
		Topic:   "inbox.message",
		Payload: map[string]any{"from": "a@b.c", "subject": "hi"},
	})
	require.NoError(t, err)

	tasks, err := st.ListTasks(context.Background(), store.ListFilter{Agent: store.AgentKindMailSkill})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
}

package queue_test

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/happymeter/internal/domain"
	"github.com/victornm/happymeter/internal/event"
	"github.com/victornm/happymeter/internal/queue"
)

func TestPublisher_VoteSubmitted(t *testing.T) {
	eb := event.NewBus()
	ch := &fakeChannel{}
	queue.NewPublisher(queue.Config{EventBus: eb, Channel: ch})

	comment := "rapide"
	v := domain.Vote{
		ID:        "0190b1d2-0000-7000-8000-000000000001",
		Username:  "op1",
		Kiosk:     "gare",
		Timestamp: time.Date(2024, 5, 17, 9, 30, 0, 0, time.UTC),
		Comment:   &comment,
		Ratings: map[string]domain.Rating{
			"accueil":  {Note: domain.NoteOf(5)},
			"horaires": {},
		},
	}
	eb.Publish(context.Background(), domain.EventVoteSubmitted{Vote: v})
	eb.Stop()

	require.Len(t, ch.published, 1)
	got := ch.published[0]
	assert.Equal(t, queue.DefaultQueue, got.key)
	assert.Equal(t, "", got.exchange)
	assert.Equal(t, amqp.Persistent, got.msg.DeliveryMode)
	assert.Equal(t, v.ID, got.msg.MessageId)
	assert.Equal(t, domain.EventNameVoteSubmitted, got.msg.Type)

	assert.JSONEq(t, `{
		"id": "0190b1d2-0000-7000-8000-000000000001",
		"kiosk": "gare",
		"username": "op1",
		"date": "2024-05-17T09:30:00Z",
		"comment": "rapide",
		"notes": {"accueil": 5, "horaires": null}
	}`, string(got.msg.Body))
}

func TestPublisher_Error(t *testing.T) {
	boom := stderrors.New("channel closed")
	p := queue.NewPublisher(queue.Config{EventBus: event.NewBus(), Channel: &fakeChannel{err: boom}, Queue: "votes"})

	err := p.PublishVoteSubmitted(context.Background(), domain.EventVoteSubmitted{})
	assert.ErrorIs(t, err, boom)
}

type publishing struct {
	exchange, key string
	msg           amqp.Publishing
}

type fakeChannel struct {
	mu        sync.Mutex
	published []publishing
	err       error
}

func (c *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if c.err != nil {
		return c.err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var probe map[string]any
	if err := json.Unmarshal(msg.Body, &probe); err != nil {
		return err
	}

	c.published = append(c.published, publishing{exchange: exchange, key: key, msg: msg})
	return nil
}

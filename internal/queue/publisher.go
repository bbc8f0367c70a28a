// Package queue forwards accepted votes to a RabbitMQ queue for downstream consumers.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/victornm/happymeter/internal/domain"
	"github.com/victornm/happymeter/internal/event"
)

const DefaultQueue = "vote.submitted"

// Channel is the part of *amqp.Channel the publisher needs.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// VoteSubmitted is the message body published for every accepted vote.
type VoteSubmitted struct {
	ID       string          `json:"id"`
	Kiosk    string          `json:"kiosk"`
	Username string          `json:"username"`
	Date     string          `json:"date"`
	Comment  *string         `json:"comment"`
	Notes    map[string]*int `json:"notes"`
}

type Config struct {
	EventBus *event.Bus
	Channel  Channel
	Queue    string
}

type Publisher struct {
	ch    Channel
	queue string
}

func NewPublisher(c Config) *Publisher {
	p := &Publisher{
		ch:    c.Channel,
		queue: c.Queue,
	}
	if p.queue == "" {
		p.queue = DefaultQueue
	}

	c.EventBus.Subscribe(domain.EventNameVoteSubmitted, func(ctx context.Context, e event.Event) error {
		return p.PublishVoteSubmitted(ctx, e.(domain.EventVoteSubmitted))
	})

	return p
}

func (p *Publisher) PublishVoteSubmitted(ctx context.Context, e domain.EventVoteSubmitted) error {
	v := e.Vote

	msg := VoteSubmitted{
		ID:       v.ID,
		Kiosk:    v.Kiosk,
		Username: v.Username,
		Date:     v.Timestamp.Format(time.RFC3339Nano),
		Comment:  v.Comment,
		Notes:    make(map[string]*int, len(v.Ratings)),
	}
	for q, r := range v.Ratings {
		if r.Note.Valid {
			n := r.Note.Value
			msg.Notes[q] = &n
			continue
		}
		msg.Notes[q] = nil
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue: marshal %s: %w", e.Name(), err)
	}

	err = p.ch.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    v.ID,
		Timestamp:    v.Timestamp,
		Type:         e.Name(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("queue: publish %s: %w", e.Name(), err)
	}

	return nil
}

// Dial connects to the broker and declares the durable queue.
// The caller closes the returned connection.
func Dial(url, queue string) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}

	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}

	return conn, ch, nil
}

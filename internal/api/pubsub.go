package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/victornm/happymeter/internal/domain"
)

type (
	Notification struct {
		Event string `json:"event"`
		Data  any    `json:"data"`
	}

	VoteNotification struct {
		ID    string    `json:"id"`
		Kiosk string    `json:"kiosk"`
		Date  time.Time `json:"date"`
	}

	StatsNotification struct {
		Kiosk string            `json:"kiosk"`
		Stats domain.KioskStats `json:"stats"`
	}

	ConflictNotification struct {
		Kiosk     string `json:"kiosk"`
		Holder    string `json:"holder"`
		Requester string `json:"requester"`
	}
)

// PublishVoteSubmitted notifies the kiosk channel that a vote was accepted.
// The ratings stay out of the notification.
func (a *API) PublishVoteSubmitted(ctx context.Context, e domain.EventVoteSubmitted) error {
	v := e.Vote

	return a.publishNotification(ctx, v.Kiosk, e.Name(), VoteNotification{
		ID:    v.ID,
		Kiosk: v.Kiosk,
		Date:  v.Timestamp,
	})
}

func (a *API) PublishStatsUpdated(ctx context.Context, e domain.EventStatsUpdated) error {
	return a.publishNotification(ctx, e.Kiosk, e.Name(), StatsNotification{
		Kiosk: e.Kiosk,
		Stats: e.Stats,
	})
}

// PublishKioskConflict tells whoever watches the kiosk that a login could not claim it.
func (a *API) PublishKioskConflict(ctx context.Context, e domain.EventKioskConflict) error {
	return a.publishNotification(ctx, e.Kiosk, e.Name(), ConflictNotification{
		Kiosk:     e.Kiosk,
		Holder:    e.Holder,
		Requester: e.Requester,
	})
}

func (a *API) publishNotification(ctx context.Context, kiosk, event string, data any) error {
	n := Notification{
		Event: event,
		Data:  data,
	}

	b, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("pubsub: marshal %s: %v", event, err)
	}

	return a.redis.Publish(ctx, KioskChannel(a.prefix, kiosk), b).Err()
}

// KioskChannel is the redis channel carrying the notifications of a kiosk.
func KioskChannel(prefix, kiosk string) string {
	return fmt.Sprintf("%s:kiosk:%s", prefix, kiosk)
}

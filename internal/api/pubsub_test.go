package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/happymeter/internal/api"
	"github.com/victornm/happymeter/internal/domain"
)

func TestPubsub_KioskNotifications(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub := rc.Subscribe(ctx, api.KioskChannel("test", "gare"))
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	h := makeHarness(t, func(c *api.Config) {
		c.Redis = rc
		c.PubsubPrefix = "test"
	})

	first := h.login(t, "op1", "pass")
	h.login(t, "op2", "pass")

	rec := h.do(t, http.MethodPost, "/vote", first.Token, `{"ratings":{"accueil":{"note":5}}}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	got := make(map[string]string)
	ch := sub.Channel()
	for len(got) < 2 {
		select {
		case msg := <-ch:
			var n struct {
				Event string `json:"event"`
			}
			require.NoError(t, json.Unmarshal([]byte(msg.Payload), &n))
			got[n.Event] = msg.Payload
		case <-ctx.Done():
			t.Fatalf("notifications not received, got %v", got)
		}
	}

	assert.JSONEq(t, `{"event":"kiosk.conflict","data":{"kiosk":"gare","holder":"op1","requester":"op2"}}`, got[domain.EventNameKioskConflict])
	assert.Contains(t, got[domain.EventNameVoteSubmitted], `"kiosk":"gare"`)
	assert.NotContains(t, got[domain.EventNameVoteSubmitted], "accueil", "ratings stay out of notifications")
}

func TestPubsub_StatsUpdated(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })

	ctx := context.Background()
	sub := rc.Subscribe(ctx, api.KioskChannel("hm", "nord"))
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	a := api.New(api.Config{Redis: rc, PubsubPrefix: "hm"})
	require.NoError(t, a.PublishStatsUpdated(ctx, domain.EventStatsUpdated{
		Kiosk: "nord",
		Stats: domain.KioskStats{"accueil": {Total: 2, Average: 2.5}},
	}))

	select {
	case msg := <-sub.Channel():
		assert.JSONEq(t, `{"event":"stats.updated","data":{"kiosk":"nord","stats":{"accueil":{"total":2,"average":2.5}}}}`, msg.Payload)
	case <-time.After(5 * time.Second):
		t.Fatal("stats notification not received")
	}
}

func TestKioskChannel(t *testing.T) {
	assert.Equal(t, "happymeter:kiosk:gare", api.KioskChannel("happymeter", "gare"))
}

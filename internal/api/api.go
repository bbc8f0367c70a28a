package api

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"

	"github.com/victornm/happymeter/internal/domain"
	"github.com/victornm/happymeter/internal/event"
	"github.com/victornm/happymeter/internal/kiosklock"
	"github.com/victornm/happymeter/internal/session"
	"github.com/victornm/happymeter/internal/stats"
	"github.com/victornm/happymeter/internal/telemetry"
	"github.com/victornm/happymeter/internal/vote"
)

const defaultCookieName = "happymeter_session"

type Config struct {
	HTTP     gin.IRouter
	GRPC     *grpc.Server
	EventBus *event.Bus

	Session *session.Service
	Votes   *vote.Service
	Stats   *stats.Service
	Locks   *kiosklock.Registry
	Metrics *telemetry.Metrics

	// Redis receives kiosk notifications. Notifications are off when nil.
	Redis        Redis
	PubsubPrefix string

	Cookie CookieConfig
}

type CookieConfig struct {
	Name   string
	Secure bool
	MaxAge time.Duration
}

type Redis interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

type API struct {
	ss    *session.Service
	vs    *vote.Service
	sts   *stats.Service
	locks *kiosklock.Registry
	m     *telemetry.Metrics

	redis  Redis
	prefix string
	cookie CookieConfig
}

func New(c Config) *API {
	a := &API{
		ss:     c.Session,
		vs:     c.Votes,
		sts:    c.Stats,
		locks:  c.Locks,
		m:      c.Metrics,
		redis:  c.Redis,
		prefix: c.PubsubPrefix,
		cookie: c.Cookie,
	}
	if a.cookie.Name == "" {
		a.cookie.Name = defaultCookieName
	}

	// HTTP APIs
	if c.HTTP != nil {
		a.registerHTTP(c.HTTP)
	}

	// gRPC APIs
	if c.GRPC != nil {
		RegisterKioskServiceServer(c.GRPC, a)
	}

	// Register event handlers
	if c.Redis != nil && c.EventBus != nil {
		c.EventBus.Subscribe(domain.EventNameVoteSubmitted, func(ctx context.Context, e event.Event) error {
			return a.PublishVoteSubmitted(ctx, e.(domain.EventVoteSubmitted))
		})

		c.EventBus.Subscribe(domain.EventNameStatsUpdated, func(ctx context.Context, e event.Event) error {
			return a.PublishStatsUpdated(ctx, e.(domain.EventStatsUpdated))
		})

		c.EventBus.Subscribe(domain.EventNameKioskConflict, func(ctx context.Context, e event.Event) error {
			return a.PublishKioskConflict(ctx, e.(domain.EventKioskConflict))
		})
	}

	return a
}

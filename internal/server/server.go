package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/victornm/happymeter/internal/account"
	"github.com/victornm/happymeter/internal/api"
	"github.com/victornm/happymeter/internal/database"
	"github.com/victornm/happymeter/internal/event"
	"github.com/victornm/happymeter/internal/kiosklock"
	"github.com/victornm/happymeter/internal/queue"
	"github.com/victornm/happymeter/internal/session"
	"github.com/victornm/happymeter/internal/stats"
	"github.com/victornm/happymeter/internal/storage"
	"github.com/victornm/happymeter/internal/telemetry"
	"github.com/victornm/happymeter/internal/vote"
)

const (
	BackendFile     = "file"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

type Config struct {
	HTTP struct {
		Port int32
	}

	GRPC struct {
		Port int32
	}

	Storage struct {
		// Backend of accounts and votes: file or postgres.
		Backend string
		Dir     string
	}

	Locks struct {
		// Backend of the kiosk lock table: file or redis.
		Backend string
	}

	Redis struct {
		Locks struct {
			Addrs  []string
			Pass   string
			Prefix string
		}

		Pubsub struct {
			Addrs  []string
			Pass   string
			Prefix string
		}
	}

	Postgres struct {
		Addr string
		User string
		Pass string
		Name string
	}

	Session struct {
		Secret string
		TTL    time.Duration
		// SweepInterval is how often expired sessions release their kiosks.
		SweepInterval time.Duration

		Cookie struct {
			Name   string
			Secure bool
			MaxAge time.Duration
		}
	}

	Survey struct {
		Questions []string
	}

	AMQP struct {
		URL   string
		Queue string
	}

	CORS struct {
		AllowOrigins []string
	}
}

func DefaultConfig() Config {
	var c Config
	c.HTTP.Port = 8080
	c.GRPC.Port = 8081
	c.Storage.Backend = BackendFile
	c.Storage.Dir = "data"
	c.Locks.Backend = BackendFile
	c.Redis.Locks.Prefix = "happymeter"
	c.Redis.Pubsub.Prefix = "happymeter"
	c.Session.TTL = 12 * time.Hour
	c.Session.SweepInterval = time.Minute
	c.Session.Cookie.Name = "happymeter_session"
	c.Survey.Questions = stats.DefaultQuestions
	c.AMQP.Queue = queue.DefaultQueue
	return c
}

type Server struct {
	c Config

	ctx    context.Context
	cancel context.CancelFunc

	eb      *event.Bus
	metrics *telemetry.Metrics

	infra struct {
		fs afero.Fs

		redis struct {
			locks  redis.UniversalClient
			pubsub redis.UniversalClient
		}

		postgres *pgxpool.Pool

		amqp struct {
			conn *amqp.Connection
			ch   *amqp.Channel
		}
	}

	service struct {
		account *account.Service
		locks   *kiosklock.Registry
		session *session.Service
		vote    *vote.Service
		stats   *stats.Service
	}

	http *http.Server
	grpc *grpc.Server
}

func Init(c Config) (*Server, error) {
	if c.Session.Secret == "" {
		return nil, fmt.Errorf("server: session secret not set")
	}

	s := &Server{c: c}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.eb = event.NewBus()
	s.metrics = telemetry.NewMetrics(prometheus.DefaultRegisterer)
	s.metrics.Subscribe(s.eb)

	if err := s.initInfra(); err != nil {
		s.cancel()
		s.closeInfra()
		return nil, fmt.Errorf("server: init infra: %w", err)
	}

	s.initService()
	s.initAPI()
	return s, nil
}

func (s *Server) initInfra() error {
	s.infra.fs = afero.NewOsFs()

	if err := s.initRedis(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	if s.c.Storage.Backend == BackendPostgres {
		if err := s.initPostgres(); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}

	if s.c.AMQP.URL != "" {
		var err error
		s.infra.amqp.conn, s.infra.amqp.ch, err = queue.Dial(s.c.AMQP.URL, s.c.AMQP.Queue)
		if err != nil {
			return fmt.Errorf("amqp: %w", err)
		}
	}

	return nil
}

func (s *Server) initRedis() error {
	connect := func(name string, addrs []string, pass string) (redis.UniversalClient, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		r := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    addrs,
			Password: pass,
		})

		if err := telemetry.MonitorRedis(r, name); err != nil {
			return nil, err
		}

		if err := r.Ping(ctx).Err(); err != nil {
			_ = r.Close()
			return nil, err
		}

		return r, nil
	}

	var err error
	if s.c.Locks.Backend == BackendRedis {
		s.infra.redis.locks, err = connect("locks", s.c.Redis.Locks.Addrs, s.c.Redis.Locks.Pass)
		if err != nil {
			return fmt.Errorf("locks: %w", err)
		}
	}

	if len(s.c.Redis.Pubsub.Addrs) > 0 {
		s.infra.redis.pubsub, err = connect("pubsub", s.c.Redis.Pubsub.Addrs, s.c.Redis.Pubsub.Pass)
		if err != nil {
			return fmt.Errorf("pubsub: %w", err)
		}
	}

	return nil
}

func (s *Server) initPostgres() (err error) {
	ctx := context.Background()

	s.infra.postgres, err = database.Connect(ctx, s.c.Postgres.Addr, s.c.Postgres.User, s.c.Postgres.Pass, s.c.Postgres.Name)
	if err != nil {
		return err
	}

	return database.CreateSchema(ctx, s.infra.postgres)
}

func (s *Server) initService() {
	var (
		accounts account.Store
		votes    vote.Store
		table    storage.KeyValue
		sessions storage.KeyValue
	)

	switch s.c.Storage.Backend {
	case BackendPostgres:
		accounts = account.NewPostgresStore(s.infra.postgres)
		votes = vote.NewPostgresStore(s.infra.postgres)
	default:
		accounts = account.NewFileStore(s.infra.fs, filepath.Join(s.c.Storage.Dir, "users.json"))
		votes = vote.NewFileStore(s.infra.fs, filepath.Join(s.c.Storage.Dir, "votes.json"))
	}

	switch s.c.Locks.Backend {
	case BackendRedis:
		table = storage.NewRedisKeyValue(s.infra.redis.locks, s.c.Redis.Locks.Prefix+":locked_kiosks")
		sessions = storage.NewRedisKeyValue(s.infra.redis.locks, s.c.Redis.Locks.Prefix+":sessions")
	default:
		table = storage.NewFileKeyValue(s.infra.fs, filepath.Join(s.c.Storage.Dir, "locked_kiosks.json"))
		sessions = storage.NewFileKeyValue(s.infra.fs, filepath.Join(s.c.Storage.Dir, "sessions.json"))
	}

	s.service.account = account.NewService(account.Config{
		Store: accounts,
	})

	s.service.locks = kiosklock.NewRegistry(kiosklock.Config{
		Table:    table,
		EventBus: s.eb,
	})

	s.service.session = session.NewService(session.Config{
		Accounts: s.service.account,
		Locks:    s.service.locks,
		EventBus: s.eb,
		Sessions: sessions,
		Secret:   []byte(s.c.Session.Secret),
		TTL:      s.c.Session.TTL,
	})

	s.service.vote = vote.NewService(vote.Config{
		Store:    votes,
		EventBus: s.eb,
	})

	s.service.stats = stats.NewService(stats.Config{
		EventBus:  s.eb,
		Votes:     s.service.vote,
		Questions: s.c.Survey.Questions,
		Redis:     s.infra.redis.pubsub,
		Prefix:    s.c.Redis.Pubsub.Prefix,
	})

	if s.infra.amqp.ch != nil {
		queue.NewPublisher(queue.Config{
			EventBus: s.eb,
			Channel:  s.infra.amqp.ch,
			Queue:    s.c.AMQP.Queue,
		})
	}
}

func (s *Server) initAPI() {
	e := gin.New()
	e.Use(
		gin.Recovery(),
		api.RequestLogger(s.metrics),
		api.NoCache(),
		api.CORS(s.c.CORS.AllowOrigins),
	)
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(e, "/debug/pprof")

	s.grpc = grpc.NewServer(telemetry.GRPCServerInterceptor())

	api.New(api.Config{
		HTTP:         e,
		GRPC:         s.grpc,
		EventBus:     s.eb,
		Session:      s.service.session,
		Votes:        s.service.vote,
		Stats:        s.service.stats,
		Locks:        s.service.locks,
		Metrics:      s.metrics,
		Redis:        s.infra.redis.pubsub,
		PubsubPrefix: s.c.Redis.Pubsub.Prefix,
		Cookie: api.CookieConfig{
			Name:   s.c.Session.Cookie.Name,
			Secure: s.c.Session.Cookie.Secure,
			MaxAge: s.c.Session.Cookie.MaxAge,
		},
	})

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           e,
		ReadHeaderTimeout: 60 * time.Second,
	}
}

func (s *Server) Start() {
	ctx := context.TODO()

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.c.GRPC.Port))
	if err != nil {
		slog.ErrorContext(ctx, "grpc server: listen failed", "error", err)
		panic(err)
	}

	var eg errgroup.Group
	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: gRPC listening on port %d", s.c.GRPC.Port))
		return s.grpc.Serve(lis)
	})

	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: HTTP listening on port %d", s.c.HTTP.Port),
			"storage", s.c.Storage.Backend,
			"locks", s.c.Locks.Backend,
		)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	eg.Go(func() error {
		s.sweepSessions(s.ctx)
		return nil
	})

	err = eg.Wait()
	if err != nil {
		slog.ErrorContext(ctx, "server: shutdown with error", "error", err)
	}
}

// sweepSessions releases the kiosks of expired sessions until ctx is done.
func (s *Server) sweepSessions(ctx context.Context) {
	if s.c.Session.SweepInterval <= 0 {
		return
	}

	t := time.NewTicker(s.c.Session.SweepInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			expired, err := s.service.session.ExpireSessions(ctx)
			if err != nil {
				slog.WarnContext(ctx, "server: expire sessions failed", "error", err)
				continue
			}
			if len(expired) > 0 {
				slog.InfoContext(ctx, "server: expired sessions released their kiosks", "usernames", expired)
			}
		}
	}
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.cancel()
	s.grpc.GracefulStop()
	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}

	s.eb.Stop()
	s.closeInfra()

	slog.InfoContext(ctx, "server: shutdown completed")
}

func (s *Server) closeInfra() {
	for _, r := range []redis.UniversalClient{s.infra.redis.locks, s.infra.redis.pubsub} {
		if r != nil {
			_ = r.Close()
		}
	}

	if s.infra.postgres != nil {
		s.infra.postgres.Close()
	}

	if s.infra.amqp.conn != nil {
		_ = s.infra.amqp.ch.Close()
		_ = s.infra.amqp.conn.Close()
	}
}

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
)

// MonitorRedis instruments r with tracing and metrics and logs its commands at
// debug level under the given client name.
func MonitorRedis(r redis.UniversalClient, name string) error {
	if err := redisotel.InstrumentTracing(r); err != nil {
		return fmt.Errorf("instrument tracing: %w", err)
	}
	if err := redisotel.InstrumentMetrics(r); err != nil {
		return fmt.Errorf("instrument metrics: %w", err)
	}
	r.AddHook(redisLog{client: name})
	return nil
}

type redisLog struct {
	client string
}

func (l redisLog) DialHook(hook redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := hook(ctx, network, addr)
		if err != nil {
			slog.WarnContext(ctx, "redis: dial failed", "client", l.client, "addr", addr, "error", err)
			return conn, err
		}

		slog.InfoContext(ctx, "redis: connected", "client", l.client, "network", network, "addr", addr)
		return conn, nil
	}
}

func (l redisLog) ProcessHook(hook redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		start := time.Now()
		err := hook(ctx, cmd)
		l.log(ctx, cmd.FullName(), start, err)
		return err
	}
}

func (l redisLog) ProcessPipelineHook(hook redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		start := time.Now()
		err := hook(ctx, cmds)
		l.log(ctx, fmt.Sprintf("pipeline(%d)", len(cmds)), start, err)
		return err
	}
}

func (l redisLog) log(ctx context.Context, cmd string, start time.Time, err error) {
	attrs := []any{
		"client", l.client,
		"cmd", cmd,
		"duration_ms", time.Since(start).Milliseconds(),
	}

	// redis.Nil and aborted transactions are regular outcomes.
	if err != nil && !errors.Is(err, redis.Nil) && !errors.Is(err, redis.TxFailedErr) {
		slog.WarnContext(ctx, "redis: command failed", append(attrs, "error", err)...)
		return
	}

	slog.DebugContext(ctx, "redis: command processed", attrs...)
}

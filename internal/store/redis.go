package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"avl-ingest/internal/model"
	"avl-ingest/internal/observability"
)

// StateCache mirrors each device's last-known state into Redis hashes so
// dashboards can read it without touching the position store.
//
//	dev:<imei>:last  lat lon speed angle sats fix_at seen_at io
//	dev:<imei>:conn  remote connected_at
type StateCache struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewStateCache connects to the Redis instance at url (redis://...) and
// pings it.
func NewStateCache(ctx context.Context, url string, ttl time.Duration, logger *slog.Logger) (*StateCache, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &StateCache{rdb: rdb, ttl: ttl, logger: logger.With("component", "redis")}, nil
}

func lastKey(imei string) string { return "dev:" + imei + ":last" }
func connKey(imei string) string { return "dev:" + imei + ":conn" }

func (c *StateCache) DeviceConnected(ctx context.Context, dev *model.Device, remote string) {
	key := connKey(dev.IMEI)
	_, err := c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, "remote", remote, "connected_at", time.Now().UTC().Format(time.RFC3339))
		if c.ttl > 0 {
			p.Expire(ctx, key, c.ttl)
		}
		return nil
	})
	if err != nil {
		observability.RedisSetErrors.Inc()
		c.logger.Warn("redis HSET failed", "key", key, "err", err)
	}
}

func (c *StateCache) PositionStored(ctx context.Context, dev *model.Device, pos *model.Position) {
	io, err := json.Marshal(pos.IO)
	if err != nil {
		c.logger.Warn("encode io", "imei", dev.IMEI, "err", err)
		return
	}
	key := lastKey(dev.IMEI)
	_, err = c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key,
			"lat", strconv.FormatFloat(pos.Latitude, 'f', 7, 64),
			"lon", strconv.FormatFloat(pos.Longitude, 'f', 7, 64),
			"speed", pos.Speed,
			"angle", pos.Angle,
			"sats", pos.Satellites,
			"fix_at", pos.RecordedAt.Format(time.RFC3339Nano),
			"seen_at", dev.LastSeenAt.Format(time.RFC3339Nano),
			"io", string(io),
		)
		if c.ttl > 0 {
			p.Expire(ctx, key, c.ttl)
		}
		return nil
	})
	if err != nil {
		observability.RedisSetErrors.Inc()
		c.logger.Warn("redis HSET failed", "key", key, "err", err)
	}
}

// Last reads back the cached state for imei.
func (c *StateCache) Last(ctx context.Context, imei string) (map[string]string, error) {
	m, err := c.rdb.HGetAll(ctx, lastKey(imei)).Result()
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, ErrNotFound
	}
	return m, nil
}

func (c *StateCache) Close() error { return c.rdb.Close() }

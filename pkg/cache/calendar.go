// Package cache keeps a short-lived copy of each subdomain's booked days for
// the calendar page. It is advisory only: bookings always re-read the store.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"subrent/pkg/circuitbreaker"
	"subrent/pkg/dates"
)

const (
	keyPrefix = "calendar:"
	// versionTTL outlives any load; an expired counter only restarts at zero.
	versionTTL = 24 * time.Hour
)

var errStale = errors.New("calendar changed during load")

func versionKey(subdomain string) string {
	return keyPrefix + subdomain + ":ver"
}

// Loader reads booked days from the store.
type Loader func(ctx context.Context, subdomain string) ([]dates.DayKey, error)

type Calendar struct {
	client  *redis.Client
	breaker *circuitbreaker.CircuitBreaker
	ttl     time.Duration
	log     *zap.Logger
}

// NewCalendar returns a cache in front of the store. A nil client disables
// caching and every read goes to the loader.
func NewCalendar(client *redis.Client, ttl time.Duration, log *zap.Logger) *Calendar {
	return &Calendar{
		client:  client,
		breaker: circuitbreaker.NewCircuitBreaker(5, 30*time.Second),
		ttl:     ttl,
		log:     log,
	}
}

// BookedDays serves cached days when present. Cache failures fall through to
// load; load failures are returned, never replaced by an empty calendar.
func (c *Calendar) BookedDays(ctx context.Context, subdomain string, load Loader) ([]dates.DayKey, error) {
	if c.client == nil {
		return load(ctx, subdomain)
	}

	key := keyPrefix + subdomain
	var (
		raw string
		hit bool
	)
	err := c.breaker.Execute(func() error {
		v, err := c.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		raw, hit = v, true
		return nil
	})
	if err != nil {
		c.log.Warn("calendar cache read failed", zap.String("subdomain", subdomain), zap.Error(err))
	}
	if hit {
		var days []dates.DayKey
		if err := json.Unmarshal([]byte(raw), &days); err == nil {
			return days, nil
		}
		c.log.Warn("discarding malformed calendar cache entry", zap.String("subdomain", subdomain))
	}

	version, versioned := c.version(ctx, subdomain)
	days, err := load(ctx, subdomain)
	if err != nil {
		return nil, err
	}
	if versioned {
		c.store(ctx, subdomain, version, days)
	}
	return days, nil
}

// version reads the subdomain's invalidation counter. An entry loaded under
// one version is only written back while that version is still current.
func (c *Calendar) version(ctx context.Context, subdomain string) (string, bool) {
	var version string
	err := c.breaker.Execute(func() error {
		v, err := c.client.Get(ctx, versionKey(subdomain)).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		version = v
		return err
	})
	if err != nil {
		return "", false
	}
	return version, true
}

func (c *Calendar) store(ctx context.Context, subdomain, version string, days []dates.DayKey) {
	if days == nil {
		days = []dates.DayKey{}
	}
	payload, err := json.Marshal(days)
	if err != nil {
		return
	}
	verKey := versionKey(subdomain)
	err = c.breaker.Execute(func() error {
		err := c.client.Watch(ctx, func(tx *redis.Tx) error {
			current, err := tx.Get(ctx, verKey).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			if current != version {
				return errStale
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, keyPrefix+subdomain, payload, c.ttl)
				return nil
			})
			return err
		}, verKey)
		if errors.Is(err, errStale) || errors.Is(err, redis.TxFailedErr) {
			c.log.Debug("skipping stale calendar cache write", zap.String("subdomain", subdomain))
			return nil
		}
		return err
	})
	if err != nil {
		c.log.Warn("calendar cache write failed", zap.String("subdomain", subdomain), zap.Error(err))
	}
}

// Invalidate drops the cached calendar after the subdomain's bookings change
// and bumps its version so reads already in flight do not write it back.
// When redis is unreachable the old entry lives until its TTL runs out.
func (c *Calendar) Invalidate(ctx context.Context, subdomain string) {
	if c.client == nil {
		return
	}
	verKey := versionKey(subdomain)
	err := c.breaker.Execute(func() error {
		_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Incr(ctx, verKey)
			pipe.Expire(ctx, verKey, versionTTL)
			pipe.Del(ctx, keyPrefix+subdomain)
			return nil
		})
		return err
	})
	if err != nil {
		c.log.Warn("calendar cache invalidation failed", zap.String("subdomain", subdomain), zap.Error(err))
	}
}

// Ping reports whether redis is reachable; a disabled cache is always healthy.
func (c *Calendar) Ping(ctx context.Context) error {
	if c.client == nil {
		return nil
	}
	return c.client.Ping(ctx).Err()
}

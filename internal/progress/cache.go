// Package progress caches dispatcher progress snapshots in Redis so
// operator reads don't hit the campaign store on every poll.
package progress

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/outboundly/campaigngw/internal/model"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "campgw:progress:"

// ErrMiss means no snapshot is cached for the campaign.
var ErrMiss = errors.New("progress not cached")

type Cache struct {
	rdb *redis.Client
	ttl time.Duration
	log *zap.Logger
}

func NewCache(rdb *redis.Client, ttl time.Duration, log *zap.Logger) *Cache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{rdb: rdb, ttl: ttl, log: log}
}

// Store writes a snapshot; failures are logged, the cache is advisory.
func (c *Cache) Store(ctx context.Context, p model.Progress) {
	b, err := json.Marshal(p)
	if err != nil {
		c.log.Warn("marshal progress", zap.Error(err))
		return
	}
	if err := c.rdb.Set(ctx, keyPrefix+p.CampaignID, b, c.ttl).Err(); err != nil {
		c.log.Warn("cache progress",
			zap.String("campaign_id", p.CampaignID), zap.Error(err))
	}
}

func (c *Cache) Fetch(ctx context.Context, campaignID string) (model.Progress, error) {
	b, err := c.rdb.Get(ctx, keyPrefix+campaignID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return model.Progress{}, ErrMiss
		}
		return model.Progress{}, err
	}
	var p model.Progress
	if err := json.Unmarshal(b, &p); err != nil {
		return model.Progress{}, err
	}
	return p, nil
}

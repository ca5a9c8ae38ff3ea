package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/rueidis"
	"go.uber.org/zap"

	"github.com/ugobe007/matchrun/internal/matchrun"
)

// Redis is a StatusCache backed by rueidis, for deployments where several
// API replicas should share one cache in front of the run store.
type Redis struct {
	client rueidis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// RedisConfig controls the rueidis client.
type RedisConfig struct {
	Hosts    []string
	Password string
	TTL      time.Duration
}

// NewRedis connects a Redis-backed cache.
func NewRedis(cfg RedisConfig, logger *zap.Logger) (*Redis, error) {
	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress: cfg.Hosts,
		Password:    cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("connect redis cache: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{client: client, ttl: cfg.TTL, logger: logger}, nil
}

// Get returns the cached run snapshot, treating every backend failure as a miss.
func (c *Redis) Get(ctx context.Context, runID string) (matchrun.Run, bool) {
	raw, err := c.client.Do(ctx, c.client.B().Get().Key(key(runID)).Build()).AsBytes()
	if err != nil {
		if !rueidis.IsRedisNil(err) {
			c.logger.Warn("status cache read failed", zap.String("run_id", runID), zap.Error(err))
		}
		return matchrun.Run{}, false
	}
	var run matchrun.Run
	if err := json.Unmarshal(raw, &run); err != nil {
		c.logger.Warn("status cache entry corrupt", zap.String("run_id", runID), zap.Error(err))
		return matchrun.Run{}, false
	}
	return run, true
}

// Set stores the run snapshot for one TTL window; failures are logged only.
func (c *Redis) Set(ctx context.Context, runID string, run matchrun.Run) {
	raw, err := json.Marshal(run)
	if err != nil {
		c.logger.Warn("status cache encode failed", zap.String("run_id", runID), zap.Error(err))
		return
	}
	cmd := c.client.B().Set().Key(key(runID)).Value(rueidis.BinaryString(raw)).Px(c.ttl).Build()
	if err := c.client.Do(ctx, cmd).Error(); err != nil {
		c.logger.Warn("status cache write failed", zap.String("run_id", runID), zap.Error(err))
	}
}

// Close releases the rueidis client.
func (c *Redis) Close() {
	c.client.Close()
}

func key(runID string) string {
	return "matchrun:status:" + runID
}

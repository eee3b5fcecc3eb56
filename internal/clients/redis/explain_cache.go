package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/neurobridge-risk/internal/risk/explain"
)

// ExplainCache shares explanations across serving replicas. Keys already
// carry the model version, so a snapshot swap never serves stale entries.
type ExplainCache struct {
	rdb    *goredis.Client
	prefix string
	ttl    time.Duration
}

func NewExplainCache(rdb *goredis.Client, prefix string, ttl time.Duration) *ExplainCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &ExplainCache{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (c *ExplainCache) Get(ctx context.Context, key string) (*explain.Explanation, bool, error) {
	raw, err := c.rdb.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("explanation cache get: %w", err)
	}
	var exp explain.Explanation
	if err := json.Unmarshal(raw, &exp); err != nil {
		return nil, false, fmt.Errorf("explanation cache decode: %w", err)
	}
	return &exp, true, nil
}

func (c *ExplainCache) Set(ctx context.Context, key string, exp *explain.Explanation) error {
	raw, err := json.Marshal(exp)
	if err != nil {
		return err
	}
	if err := c.rdb.Set(ctx, c.prefix+key, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("explanation cache set: %w", err)
	}
	return nil
}

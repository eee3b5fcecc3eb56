package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/neurobridge-risk/internal/platform/logger"
)

// RefreshNotice announces that a new risk snapshot has been stored.
type RefreshNotice struct {
	Version     string    `json:"version"`
	PublishedAt time.Time `json:"published_at"`
}

// RefreshBus fans snapshot refresh notices out to every serving process.
type RefreshBus struct {
	log     *logger.Logger
	rdb     *goredis.Client
	channel string
}

func NewRefreshBus(log *logger.Logger, rdb *goredis.Client, channel string) *RefreshBus {
	if channel == "" {
		channel = "risk:snapshot:refresh"
	}
	return &RefreshBus{log: log.With("service", "RedisRefreshBus"), rdb: rdb, channel: channel}
}

func (b *RefreshBus) PublishRefresh(ctx context.Context, version string) error {
	if b == nil || b.rdb == nil {
		return fmt.Errorf("redis refresh bus not initialized")
	}
	raw, err := json.Marshal(RefreshNotice{Version: version, PublishedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel, raw).Err()
}

// StartForwarder subscribes and calls onNotice for every notice until ctx is
// done. It returns once the subscription is confirmed.
func (b *RefreshBus) StartForwarder(ctx context.Context, onNotice func(n RefreshNotice)) error {
	if b == nil || b.rdb == nil {
		return fmt.Errorf("redis refresh bus not initialized")
	}
	if onNotice == nil {
		return fmt.Errorf("onNotice callback required")
	}

	sub := b.rdb.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					_ = sub.Close()
					return
				}
				var n RefreshNotice
				if err := json.Unmarshal([]byte(m.Payload), &n); err != nil {
					b.log.Warn("bad snapshot refresh payload", "error", err)
					continue
				}
				onNotice(n)
			}
		}
	}()
	return nil
}

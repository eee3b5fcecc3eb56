package redis

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/neurobridge-risk/internal/risk/pipeline"
)

// Delivery publishes finished interventions for downstream notification
// workers.
type Delivery struct {
	rdb     *goredis.Client
	channel string
}

func NewDelivery(rdb *goredis.Client, channel string) *Delivery {
	if channel == "" {
		channel = "risk:interventions"
	}
	return &Delivery{rdb: rdb, channel: channel}
}

func (d *Delivery) Deliver(ctx context.Context, iv *pipeline.Intervention) error {
	raw, err := json.Marshal(iv)
	if err != nil {
		return err
	}
	if err := d.rdb.Publish(ctx, d.channel, raw).Err(); err != nil {
		return fmt.Errorf("publish intervention: %w", err)
	}
	return nil
}

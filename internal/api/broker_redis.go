package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisBroker bridges location events across replicas over Redis pub/sub.
// Messages publish to "location:{id}" and a firehose "location:*" consumers
// reach through a pattern subscription.
type RedisBroker struct {
	client *redis.Client
	log    *logrus.Logger
}

func NewRedisBroker(url string, log *logrus.Logger) (*RedisBroker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return &RedisBroker{client: client, log: log}, nil
}

func channelFor(locationID int64) string {
	return fmt.Sprintf("location:%d", locationID)
}

func (b *RedisBroker) Publish(ctx context.Context, ev Event) {
	raw, err := json.Marshal(ev)
	if err != nil {
		b.log.WithError(err).Warn("event marshal failed")
		return
	}
	if err := b.client.Publish(ctx, channelFor(ev.LocationID), raw).Err(); err != nil {
		b.log.WithError(err).WithField("location", ev.LocationID).Warn("event publish failed")
	}
}

func (b *RedisBroker) Subscribe(locationID int64) (<-chan Event, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	var sub *redis.PubSub
	if locationID == 0 {
		sub = b.client.PSubscribe(ctx, "location:*")
	} else {
		sub = b.client.Subscribe(ctx, channelFor(locationID))
	}
	out := make(chan Event, 16)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			if !strings.HasPrefix(msg.Channel, "location:") {
				continue
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.log.WithError(err).Warn("event decode failed")
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, func() {
		cancel()
		_ = sub.Close()
	}
}

// Package feed consumes catalog lifecycle events from a redis list and
// routes them to the owner synchronizer. The catalog pushes JSON events
// with LPUSH; the consumer pops with BRPOP so delivery follows publish
// order. Popping removes the event, giving at-least-once delivery: the
// synchronizer's replay cutoff absorbs duplicates after a crash.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/wardenproject/warden/pkg/observability"
	"github.com/wardenproject/warden/pkg/ownersync"
)

// DefaultKey is the redis list the catalog publishes to.
const DefaultKey = "warden:catalog-events"

// popTimeout bounds each BRPOP so the loop notices context cancellation.
const popTimeout = 5 * time.Second

// Applier is the event sink, implemented by ownersync.Synchronizer.
type Applier interface {
	Apply(ctx context.Context, ev ownersync.Event) error
}

// Consumer pops catalog events off the list and applies them.
type Consumer struct {
	client  *redis.Client
	key     string
	applier Applier
	logger  *observability.Logger
}

// NewConsumer builds a consumer; an empty key selects DefaultKey.
func NewConsumer(client *redis.Client, key string, applier Applier, logger *observability.Logger) *Consumer {
	if key == "" {
		key = DefaultKey
	}
	return &Consumer{client: client, key: key, applier: applier, logger: logger}
}

// Run consumes until the context is cancelled. Malformed payloads are
// logged and dropped; apply failures are logged and the event is dropped
// rather than wedging the feed — the catalog replays on its side.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		res, err := c.client.BRPop(ctx, popTimeout, c.key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue // timeout, list empty
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.warn(err, "catalog feed read failed")
			// Back off so a dead redis does not spin the loop.
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		// BRPOP returns [key, value].
		if len(res) != 2 {
			continue
		}
		c.handle(ctx, []byte(res[1]))
	}
}

func (c *Consumer) handle(ctx context.Context, payload []byte) {
	var ev ownersync.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		c.warn(err, "dropping malformed catalog event")
		return
	}
	if err := c.applier.Apply(ctx, ev); err != nil {
		c.warn(err, fmt.Sprintf("failed to apply catalog event %d", ev.ID))
	}
}

func (c *Consumer) warn(err error, msg string) {
	if c.logger != nil {
		c.logger.WithError(err).Warn(msg)
	}
}

// Publish pushes an event onto the list, used by tests and the HTTP event
// endpoint when it forwards to the feed.
func Publish(ctx context.Context, client *redis.Client, key string, ev ownersync.Event) error {
	if key == "" {
		key = DefaultKey
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode catalog event: %w", err)
	}
	if err := client.LPush(ctx, key, payload).Err(); err != nil {
		return fmt.Errorf("publish catalog event: %w", err)
	}
	return nil
}

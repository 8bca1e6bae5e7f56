package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const bridgeRetryWait = time.Second

// RunBridge subscribes to the board channels on Redis and feeds events
// published by other API instances into the local hub. It blocks until ctx
// is cancelled, reconnecting with a short pause after subscription errors.
func (h *Hub) RunBridge(ctx context.Context, rdb *redis.Client) error {
	for {
		if err := h.consume(ctx, rdb); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			h.log.WithError(err).Warn("realtime bridge disconnected, retrying")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(bridgeRetryWait):
		}
	}
}

func (h *Hub) consume(ctx context.Context, rdb *redis.Client) error {
	sub := rdb.PSubscribe(ctx, channelPrefix+"*")
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("subscription channel closed")
			}
			h.handleMessage(msg)
		}
	}
}

func (h *Hub) handleMessage(msg *redis.Message) {
	var env envelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		h.log.WithError(err).WithField("channel", msg.Channel).Warn("malformed realtime envelope")
		return
	}
	// Our own broadcasts already went to local subscribers; delivering the
	// Redis copy too would double every event on the publishing instance.
	if env.Origin == h.instanceID {
		return
	}
	h.deliverLocal(env.Event, env.Exclude)
}

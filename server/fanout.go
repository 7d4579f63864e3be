package server

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alimasry/collab-getaway/protocol"
)

// Fanout shares room frames between relay instances.
type Fanout interface {
	Publish(ctx context.Context, room string, m protocol.Message) error
	// Subscribe calls fn for every frame other instances publish to room
	// until cancel is called.
	Subscribe(ctx context.Context, room string, fn func(protocol.Message)) (cancel func(), err error)
}

// RedisFanout implements Fanout with Redis pub/sub on channel room:<name>.
type RedisFanout struct {
	rdb    *redis.Client
	origin string
}

type fanoutEnvelope struct {
	Origin string           `json:"origin"`
	Frame  protocol.Message `json:"frame"`
}

func NewRedisFanout(rdb *redis.Client) *RedisFanout {
	return &RedisFanout{rdb: rdb, origin: uuid.NewString()}
}

func channelName(room string) string { return "room:" + room }

func (f *RedisFanout) Publish(ctx context.Context, room string, m protocol.Message) error {
	data, err := json.Marshal(fanoutEnvelope{Origin: f.origin, Frame: m})
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return f.rdb.Publish(ctx, channelName(room), data).Err()
}

func (f *RedisFanout) Subscribe(ctx context.Context, room string, fn func(protocol.Message)) (func(), error) {
	pubsub := f.rdb.Subscribe(ctx, channelName(room))
	// Wait for the subscription to be confirmed so no frame published after
	// Subscribe returns is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channelName(room), err)
	}

	go func() {
		for msg := range pubsub.Channel() {
			var env fanoutEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				glog.Warningf("fanout: bad payload on %s: %v", msg.Channel, err)
				continue
			}
			if env.Origin == f.origin {
				continue
			}
			fn(env.Frame)
		}
	}()
	return func() { pubsub.Close() }, nil
}

package coordination

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/huykn/livesite/types"
)

// RedisTransport carries the channel over Redis Pub/Sub. The authority
// publishes on Downstream and listens on Upstream.
type RedisTransport struct {
	client     *redis.Client
	downstream string
	upstream   string
}

// NewRedisTransport creates a Pub/Sub transport.
func NewRedisTransport(client *redis.Client, downstream, upstream string) *RedisTransport {
	return &RedisTransport{
		client:     client,
		downstream: downstream,
		upstream:   upstream,
	}
}

// Dial subscribes to the downstream channel, waits for the subscription
// to be confirmed and then publishes a resync request upstream. Pub/Sub
// gives the authority no connect event, so the request is what makes it
// send the lock table that replaces anything missed while away.
func (t *RedisTransport) Dial(ctx context.Context) (Conn, error) {
	pubsub := t.client.Subscribe(ctx, t.downstream)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", t.downstream, err)
	}
	conn := &redisConn{client: t.client, pubsub: pubsub, upstream: t.upstream}
	if err := conn.Write(ctx, types.Message{Event: types.EventResync}); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("resync %s: %w", t.upstream, err)
	}
	return conn, nil
}

type redisConn struct {
	client   *redis.Client
	pubsub   *redis.PubSub
	upstream string
}

// Read skips payloads that are not channel messages.
func (c *redisConn) Read(ctx context.Context) (types.Message, error) {
	for {
		m, err := c.pubsub.ReceiveMessage(ctx)
		if err != nil {
			return types.Message{}, err
		}
		var msg types.Message
		if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
			continue
		}
		return msg, nil
	}
}

func (c *redisConn) Write(ctx context.Context, msg types.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.client.Publish(ctx, c.upstream, string(data)).Err()
}

func (c *redisConn) Close() error {
	return c.pubsub.Close()
}

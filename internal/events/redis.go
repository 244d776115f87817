package events

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultStream       = "sunkcost:events"
	defaultStreamMaxLen = 10_000
)

type streamClient interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	Close() error
}

// RedisPublisher appends events to a Redis stream, trimming it to roughly
// maxLen entries.
type RedisPublisher struct {
	client streamClient
	stream string
	maxLen int64
}

func DialRedis(ctx context.Context, addr, password, stream string, maxLen int64) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return newRedisPublisher(client, stream, maxLen), nil
}

func newRedisPublisher(client streamClient, stream string, maxLen int64) *RedisPublisher {
	if stream == "" {
		stream = DefaultStream
	}
	if maxLen <= 0 {
		maxLen = defaultStreamMaxLen
	}
	return &RedisPublisher{client: client, stream: stream, maxLen: maxLen}
}

func (p *RedisPublisher) Publish(ctx context.Context, ev Event) error {
	err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: streamValues(ev),
	}).Err()
	if err != nil {
		return fmt.Errorf("redis xadd %s: %w", p.stream, err)
	}
	return nil
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

func streamValues(ev Event) map[string]any {
	values := map[string]any{
		"id":        ev.ID,
		"type":      ev.Type,
		"account":   string(ev.Account),
		"amount":    strconv.FormatUint(ev.Amount, 10),
		"height":    strconv.FormatUint(ev.Height, 10),
		"txId":      ev.TxID,
		"timestamp": strconv.FormatInt(ev.Timestamp, 10),
	}
	if ev.PotID != nil {
		values["potId"] = strconv.FormatUint(*ev.PotID, 10)
	}
	if ev.To != "" {
		values["to"] = string(ev.To)
	}
	if ev.Price > 0 {
		values["price"] = strconv.FormatUint(ev.Price, 10)
	}
	if ev.PotTotal > 0 {
		values["potTotal"] = strconv.FormatUint(ev.PotTotal, 10)
	}
	if ev.Burned > 0 {
		values["burned"] = strconv.FormatUint(ev.Burned, 10)
	}
	if ev.Deadline > 0 {
		values["deadline"] = strconv.FormatInt(ev.Deadline, 10)
	}
	return values
}

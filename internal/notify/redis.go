package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisOptions Redis Stream 發送設定
type RedisOptions struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Stream   string `yaml:"stream"`
	// MaxLen 近似上限（XADD MAXLEN ~），0 表示不裁剪
	MaxLen int64 `yaml:"max_len"`
}

// RedisPublisher 以 XADD 把事件寫入 Redis Stream，UI 層用 XREAD / consumer group 讀取
type RedisPublisher struct {
	client redis.UniversalClient
	stream string
	maxLen int64
}

// NewRedisPublisher creates a publisher with its own client.
func NewRedisPublisher(opts RedisOptions) *RedisPublisher {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return NewRedisPublisherWithClient(client, opts.Stream, opts.MaxLen)
}

// NewRedisPublisherWithClient uses an existing client.
func NewRedisPublisherWithClient(client redis.UniversalClient, stream string, maxLen int64) *RedisPublisher {
	if stream == "" {
		stream = "coord:events"
	}
	return &RedisPublisher{client: client, stream: stream, maxLen: maxLen}
}

// Stream returns the stream key events are written to.
func (p *RedisPublisher) Stream() string { return p.stream }

func (p *RedisPublisher) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{
			"id":      ev.ID,
			"type":    string(ev.Type),
			"payload": payload,
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis xadd %s: %w", p.stream, err)
	}
	return nil
}

// Ping checks connectivity.
func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

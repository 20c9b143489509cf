package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nao1215/kenshu/pkg/event"
)

// DefaultRedisChannel はインスタンス間で通知を中継する既定のチャネル名。
const DefaultRedisChannel = "kenshu:notification:stream"

// redisPublishTimeout はRedisへの1回の送信に許す時間。
const redisPublishTimeout = 2 * time.Second

// redisEnvelope はRedis Pub/Subで流すメッセージの形式。
type redisEnvelope struct {
	Audience event.Audience    `json:"audience"`
	Type     event.MessageType `json:"type"`
	Data     json.RawMessage   `json:"data,omitempty"`
	SentAt   time.Time         `json:"sent_at"`
}

// RedisBridge はRedis Pub/Subを経由して全インスタンスのRegistryへ配信するBroadcaster。
// 各インスタンスは Run で購読し、受け取ったメッセージを自分のRegistryへ流す。
type RedisBridge struct {
	client  *redis.Client
	channel string
	local   *Registry
}

// NewRedisBridge は新しいRedisBridgeを生成する。channel が空の場合は既定のチャネルを使う。
func NewRedisBridge(client *redis.Client, channel string, local *Registry) *RedisBridge {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisBridge{client: client, channel: channel, local: local}
}

// Broadcast はメッセージをRedisへ送信する。
// Redisへの送信に失敗した場合は、少なくともこのインスタンスの購読者へ直接配信する。
func (b *RedisBridge) Broadcast(ctx context.Context, audience event.Audience, msg event.Message) {
	body, err := encodeEnvelope(audience, msg)
	if err != nil {
		log.Printf("[RedisBridge] メッセージのエンコードに失敗: %v", err)
		b.local.Broadcast(ctx, audience, msg)
		return
	}

	// 呼び出し元のリクエストが終了していても配信は行う
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), redisPublishTimeout)
	defer cancel()

	if err := b.client.Publish(pubCtx, b.channel, body).Err(); err != nil {
		log.Printf("[RedisBridge] Redisへの送信に失敗したためローカルに配信します: channel=%s error=%v", b.channel, err)
		b.local.Broadcast(ctx, audience, msg)
	}
}

// Run はRedisのチャネルを購読し、受け取ったメッセージをローカルのRegistryへ配信する。
// ctx がキャンセルされるまでブロックする。
func (b *RedisBridge) Run(ctx context.Context) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("Redisチャネルの購読に失敗: channel=%s: %w", b.channel, err)
	}
	log.Printf("[RedisBridge] チャネルを購読しました: channel=%s", b.channel)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.relay(ctx, msg.Payload)
		}
	}
}

// relay はRedisから受け取った1件のメッセージをローカルのRegistryへ配信する。
func (b *RedisBridge) relay(ctx context.Context, payload string) {
	var env redisEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		log.Printf("[RedisBridge] メッセージのデコードに失敗: %v", err)
		return
	}
	if env.Type == "" || env.Audience.Validate() != nil {
		log.Printf("[RedisBridge] 不正なメッセージを破棄しました: audience=%s type=%q", env.Audience, env.Type)
		return
	}

	msg := event.Message{Type: env.Type}
	if len(env.Data) > 0 {
		msg.Data = env.Data
	}
	b.local.Broadcast(ctx, env.Audience, msg)
}

func encodeEnvelope(audience event.Audience, msg event.Message) ([]byte, error) {
	env := redisEnvelope{
		Audience: audience,
		Type:     msg.Type,
		SentAt:   time.Now().UTC(),
	}
	if msg.Data != nil {
		data, err := json.Marshal(msg.Data)
		if err != nil {
			return nil, err
		}
		env.Data = data
	}
	return json.Marshal(env)
}

package notification

import (
	"context"
	"fmt"
	"log"

	notificationdb "github.com/nao1215/kenshu/internal/notification/db"
	"github.com/nao1215/kenshu/pkg/event"
)

// Broadcaster は宛先の購読者へメッセージを配信する。
// 単一インスタンスでは Registry、複数インスタンスでは RedisBridge が実装する。
// 配信の失敗は実装側で処理し、呼び出し元には返さない。
type Broadcaster interface {
	Broadcast(ctx context.Context, audience event.Audience, msg event.Message)
}

// Publisher は通知を生成する唯一の経路。
// 通知を永続化してから、その時点の購読者へ配信する。
type Publisher struct {
	store       *notificationdb.Store
	broadcaster Broadcaster
}

// NewPublisher は新しいPublisherを生成する。
func NewPublisher(store *notificationdb.Store, broadcaster Broadcaster) *Publisher {
	return &Publisher{store: store, broadcaster: broadcaster}
}

// Publish は通知を永続化して配信し、採番された通知IDを返す。
// 永続化に失敗した場合は配信せずにエラーを返す。配信の失敗は戻り値に影響しない。
func (p *Publisher) Publish(ctx context.Context, audience event.Audience, message string, refs event.Refs) (int64, error) {
	return p.PublishEvent(ctx, event.Business{
		Audience: audience,
		Kind:     event.KindGeneral,
		Message:  message,
		Refs:     refs,
	})
}

// PublishEvent は業務イベントから通知を作成して配信する。
func (p *Publisher) PublishEvent(ctx context.Context, ev event.Business) (int64, error) {
	if err := ev.Validate(); err != nil {
		return 0, fmt.Errorf("通知イベントが不正です: %w", err)
	}

	n, err := p.store.Create(ctx, notificationdb.CreateParams{
		Audience: ev.Audience,
		Kind:     ev.Kind,
		Message:  ev.Message,
		Refs:     ev.Refs,
	})
	if err != nil {
		return 0, fmt.Errorf("通知の永続化に失敗: %w", err)
	}

	p.broadcaster.Broadcast(ctx, ev.Audience, event.NewNotification(n))
	return n.ID, nil
}

// NotifyAfterCommit は業務処理をコミットしてから通知を発行する。
// commit が失敗した場合はそのエラーを返し、通知は発行しない。
// 通知の発行に失敗してもログに記録するだけで、業務処理は成功として扱う。
func (p *Publisher) NotifyAfterCommit(ctx context.Context, commit func(context.Context) error, ev event.Business) error {
	if err := commit(ctx); err != nil {
		return err
	}
	if _, err := p.PublishEvent(ctx, ev); err != nil {
		log.Printf("[Publisher] 通知の発行に失敗しました（業務処理は完了済み）: audience=%s kind=%s error=%v",
			ev.Audience, ev.Kind, err)
	}
	return nil
}

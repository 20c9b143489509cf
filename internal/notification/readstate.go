package notification

import (
	"context"
	"log"
	"sync"

	notificationdb "github.com/nao1215/kenshu/internal/notification/db"
	"github.com/nao1215/kenshu/pkg/event"
)

// BulkFailure は一括操作で処理できなかった1件。
type BulkFailure struct {
	// ID は対象の通知ID。
	ID int64 `json:"id"`
	// Error は失敗理由。
	Error string `json:"error"`

	err error
}

// Err は失敗の原因となったエラーを返す。errors.Is での判定に使う。
func (f BulkFailure) Err() error { return f.err }

// BulkResult は一括操作の結果。
type BulkResult struct {
	// Updated は状態を更新できた通知。
	Updated []event.Notification `json:"updated"`
	// Failed は処理できなかった通知。
	Failed []BulkFailure `json:"failed"`
}

// ReadStateManager は管理者宛て通知の既読状態と削除を管理し、
// 変更を接続中の購読者へ反映する。
type ReadStateManager struct {
	store       *notificationdb.Store
	broadcaster Broadcaster
	// snapshotLimit は単体削除後に配信する一覧の最大件数。
	snapshotLimit int
	// mu は状態変更と配信を直列化し、配信順をDBへの書き込み順と一致させる。
	mu sync.Mutex
}

// NewReadStateManager は新しいReadStateManagerを生成する。
func NewReadStateManager(store *notificationdb.Store, broadcaster Broadcaster, snapshotLimit int) *ReadStateManager {
	return &ReadStateManager{
		store:         store,
		broadcaster:   broadcaster,
		snapshotLimit: snapshotLimit,
	}
}

// MarkRead は通知を既読にする。既読の通知に対しては何もせず現在の状態を返す。
func (m *ReadStateManager) MarkRead(ctx context.Context, id int64) (event.Notification, error) {
	return m.setRead(ctx, id, true)
}

// MarkUnread は通知を未読にする。未読の通知に対しては何もせず現在の状態を返す。
func (m *ReadStateManager) MarkUnread(ctx context.Context, id int64) (event.Notification, error) {
	return m.setRead(ctx, id, false)
}

// MarkManyRead は複数の通知を既読にする。1件の失敗で残りの処理を中断しない。
func (m *ReadStateManager) MarkManyRead(ctx context.Context, ids []int64) BulkResult {
	return m.setManyRead(ctx, ids, true)
}

// MarkManyUnread は複数の通知を未読にする。1件の失敗で残りの処理を中断しない。
func (m *ReadStateManager) MarkManyUnread(ctx context.Context, ids []int64) BulkResult {
	return m.setManyRead(ctx, ids, false)
}

func (m *ReadStateManager) setManyRead(ctx context.Context, ids []int64, read bool) BulkResult {
	result := BulkResult{
		Updated: make([]event.Notification, 0, len(ids)),
		Failed:  []BulkFailure{},
	}
	for _, id := range ids {
		n, err := m.setRead(ctx, id, read)
		if err != nil {
			result.Failed = append(result.Failed, BulkFailure{ID: id, Error: err.Error(), err: err})
			continue
		}
		result.Updated = append(result.Updated, n)
	}
	return result
}

func (m *ReadStateManager) setRead(ctx context.Context, id int64, read bool) (event.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, changed, err := m.store.SetRead(ctx, id, read)
	if err != nil {
		return event.Notification{}, err
	}
	if changed {
		m.broadcaster.Broadcast(ctx, event.Admin(), event.NotificationUpdated(n))
	}
	return n, nil
}

// Delete は通知を1件削除し、残りの一覧を購読者へ配信する。
func (m *ReadStateManager) Delete(ctx context.Context, audience event.Audience, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.Delete(ctx, audience, id); err != nil {
		return err
	}
	list, err := m.store.List(ctx, audience, m.snapshotLimit)
	if err != nil {
		// 削除自体は完了しているため、次回の一覧取得で整合する
		log.Printf("[ReadState] 削除後の一覧取得に失敗: audience=%s error=%v", audience, err)
		return nil
	}
	m.broadcaster.Broadcast(ctx, audience, event.NotificationsUpdated(list))
	return nil
}

// DeleteAll は宛先の通知を全て削除し、購読者へ空の一覧を配信する。
func (m *ReadStateManager) DeleteAll(ctx context.Context, audience event.Audience) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deleted, err := m.store.DeleteAll(ctx, audience)
	if err != nil {
		return 0, err
	}
	m.broadcaster.Broadcast(ctx, audience, event.NotificationsUpdated(nil))
	return deleted, nil
}

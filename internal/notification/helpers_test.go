package notification

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"testing/fstest"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"

	notificationdb "github.com/nao1215/kenshu/internal/notification/db"
	"github.com/nao1215/kenshu/pkg/event"
	"github.com/nao1215/kenshu/pkg/migration"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// openTestDB はマイグレーション済みのインメモリSQLiteを開く。
func openTestDB(t *testing.T) *sqlx.DB {
	t.Helper()

	db, err := openDB(t.Context(), ":memory:")
	if err != nil {
		t.Fatalf("インメモリDBの作成に失敗: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// openLegacyDB は既読カラム追加前のスキーマだけを適用したインメモリSQLiteを開く。
func openLegacyDB(t *testing.T) *sqlx.DB {
	t.Helper()

	const first = "000001_create_notifications.up.sql"
	content, err := os.ReadFile(filepath.Join("db", "migrations", first))
	if err != nil {
		t.Fatalf("マイグレーションファイルの読み込みに失敗: %v", err)
	}

	db, err := sqlx.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("インメモリDBの作成に失敗: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	fsys := fstest.MapFS{"migrations/" + first: {Data: content}}
	if err := migration.Run(t.Context(), db, fsys, "migrations"); err != nil {
		t.Fatalf("マイグレーションに失敗: %v", err)
	}
	return db
}

func newTestStore(t *testing.T, db *sqlx.DB) *notificationdb.Store {
	t.Helper()

	store, err := notificationdb.New(t.Context(), db)
	if err != nil {
		t.Fatalf("Storeの生成に失敗: %v", err)
	}
	return store
}

// broadcastRecord は recordingBroadcaster が受け取った1回分の配信。
type broadcastRecord struct {
	audience event.Audience
	msg      event.Message
}

// recordingBroadcaster は配信内容を記録するテスト用のBroadcaster。
type recordingBroadcaster struct {
	mu      sync.Mutex
	records []broadcastRecord
}

func (b *recordingBroadcaster) Broadcast(_ context.Context, audience event.Audience, msg event.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = append(b.records, broadcastRecord{audience: audience, msg: msg})
}

func (b *recordingBroadcaster) all() []broadcastRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]broadcastRecord(nil), b.records...)
}

func mustPublish(t *testing.T, p *Publisher, audience event.Audience, message string) int64 {
	t.Helper()

	id, err := p.Publish(t.Context(), audience, message, event.Refs{})
	if err != nil {
		t.Fatalf("Publish()でエラーが発生: %v", err)
	}
	return id
}

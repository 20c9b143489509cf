package notification

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	// SQLiteドライバを登録する
	_ "modernc.org/sqlite"

	notificationdb "github.com/nao1215/kenshu/internal/notification/db"
)

// openDB はSQLiteデータベースに接続し、マイグレーションを適用する。
func openDB(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	// インメモリDBは接続ごとに別のデータベースになる
	if strings.HasPrefix(dsn, ":memory:") {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("データベースへの疎通確認に失敗: %w", err)
	}
	if err := notificationdb.Migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}
	return db, nil
}

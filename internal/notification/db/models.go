package db

import (
	"time"

	"github.com/nao1215/kenshu/pkg/event"
)

// row は通知テーブルの1行。管理者宛てと従業員宛てで共通に使う。
// 管理者宛てのテーブルには user_id が無く、既読カラムが無い場合は is_read も読まない。
type row struct {
	ID         int64  `db:"id"`
	EmployeeID string `db:"user_id"`
	Kind       string `db:"kind"`
	Message    string `db:"message"`
	event.Refs
	IsRead    bool      `db:"is_read"`
	CreatedAt time.Time `db:"created_at"`
}

// toEvent はDB行をクライアント向けの形式に変換する。
func (r row) toEvent(audience event.Audience) event.Notification {
	return event.Notification{
		ID:        r.ID,
		Audience:  audience,
		Kind:      event.Kind(r.Kind),
		Message:   r.Message,
		Refs:      r.Refs,
		Read:      audience.IsAdmin() && r.IsRead,
		CreatedAt: r.CreatedAt.UTC(),
	}
}

// CreateParams は通知作成時のパラメータ。
type CreateParams struct {
	// Audience は通知の宛先。
	Audience event.Audience
	// Kind は業務イベントの種類。
	Kind event.Kind
	// Message は表示用のメッセージ。
	Message string
	// Refs は関連する業務オブジェクトへの参照。
	Refs event.Refs
	// CreatedAt は作成日時。ゼロ値の場合は現在時刻を使う。
	CreatedAt time.Time
}

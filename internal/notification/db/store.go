// Package db は通知の永続化を担当する。
//
// 管理者宛てと従業員宛ての通知をそれぞれ別テーブルに保存する。
// 管理者宛て通知の既読カラムは後から追加されたため、起動時に存在を確認し、
// 無い場合は既読状態を false として扱う縮退モードで動作する。
package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nao1215/kenshu/pkg/event"
	"github.com/nao1215/kenshu/pkg/migration"
)

var (
	// ErrNotFound は指定したIDの通知が存在しない場合のエラー。
	ErrNotFound = errors.New("通知が見つかりません")
	// ErrReadStateUnavailable は既読カラムが無いスキーマで既読状態を更新しようとした場合のエラー。
	ErrReadStateUnavailable = errors.New("既読状態を保持するカラムがありません")
)

const (
	adminTable    = "admin_notifications"
	employeeTable = "employee_notifications"
	readColumn    = "is_read"

	baseColumns = "id, kind, message, training_program_id, registration_id, applicant_id, evaluation_id, created_at"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate は通知テーブルのマイグレーションを適用する。
func Migrate(ctx context.Context, db *sqlx.DB) error {
	return migration.Run(ctx, db, migrationsFS, "migrations")
}

// Store は通知の永続化を行う。全メソッドは並行に呼び出してよい。
type Store struct {
	db *sqlx.DB
	// readState は管理者テーブルに既読カラムが存在するかどうか。起動時に1度だけ確認する。
	readState bool
}

// New はスキーマの機能を確認してStoreを生成する。
// マイグレーションは事前に適用されている必要がある。
func New(ctx context.Context, db *sqlx.DB) (*Store, error) {
	has, err := migration.HasColumn(ctx, db, adminTable, readColumn)
	if err != nil {
		return nil, fmt.Errorf("既読カラムの確認に失敗: %w", err)
	}
	if !has {
		log.Printf("[Store] %s.%s が存在しないため既読状態なしで動作します", adminTable, readColumn)
	}
	return &Store{db: db, readState: has}, nil
}

// HasReadState は既読状態を永続化できるかどうかを返す。
func (s *Store) HasReadState() bool {
	return s.readState
}

// Create は通知を保存し、保存された内容を返す。
func (s *Store) Create(ctx context.Context, p CreateParams) (event.Notification, error) {
	if err := p.Audience.Validate(); err != nil {
		return event.Notification{}, err
	}
	if p.Kind == "" {
		p.Kind = event.KindGeneral
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	p.CreatedAt = p.CreatedAt.UTC()

	var (
		res sql.Result
		err error
	)
	if p.Audience.IsAdmin() {
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO admin_notifications (
				kind, message, training_program_id, registration_id, applicant_id, evaluation_id, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			p.Kind, p.Message,
			p.Refs.TrainingProgramID, p.Refs.RegistrationID, p.Refs.ApplicantID, p.Refs.EvaluationID,
			p.CreatedAt,
		)
	} else {
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO employee_notifications (
				user_id, kind, message, training_program_id, registration_id, applicant_id, evaluation_id, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			p.Audience.EmployeeID, p.Kind, p.Message,
			p.Refs.TrainingProgramID, p.Refs.RegistrationID, p.Refs.ApplicantID, p.Refs.EvaluationID,
			p.CreatedAt,
		)
	}
	if err != nil {
		return event.Notification{}, fmt.Errorf("通知の保存に失敗: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return event.Notification{}, fmt.Errorf("通知IDの取得に失敗: %w", err)
	}

	return event.Notification{
		ID:        id,
		Audience:  p.Audience,
		Kind:      p.Kind,
		Message:   p.Message,
		Refs:      p.Refs,
		Read:      false,
		CreatedAt: p.CreatedAt,
	}, nil
}

// List は宛先の通知を新しい順に最大limit件返す。
func (s *Store) List(ctx context.Context, audience event.Audience, limit int) ([]event.Notification, error) {
	if err := audience.Validate(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []event.Notification{}, nil
	}

	var rows []row
	var err error
	if audience.IsAdmin() {
		err = s.db.SelectContext(ctx, &rows,
			"SELECT "+s.adminColumns()+" FROM admin_notifications ORDER BY id DESC LIMIT ?", limit)
	} else {
		err = s.db.SelectContext(ctx, &rows,
			"SELECT "+baseColumns+", user_id FROM employee_notifications WHERE user_id = ? ORDER BY id DESC LIMIT ?",
			audience.EmployeeID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("通知一覧の取得に失敗: %w", err)
	}

	list := make([]event.Notification, 0, len(rows))
	for _, r := range rows {
		list = append(list, r.toEvent(audience))
	}
	return list, nil
}

// Get は宛先とIDを指定して通知を1件取得する。
func (s *Store) Get(ctx context.Context, audience event.Audience, id int64) (event.Notification, error) {
	return s.get(ctx, s.db, audience, id)
}

// SetRead は管理者宛て通知の既読状態を更新する。
// 戻り値の changed は実際に状態が変わったかどうか。同じ状態を設定した場合は false。
func (s *Store) SetRead(ctx context.Context, id int64, read bool) (n event.Notification, changed bool, err error) {
	if !s.readState {
		return event.Notification{}, false, ErrReadStateUnavailable
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return event.Notification{}, false, fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		"UPDATE admin_notifications SET is_read = ? WHERE id = ? AND is_read <> ?",
		read, id, read)
	if err != nil {
		return event.Notification{}, false, fmt.Errorf("既読状態の更新に失敗: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return event.Notification{}, false, fmt.Errorf("更新件数の取得に失敗: %w", err)
	}

	n, err = s.get(ctx, tx, event.Admin(), id)
	if err != nil {
		return event.Notification{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return event.Notification{}, false, fmt.Errorf("コミットに失敗: %w", err)
	}
	return n, affected > 0, nil
}

// Delete は宛先とIDを指定して通知を削除する。
func (s *Store) Delete(ctx context.Context, audience event.Audience, id int64) error {
	if err := audience.Validate(); err != nil {
		return err
	}

	var (
		res sql.Result
		err error
	)
	if audience.IsAdmin() {
		res, err = s.db.ExecContext(ctx, "DELETE FROM admin_notifications WHERE id = ?", id)
	} else {
		res, err = s.db.ExecContext(ctx,
			"DELETE FROM employee_notifications WHERE id = ? AND user_id = ?", id, audience.EmployeeID)
	}
	if err != nil {
		return fmt.Errorf("通知の削除に失敗: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("削除件数の取得に失敗: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAll は宛先の通知を全て削除し、削除件数を返す。
func (s *Store) DeleteAll(ctx context.Context, audience event.Audience) (int64, error) {
	if err := audience.Validate(); err != nil {
		return 0, err
	}

	var (
		res sql.Result
		err error
	)
	if audience.IsAdmin() {
		res, err = s.db.ExecContext(ctx, "DELETE FROM admin_notifications")
	} else {
		res, err = s.db.ExecContext(ctx, "DELETE FROM employee_notifications WHERE user_id = ?", audience.EmployeeID)
	}
	if err != nil {
		return 0, fmt.Errorf("通知の一括削除に失敗: %w", err)
	}
	return res.RowsAffected()
}

// CountUnread は管理者宛ての未読件数を返す。既読カラムが無い場合は全件を未読として数える。
func (s *Store) CountUnread(ctx context.Context) (int, error) {
	query := "SELECT COUNT(*) FROM admin_notifications"
	if s.readState {
		query += " WHERE is_read = 0"
	}
	var count int
	if err := s.db.GetContext(ctx, &count, query); err != nil {
		return 0, fmt.Errorf("未読件数の取得に失敗: %w", err)
	}
	return count, nil
}

func (s *Store) adminColumns() string {
	if s.readState {
		return baseColumns + ", " + readColumn
	}
	return baseColumns
}

func (s *Store) get(ctx context.Context, q sqlx.QueryerContext, audience event.Audience, id int64) (event.Notification, error) {
	if err := audience.Validate(); err != nil {
		return event.Notification{}, err
	}

	var r row
	var err error
	if audience.IsAdmin() {
		err = sqlx.GetContext(ctx, q, &r,
			"SELECT "+s.adminColumns()+" FROM admin_notifications WHERE id = ?", id)
	} else {
		err = sqlx.GetContext(ctx, q, &r,
			"SELECT "+baseColumns+", user_id FROM employee_notifications WHERE id = ? AND user_id = ?",
			id, audience.EmployeeID)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return event.Notification{}, ErrNotFound
	}
	if err != nil {
		return event.Notification{}, fmt.Errorf("通知の取得に失敗: %w", err)
	}
	return r.toEvent(audience), nil
}

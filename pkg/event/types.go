// Package event は通知サービスとその利用者（業務ワークフロー、ブラウザ）の間で
// 共有される型を定義する。
//
// 通知の宛先（Audience）、業務イベントの種類（Kind）、ストリームで配信する
// メッセージの形式（Message）を含む。
package event

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// AudienceKind は通知の宛先の種類を表す。
type AudienceKind string

const (
	// AudienceAdmin は管理者全体を宛先とする。
	AudienceAdmin AudienceKind = "admin"
	// AudienceEmployee は特定の従業員を宛先とする。
	AudienceEmployee AudienceKind = "employee"
)

// ErrInvalidAudience は宛先の指定が不正な場合のエラー。
var ErrInvalidAudience = errors.New("宛先の指定が不正です")

// Audience は通知の宛先を表す。
// 管理者グループ、または従業員IDで識別される1人の従業員のいずれか。
type Audience struct {
	// Kind は宛先の種類。
	Kind AudienceKind `json:"kind"`
	// EmployeeID は宛先の従業員ID。Kind が AudienceEmployee の場合のみ使用する。
	EmployeeID string `json:"employee_id,omitempty"`
}

// Admin は管理者向けの宛先を返す。
func Admin() Audience {
	return Audience{Kind: AudienceAdmin}
}

// Employee は指定した従業員向けの宛先を返す。
func Employee(employeeID string) Audience {
	return Audience{Kind: AudienceEmployee, EmployeeID: employeeID}
}

// IsAdmin は宛先が管理者かどうかを返す。
func (a Audience) IsAdmin() bool {
	return a.Kind == AudienceAdmin
}

// Validate は宛先の整合性を検証する。
func (a Audience) Validate() error {
	switch a.Kind {
	case AudienceAdmin:
		if a.EmployeeID != "" {
			return fmt.Errorf("%w: 管理者宛てに従業員IDは指定できません", ErrInvalidAudience)
		}
		return nil
	case AudienceEmployee:
		if strings.TrimSpace(a.EmployeeID) == "" {
			return fmt.Errorf("%w: 従業員IDが必要です", ErrInvalidAudience)
		}
		return nil
	default:
		return fmt.Errorf("%w: kind=%q", ErrInvalidAudience, a.Kind)
	}
}

// String はログ出力用の文字列表現を返す。
func (a Audience) String() string {
	if a.Kind == AudienceEmployee {
		return "employee:" + a.EmployeeID
	}
	return string(a.Kind)
}

// Kind は通知のきっかけとなった業務イベントの種類を表す。
type Kind string

const (
	// KindGeneral は種類を特定しない通知を表す。
	KindGeneral Kind = "general"
	// KindRegistrationCreated は研修への申し込みがあったことを表す。
	KindRegistrationCreated Kind = "registration_created"
	// KindRegistrationApproved は研修への申し込みが承認されたことを表す。
	KindRegistrationApproved Kind = "registration_approved"
	// KindTrainingCompleted は研修が修了したことを表す。
	KindTrainingCompleted Kind = "training_completed"
	// KindEvaluationSubmitted は研修評価が提出されたことを表す。
	KindEvaluationSubmitted Kind = "evaluation_submitted"
	// KindApplicationReceived は求人への応募を受け付けたことを表す。
	KindApplicationReceived Kind = "application_received"
	// KindPasswordResetRequested はパスワード再設定が要求されたことを表す。
	KindPasswordResetRequested Kind = "password_reset_requested"
)

// Refs は通知のきっかけとなった業務オブジェクトへの参照。
// 情報提供のみを目的とし、通知サービスは参照先の存在を検証しない。
type Refs struct {
	// TrainingProgramID は研修プログラムのID。
	TrainingProgramID *int64 `json:"training_program_id,omitempty" db:"training_program_id"`
	// RegistrationID は研修申し込みのID。
	RegistrationID *int64 `json:"registration_id,omitempty" db:"registration_id"`
	// ApplicantID は応募者のID。
	ApplicantID *int64 `json:"applicant_id,omitempty" db:"applicant_id"`
	// EvaluationID は研修評価のID。
	EvaluationID *int64 `json:"evaluation_id,omitempty" db:"evaluation_id"`
}

// Ref は参照IDのポインタを返す。Refs の組み立てに使う。
func Ref(id int64) *int64 {
	return &id
}

// Notification は永続化済みの通知をクライアントへ返す形式。
// 一覧取得のレスポンスとストリーム配信のペイロードで共通に使う。
type Notification struct {
	// ID は通知の一意識別子。宛先の種類ごとに単調増加する。
	ID int64 `json:"id"`
	// Audience は通知の宛先。
	Audience Audience `json:"audience"`
	// Kind は業務イベントの種類。
	Kind Kind `json:"kind"`
	// Message は表示用のメッセージ。
	Message string `json:"message"`
	// Refs は関連する業務オブジェクトへの参照。
	Refs Refs `json:"refs"`
	// Read は既読状態。従業員宛ての通知では常に false。
	Read bool `json:"read"`
	// CreatedAt は通知の作成日時（UTC）。
	CreatedAt time.Time `json:"created_at"`
}

// MessageType はストリームで配信するメッセージの種類を表す。
type MessageType string

const (
	// TypeConnected はストリーム接続直後に1度だけ送るメッセージ。
	TypeConnected MessageType = "connected"
	// TypeNewNotification は新しい通知の配信。
	TypeNewNotification MessageType = "new_notification"
	// TypeNotificationUpdated は1件の通知の既読状態が変わったことを表す。
	TypeNotificationUpdated MessageType = "notification_updated"
	// TypeNotificationsUpdated は通知一覧そのものの置き換え。data が空配列なら全削除。
	TypeNotificationsUpdated MessageType = "notifications_updated"
)

// Message はストリームで配信する1件のメッセージ。
type Message struct {
	// Type はメッセージの種類。
	Type MessageType `json:"type"`
	// Data はメッセージ本体。connected では省略される。
	Data any `json:"data,omitempty"`
}

// Connected は接続確立メッセージを返す。
func Connected() Message {
	return Message{Type: TypeConnected}
}

// NewNotification は新規通知メッセージを返す。
func NewNotification(n Notification) Message {
	return Message{Type: TypeNewNotification, Data: n}
}

// NotificationUpdated は通知更新メッセージを返す。
func NotificationUpdated(n Notification) Message {
	return Message{Type: TypeNotificationUpdated, Data: n}
}

// NotificationsUpdated は一覧置き換えメッセージを返す。
// nil を渡しても data は空配列としてシリアライズされる。
func NotificationsUpdated(list []Notification) Message {
	if list == nil {
		list = []Notification{}
	}
	return Message{Type: TypeNotificationsUpdated, Data: list}
}

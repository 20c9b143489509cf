package event

import (
	"errors"
	"fmt"
)

// ErrEmptyMessage は通知メッセージが空の場合のエラー。
var ErrEmptyMessage = errors.New("メッセージが空です")

// Business は業務ワークフローが発行する通知イベント。
// 宛先・種類・メッセージ・参照をひとまとめにして Publisher に渡す。
type Business struct {
	// Audience は通知の宛先。
	Audience Audience `json:"audience"`
	// Kind は業務イベントの種類。空の場合は KindGeneral として扱う。
	Kind Kind `json:"kind"`
	// Message は表示用のメッセージ。
	Message string `json:"message" binding:"required"`
	// Refs は関連する業務オブジェクトへの参照。
	Refs Refs `json:"refs"`
}

// Validate はイベントの整合性を検証する。
func (b Business) Validate() error {
	if err := b.Audience.Validate(); err != nil {
		return err
	}
	if b.Message == "" {
		return ErrEmptyMessage
	}
	return nil
}

// RegistrationCreated は従業員が研修に申し込んだことを管理者へ知らせるイベントを返す。
func RegistrationCreated(employeeName, programTitle string, programID, registrationID int64) Business {
	return Business{
		Audience: Admin(),
		Kind:     KindRegistrationCreated,
		Message:  fmt.Sprintf("%sさんが研修「%s」に申し込みました", employeeName, programTitle),
		Refs: Refs{
			TrainingProgramID: Ref(programID),
			RegistrationID:    Ref(registrationID),
		},
	}
}

// RegistrationApproved は研修の申し込みが承認されたことを本人へ知らせるイベントを返す。
func RegistrationApproved(employeeID, programTitle string, programID, registrationID int64) Business {
	return Business{
		Audience: Employee(employeeID),
		Kind:     KindRegistrationApproved,
		Message:  fmt.Sprintf("研修「%s」への申し込みが承認されました", programTitle),
		Refs: Refs{
			TrainingProgramID: Ref(programID),
			RegistrationID:    Ref(registrationID),
		},
	}
}

// TrainingCompleted は研修の修了を本人へ知らせるイベントを返す。
func TrainingCompleted(employeeID, programTitle string, programID, registrationID int64) Business {
	return Business{
		Audience: Employee(employeeID),
		Kind:     KindTrainingCompleted,
		Message:  fmt.Sprintf("研修「%s」を修了しました。評価の提出をお願いします", programTitle),
		Refs: Refs{
			TrainingProgramID: Ref(programID),
			RegistrationID:    Ref(registrationID),
		},
	}
}

// EvaluationSubmitted は研修評価の提出を管理者へ知らせるイベントを返す。
func EvaluationSubmitted(employeeName, programTitle string, programID, evaluationID int64) Business {
	return Business{
		Audience: Admin(),
		Kind:     KindEvaluationSubmitted,
		Message:  fmt.Sprintf("%sさんが研修「%s」の評価を提出しました", employeeName, programTitle),
		Refs: Refs{
			TrainingProgramID: Ref(programID),
			EvaluationID:      Ref(evaluationID),
		},
	}
}

// ApplicationReceived は求人への応募を管理者へ知らせるイベントを返す。
func ApplicationReceived(applicantName, jobTitle string, applicantID int64) Business {
	return Business{
		Audience: Admin(),
		Kind:     KindApplicationReceived,
		Message:  fmt.Sprintf("%sさんから求人「%s」への応募がありました", applicantName, jobTitle),
		Refs: Refs{
			ApplicantID: Ref(applicantID),
		},
	}
}

// PasswordResetRequested はパスワード再設定の要求を管理者へ知らせるイベントを返す。
func PasswordResetRequested(userName string) Business {
	return Business{
		Audience: Admin(),
		Kind:     KindPasswordResetRequested,
		Message:  fmt.Sprintf("%sさんがパスワードの再設定を要求しました", userName),
	}
}

// Package notification は研修管理システムのリアルタイム通知サービスを提供する。
//
// 通知は必ず Publisher を経由して作成される。Publisher は通知を永続化してから、
// Registry に登録されたその時点の購読者（SSEまたはWebSocketの接続）へ配信する。
// 配信は最適化にすぎず、クライアントは接続時に一覧を取得して状態を確定させる。
//
// 管理者宛て通知の既読・未読・削除は ReadStateManager が扱い、変更を接続中の
// 購読者へ反映する。複数インスタンスで動かす場合は RedisBridge が
// Redis Pub/Sub を経由して全インスタンスの Registry へ配信を中継する。
package notification

// Package notifyclient は別プロセスの業務ワークフローから通知サービスへ
// 通知を発行するためのHTTPクライアントを提供する。
//
// 業務処理をコミットした後に Publish を呼び出す。通知の発行に失敗しても
// 業務処理を巻き戻す必要はないため、呼び出し元はエラーをログに記録して続行する。
package notifyclient

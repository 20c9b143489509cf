// Package middleware はGinベースのHTTP APIで使用する共通ミドルウェアを提供する。
//
// JWTトークンの検証とロールによるアクセス制御、リクエストID、
// パニックリカバリ、トークンを伏せるアクセスログを含む。CORSは gin-contrib/cors を使う。
package middleware

// Package config は通知サービスの設定を環境変数から読み込む。
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// envPrefix は環境変数の接頭辞。KENSHU_PORT のように参照する。
const envPrefix = "kenshu"

// Config は通知サービスの設定。
type Config struct {
	// Port はHTTPサーバーのリッスンポート。
	Port int `split_words:"true" default:"8086"`
	// DatabaseDSN はSQLiteのデータソース名。
	DatabaseDSN string `split_words:"true" default:"/data/notification.db?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"`
	// JWTSecret はJWTの署名検証に使うシークレット。
	JWTSecret string `split_words:"true" default:"dev-secret-key"`
	// HeartbeatInterval はストリーム接続のハートビート間隔。
	HeartbeatInterval time.Duration `split_words:"true" default:"25s"`
	// DefaultListLimit は一覧取得で limit 未指定時の件数。
	DefaultListLimit int `split_words:"true" default:"50"`
	// MaxListLimit は一覧取得で指定できる最大件数。
	MaxListLimit int `split_words:"true" default:"100"`
	// SubscriberBuffer は購読者ごとの送信キューの長さ。
	SubscriberBuffer int `split_words:"true" default:"16"`
	// AllowedOrigins はCORSで許可するオリジン。
	AllowedOrigins []string `split_words:"true" default:"http://localhost:3000"`
	// RedisAddr はRedisのアドレス。空の場合は単一インスタンスで動作する。
	RedisAddr string `split_words:"true"`
	// RedisPassword はRedisの認証パスワード。
	RedisPassword string `split_words:"true"`
	// RedisChannel はインスタンス間中継に使うPub/Subチャンネル。
	RedisChannel string `split_words:"true" default:"kenshu:notification:stream"`
	// ShutdownTimeout はグレースフルシャットダウンの待ち時間。
	ShutdownTimeout time.Duration `split_words:"true" default:"10s"`
}

// Load は環境変数から設定を読み込む。
// リリースモード以外では .env ファイルも読み込む。既に設定済みの環境変数が優先される。
func Load() (*Config, error) {
	if os.Getenv("GIN_MODE") != "release" {
		if err := godotenv.Load(".env"); err != nil {
			log.Printf("[Config] .envファイルを読み込めませんでした: %v", err)
		}
	}

	c := &Config{}
	if err := envconfig.Process(envPrefix, c); err != nil {
		return nil, fmt.Errorf("環境変数の読み込みに失敗: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate は設定値の整合性を検証する。
func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("ポート番号が不正です: %d", c.Port))
	}
	if c.DatabaseDSN == "" {
		errs = append(errs, errors.New("データベースDSNが空です"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWTシークレットが空です"))
	}
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, fmt.Errorf("ハートビート間隔が不正です: %s", c.HeartbeatInterval))
	}
	if c.DefaultListLimit <= 0 || c.MaxListLimit <= 0 || c.DefaultListLimit > c.MaxListLimit {
		errs = append(errs, fmt.Errorf("一覧件数の設定が不正です: default=%d max=%d", c.DefaultListLimit, c.MaxListLimit))
	}
	if c.SubscriberBuffer <= 0 {
		errs = append(errs, fmt.Errorf("送信キューの長さが不正です: %d", c.SubscriberBuffer))
	}
	if len(errs) > 0 {
		return fmt.Errorf("設定が不正です: %w", errors.Join(errs...))
	}
	return nil
}

// Addr はHTTPサーバーのリッスンアドレスを返す。
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// RedisEnabled はRedisによるインスタンス間中継が有効かを返す。
func (c *Config) RedisEnabled() bool {
	return c.RedisAddr != ""
}

package config

import (
	"strings"
	"testing"
	"time"
)

// TestLoad は環境変数からの設定読み込みを検証する。
// t.Setenv を使うため並列実行しない。
func TestLoad(t *testing.T) {
	t.Run("未設定の場合デフォルト値が使われること", func(t *testing.T) {
		t.Setenv("GIN_MODE", "release")

		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load()でエラーが発生: %v", err)
		}
		if cfg.Port != 8086 {
			t.Errorf("Port = %d, want %d", cfg.Port, 8086)
		}
		if cfg.HeartbeatInterval != 25*time.Second {
			t.Errorf("HeartbeatInterval = %s, want %s", cfg.HeartbeatInterval, 25*time.Second)
		}
		if cfg.DefaultListLimit != 50 || cfg.MaxListLimit != 100 {
			t.Errorf("list limits = %d/%d, want 50/100", cfg.DefaultListLimit, cfg.MaxListLimit)
		}
		if cfg.SubscriberBuffer != 16 {
			t.Errorf("SubscriberBuffer = %d, want %d", cfg.SubscriberBuffer, 16)
		}
		if cfg.RedisEnabled() {
			t.Error("RedisEnabled() = true, want false")
		}
		if cfg.Addr() != ":8086" {
			t.Errorf("Addr() = %q, want %q", cfg.Addr(), ":8086")
		}
	})

	t.Run("環境変数で上書きできること", func(t *testing.T) {
		t.Setenv("GIN_MODE", "release")
		t.Setenv("KENSHU_PORT", "9090")
		t.Setenv("KENSHU_HEARTBEAT_INTERVAL", "5s")
		t.Setenv("KENSHU_ALLOWED_ORIGINS", "https://a.example.com,https://b.example.com")
		t.Setenv("KENSHU_REDIS_ADDR", "localhost:6379")

		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load()でエラーが発生: %v", err)
		}
		if cfg.Port != 9090 {
			t.Errorf("Port = %d, want %d", cfg.Port, 9090)
		}
		if cfg.HeartbeatInterval != 5*time.Second {
			t.Errorf("HeartbeatInterval = %s, want %s", cfg.HeartbeatInterval, 5*time.Second)
		}
		if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example.com" {
			t.Errorf("AllowedOrigins = %v", cfg.AllowedOrigins)
		}
		if !cfg.RedisEnabled() {
			t.Error("RedisEnabled() = false, want true")
		}
	})

	t.Run("不正な値の場合エラーが返ること", func(t *testing.T) {
		t.Setenv("GIN_MODE", "release")
		t.Setenv("KENSHU_DEFAULT_LIST_LIMIT", "200")

		if _, err := Load(); err == nil {
			t.Fatal("Load()がエラーを返さなかった")
		}
	})

	t.Run("型が合わない場合エラーが返ること", func(t *testing.T) {
		t.Setenv("GIN_MODE", "release")
		t.Setenv("KENSHU_PORT", "abc")

		if _, err := Load(); err == nil {
			t.Fatal("Load()がエラーを返さなかった")
		}
	})
}

// TestValidate は設定値の検証を検証する。
func TestValidate(t *testing.T) {
	t.Parallel()

	valid := func() Config {
		return Config{
			Port:              8086,
			DatabaseDSN:       ":memory:",
			JWTSecret:         "secret",
			HeartbeatInterval: time.Second,
			DefaultListLimit:  50,
			MaxListLimit:      100,
			SubscriberBuffer:  16,
		}
	}

	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{name: "正常な設定", modify: func(*Config) {}},
		{name: "ポートが0", modify: func(c *Config) { c.Port = 0 }, wantErr: "ポート番号"},
		{name: "シークレットが空", modify: func(c *Config) { c.JWTSecret = "" }, wantErr: "JWTシークレット"},
		{name: "ハートビートが0", modify: func(c *Config) { c.HeartbeatInterval = 0 }, wantErr: "ハートビート"},
		{name: "送信キューが0", modify: func(c *Config) { c.SubscriberBuffer = 0 }, wantErr: "送信キュー"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := valid()
			tt.modify(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate()でエラーが発生: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

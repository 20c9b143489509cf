// 通知サービスのエントリポイント。
// 研修の申し込みや評価、応募受付などの業務イベントを通知として保存し、
// 接続中の管理者・従業員のブラウザへリアルタイムに配信する。
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/nao1215/kenshu/internal/config"
	"github.com/nao1215/kenshu/internal/notification"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("設定の読み込みに失敗: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server, err := notification.NewServer(ctx, cfg)
	if err != nil {
		log.Fatalf("通知サーバーの初期化に失敗: %v", err)
	}
	defer server.Close()

	if err := server.Run(ctx); err != nil {
		log.Printf("通知サービスが異常終了しました: %v", err)
		server.Close()
		os.Exit(1)
	}
	log.Printf("通知サービスを停止しました")
}

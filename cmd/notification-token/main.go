// 通知サービスのAPIを呼び出すためのJWTを発行する開発・運用向けコマンド。
// 業務ワークフローが notifyclient で使う service ロールのトークンや、
// ローカルで管理者・従業員としてストリームに接続するためのトークンを発行する。
//
// 使い方:
//
//	notification-token -role service -user registration-workflow
//	notification-token -role employee -user 42
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"slices"

	"github.com/nao1215/kenshu/internal/config"
	"github.com/nao1215/kenshu/pkg/middleware"
)

func main() {
	role := flag.String("role", middleware.RoleService, "トークンのロール（admin, employee, service）")
	userID := flag.String("user", "", "トークンのユーザーID（従業員の場合は従業員ID）")
	flag.Parse()

	if *userID == "" {
		fmt.Fprintln(os.Stderr, "-user を指定してください")
		flag.Usage()
		os.Exit(2)
	}
	roles := []string{middleware.RoleAdmin, middleware.RoleEmployee, middleware.RoleService}
	if !slices.Contains(roles, *role) {
		fmt.Fprintf(os.Stderr, "不明なロールです: %s\n", *role)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("設定の読み込みに失敗: %v", err)
	}

	token, err := middleware.GenerateJWT(cfg.JWTSecret, *userID, *role)
	if err != nil {
		log.Fatalf("トークン生成に失敗: %v", err)
	}
	fmt.Println(token)
}

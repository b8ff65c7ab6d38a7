package main

import (
	"context"
	"log"
	"os"

	"go.uber.org/zap"

	"shisha/internal/config"
	"shisha/internal/server"
)

func main() {
	// 設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	// ロガーを作成してサーバーに渡す（グローバルロガーは使わない）
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("ロガーの初期化に失敗しました: %v", err)
	}

	// サーバーを作成
	srv := server.New(cfg, logger)

	// サーバーを起動（シグナル受信まで待機する）
	if err := srv.Start(context.Background()); err != nil {
		logger.Error("サーバーが異常終了しました", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}

	_ = logger.Sync()
}

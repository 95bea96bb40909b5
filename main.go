package main

import (
	"context"

	"github.com/rs/zerolog/log"

	"kipicam/internal/app"
	"kipicam/internal/config"
	"kipicam/internal/logging"
)

func main() {
	// 設定を読み込む
	cfg, err := config.Load("")
	if err != nil {
		log.Fatal().Err(err).Msg("設定の読み込みに失敗しました")
	}
	logging.Setup(cfg.Log.Level, cfg.Log.Format)

	// コンテキストを作成
	ctx := context.Background()

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("起動に失敗しました")
	}

	// サーバーを起動
	if err := a.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("サーバーの起動に失敗しました")
	}
}

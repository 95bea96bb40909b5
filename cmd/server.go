// Package main はkipicamサーバーコマンドの実装です
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"kipicam/internal/app"
	"kipicam/internal/config"
	"kipicam/internal/logging"
)

func main() {
	// コマンドラインオプション
	var (
		configPath = flag.String("config", "", "設定ファイルのパス (デフォルト: config.yaml)")
		host       = flag.String("host", "", "サーバーのホスト (デフォルト: 0.0.0.0)")
		port       = flag.Int("port", 0, "サーバーのポート (デフォルト: 8080)")
		driver     = flag.String("driver", "", "カメラドライバ rpicam または mock")
		help       = flag.Bool("help", false, "ヘルプを表示")
	)

	flag.Parse()

	// ヘルプ表示
	if *help {
		fmt.Println("kipicam")
		fmt.Println()
		fmt.Println("使用方法:")
		fmt.Println("  server [オプション]")
		fmt.Println()
		fmt.Println("オプション:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	// 設定を読み込む
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("設定の読み込みに失敗しました")
	}

	// コマンドラインオプションで設定を上書き
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *driver != "" {
		cfg.Camera.Driver = *driver
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("設定が不正です")
	}

	logging.Setup(cfg.Log.Level, cfg.Log.Format)

	ctx := context.Background()

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("起動に失敗しました")
	}

	log.Info().Str("addr", cfg.ServerAddress()).Str("driver", cfg.Camera.Driver).Msg("kipicam サーバーを起動します")
	if err := a.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("サーバーの起動に失敗しました")
	}
}

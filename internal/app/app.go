// Package app は設定からカメラ操作パネルの全コンポーネントを組み立てる
package app

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"kipicam/internal/camera"
	"kipicam/internal/config"
	"kipicam/internal/describe"
	"kipicam/internal/events"
	"kipicam/internal/logging"
	"kipicam/internal/panel"
	"kipicam/internal/photo"
	"kipicam/internal/server"
	"kipicam/internal/settings"
	"kipicam/internal/timelapse"
)

// App は組み立て済みのサービスとHTTPサーバー
type App struct {
	svc *panel.Service
	srv *server.Server
	log zerolog.Logger
}

// New は設定に従ってデバイスを開き、各サービスを組み立てる
// 設定ドキュメントが読めない、カメラが使えないなどの場合はエラーを返す
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	logger := logging.Component("app")

	creator, err := camera.NewDeviceCreator(cfg.Camera.Driver, camera.RpicamConfig{
		Index:        cfg.Camera.Index,
		VidCommand:   cfg.Camera.VidCommand,
		StillCommand: cfg.Camera.StillCommand,
		HelloCommand: cfg.Camera.HelloCommand,
		StillTimeout: cfg.Camera.StillTimeout,
	}, cfg.Camera.MockFPS, logging.Component("camera"))
	if err != nil {
		return nil, err
	}

	device, err := creator.CreateDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("カメラデバイスを開けません: %w", err)
	}

	a, err := assemble(ctx, cfg, device, logger)
	if err != nil {
		_ = device.Close()
		return nil, err
	}
	return a, nil
}

func assemble(ctx context.Context, cfg *config.Config, device camera.Device, logger zerolog.Logger) (*App, error) {
	ctrl := camera.NewController(device, camera.Delays{
		Start: cfg.Camera.StartSettle,
		Stop:  cfg.Camera.StopSettle,
		Live:  cfg.Camera.LiveSettle,
	}, logging.Component("controller"))

	catalog, err := camera.LoadModuleCatalog(cfg.Paths.ModuleInfoFile)
	if err != nil {
		return nil, err
	}
	if catalog.Len() == 0 {
		logger.Warn().Str("path", cfg.Paths.ModuleInfoFile).Msg("カメラモジュール情報がありません")
	}

	store, err := settings.Load(cfg.Paths.SettingsFile, device.Controls(), logging.Component("settings"))
	if err != nil {
		return nil, err
	}

	photos, err := photo.NewService(ctrl, cfg.Paths.GalleryDir, cfg.Paths.GalleryURL, logging.Component("photo"))
	if err != nil {
		return nil, err
	}

	describer := describe.NewService(
		describe.NewOpenAIDescriber(describe.OpenAIConfig{
			APIKey:  cfg.Vision.APIKey,
			BaseURL: cfg.Vision.BaseURL,
			Model:   cfg.Vision.Model,
			Timeout: cfg.Vision.Timeout,
		}),
		photos, cfg.Vision.Prompt, cfg.Vision.MaxTokens, logging.Component("describe"))
	if cfg.Vision.APIKey == "" {
		logger.Warn().Msg("OPENAI_API_KEY が未設定のため画像の説明は失敗します")
	}

	if err := os.MkdirAll(cfg.Timelapse.Dir, 0755); err != nil {
		return nil, fmt.Errorf("タイムラプスディレクトリの作成に失敗: %w", err)
	}
	recorder := timelapse.NewManager(ctrl, cfg.Timelapse.Dir, cfg.Timelapse.URL, timelapse.Config{
		Interval: cfg.Timelapse.Interval,
		FPS:      cfg.Timelapse.FPS,
		Quality:  cfg.Timelapse.Quality,
	}, logging.Component("timelapse"))
	if err := recorder.CheckFFmpeg(ctx); err != nil {
		logger.Warn().Err(err).Msg("タイムラプス動画を作成できません")
	}

	eventsLog := logging.Component("events")
	pub, err := events.NewPublisher(events.Config{
		URL:      cfg.Events.URL,
		Prefix:   cfg.Events.Prefix,
		ClientID: cfg.Events.ClientID,
	}, eventsLog)
	if err != nil {
		return nil, err
	}

	svc := panel.New(panel.Deps{
		Controller: ctrl,
		Store:      store,
		Photos:     photos,
		Describer:  describer,
		Timelapse:  recorder,
		Notifier:   events.NewNotifier(pub, eventsLog),
		Catalog:    catalog,
		Logger:     logging.Component("panel"),
	})

	srv, err := server.NewGin(cfg, svc)
	if err != nil {
		_ = pub.Close()
		return nil, err
	}

	return &App{svc: svc, srv: srv, log: logger}, nil
}

// Run はストリームを開始し、HTTPサーバーが止まるまでブロックする
// 終了時にはデバイスを解放する
func (a *App) Run(ctx context.Context) error {
	if err := a.svc.Start(ctx); err != nil {
		_ = a.svc.Shutdown(context.Background())
		return fmt.Errorf("ストリームの開始に失敗: %w", err)
	}

	serveErr := a.srv.Start(ctx)

	if err := a.svc.Shutdown(context.Background()); err != nil {
		a.log.Error().Err(err).Msg("カメラの停止に失敗")
	}
	return serveErr
}

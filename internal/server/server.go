package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"kipicam/internal/config"
	"kipicam/internal/generated"
	"kipicam/internal/logging"
	"kipicam/internal/panel"
)

// shutdownTimeout はグレースフルシャットダウンの待ち時間
const shutdownTimeout = 5 * time.Second

// Server はHTTPサーバーを管理する構造体
type Server struct {
	config     *config.Config
	router     *gin.Engine
	httpServer *http.Server
	log        zerolog.Logger
}

// NewGin は gin のルーターを組み立てて Server を作成する
func NewGin(cfg *config.Config, svc *panel.Service) (*Server, error) {
	router := gin.New()
	router.Use(RequestID(), AccessLog(), Recovery(), CORS())

	swagger, err := generated.GetSwagger()
	if err != nil {
		return nil, err
	}
	validator, err := OpenAPIValidator(swagger)
	if err != nil {
		return nil, err
	}

	// 撮影画像とタイムラプス動画
	router.Static(cfg.Paths.GalleryURL, cfg.Paths.GalleryDir)
	router.Static(cfg.Timelapse.URL, cfg.Timelapse.Dir)

	assets, err := GetAssetsFS()
	if err != nil {
		return nil, err
	}
	router.StaticFS("/assets", assets)

	handler := NewPanelHandler(svc)
	generated.RegisterHandlersWithOptions(router, handler, generated.GinServerOptions{
		Middlewares: []generated.MiddlewareFunc{validator},
		ErrorHandler: func(c *gin.Context, err error, statusCode int) {
			kind := "contract"
			c.JSON(statusCode, generated.ErrorResponse{Success: false, Message: err.Error(), ErrorKind: &kind})
		},
	})

	return &Server{
		config: cfg,
		router: router,
		httpServer: &http.Server{
			Addr:         cfg.ServerAddress(),
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
		log: logging.Component("server"),
	}, nil
}

// Handler はルーターを返す
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start はサーバーを起動する
// ctx の終了か SIGINT/SIGTERM でグレースフルにシャットダウンする
func (s *Server) Start(ctx context.Context) error {
	// シャットダウン用のチャンネル
	shutdownCh := make(chan error, 1)

	// サーバーを別ゴルーチンで起動
	go func() {
		s.log.Info().Str("addr", s.config.ServerAddress()).Msg("HTTPサーバーを起動しています")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			shutdownCh <- fmt.Errorf("サーバーの起動に失敗: %w", err)
		}
	}()

	// シグナルハンドリング
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	// コンテキストかシグナルを待つ
	select {
	case <-ctx.Done():
		s.log.Info().Msg("コンテキストがキャンセルされました")
	case sig := <-sigCh:
		s.log.Info().Str("signal", sig.String()).Msg("シグナルを受信しました")
	case err := <-shutdownCh:
		return err
	}

	// グレースフルシャットダウン
	return s.Shutdown()
}

// Shutdown はサーバーをグレースフルにシャットダウンする
// ストリーミング中の接続は待たずに閉じる
func (s *Server) Shutdown() error {
	s.log.Info().Msg("サーバーをシャットダウンしています...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			s.log.Warn().Msg("接続の終了を待たずにサーバーを閉じます")
			return s.httpServer.Close()
		}
		return fmt.Errorf("サーバーのシャットダウンに失敗: %w", err)
	}

	s.log.Info().Msg("サーバーが正常にシャットダウンされました")
	return nil
}

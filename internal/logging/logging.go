// Package logging は zerolog のセットアップと
// gin のリクエストコンテキストに紐づいたログ出力を提供します。
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// RequestIDKey は gin.Context にリクエストIDを保存するキー
const RequestIDKey = "request_id"

// StartTimeKey は gin.Context にリクエスト開始時刻を保存するキー
const StartTimeKey = "start_time"

// Setup はグローバルロガーを設定する
// format が "json" 以外の場合はコンソール出力になる
func Setup(level, format string) {
	zerolog.TimeFieldFormat = time.RFC3339

	var out io.Writer = os.Stderr
	if !strings.EqualFold(format, "json") {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger()

	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		log.Warn().Str("level", level).Msg("不明なログレベルのため info を使用します")
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

// Component はコンポーネント名付きのロガーを返す
func Component(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}

func withGinContext(c *gin.Context, e *zerolog.Event) *zerolog.Event {
	if c == nil {
		return e
	}
	if v, ok := c.Get(RequestIDKey); ok {
		if s, ok2 := v.(string); ok2 && s != "" {
			e.Str("request_id", s)
		}
	}
	if v, ok := c.Get(StartTimeKey); ok {
		if t, ok2 := v.(time.Time); ok2 {
			e.Dur("duration", time.Since(t))
		}
	}
	return e
}

func Info(c *gin.Context) *zerolog.Event  { return withGinContext(c, log.Info()) }
func Debug(c *gin.Context) *zerolog.Event { return withGinContext(c, log.Debug()) }
func Warn(c *gin.Context) *zerolog.Event  { return withGinContext(c, log.Warn()) }
func Error(c *gin.Context) *zerolog.Event { return withGinContext(c, log.Error()) }

// Package events パネルで起きた出来事をメッセージブローカーに通知する
//
// URL のスキームで NATS と MQTT を切り替える。URL が空なら何もしない
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog"
)

// Type はイベントの種類
type Type string

// Type の定数定義
const (
	PhotoCaptured   Type = "photo.captured"
	PhotoDescribed  Type = "photo.described"
	StreamRestarted Type = "stream.restarted"
	SettingsSaved   Type = "settings.saved"
)

// Event は通知する出来事
type Event struct {
	Type Type           `json:"type"`
	At   time.Time      `json:"at"`
	Data map[string]any `json:"data,omitempty"`
}

// New は現在時刻のイベントを作る
func New(t Type, data map[string]any) Event {
	return Event{Type: t, At: time.Now(), Data: data}
}

// Publisher はイベントを送るもの
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Config はイベント通知の設定
type Config struct {
	URL      string // nats://, mqtt://, tcp://, ssl://
	Prefix   string // subject / topic の接頭辞
	ClientID string
}

// NewPublisher は URL のスキームに応じた Publisher を作る
func NewPublisher(cfg Config, logger zerolog.Logger) (Publisher, error) {
	if cfg.URL == "" {
		return Noop{}, nil
	}

	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("イベントURLの解析に失敗: %w", err)
	}

	switch u.Scheme {
	case "nats", "tls":
		return NewNATSPublisher(cfg, logger)
	case "mqtt", "tcp", "ssl", "ws", "wss":
		return NewMQTTPublisher(cfg, u, logger)
	default:
		return nil, fmt.Errorf("サポートされていないイベントURLのスキーム: %s", u.Scheme)
	}
}

// Noop は何もしない Publisher
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }
func (Noop) Close() error                         { return nil }

// encode はイベントを JSON にする
func encode(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("イベントのエンコードに失敗: %w", err)
	}
	return data, nil
}

// Notifier は失敗をログに出すだけで呼び出し元に返さない
type Notifier struct {
	pub Publisher
	log zerolog.Logger
}

// NewNotifier は Notifier を作成する
func NewNotifier(pub Publisher, logger zerolog.Logger) *Notifier {
	if pub == nil {
		pub = Noop{}
	}
	return &Notifier{pub: pub, log: logger}
}

// Notify はイベントを送る
func (n *Notifier) Notify(ctx context.Context, t Type, data map[string]any) {
	ev := New(t, data)
	if err := n.pub.Publish(ctx, ev); err != nil {
		n.log.Warn().Err(err).Str("type", string(t)).Msg("イベントの送信に失敗")
		return
	}
	n.log.Debug().Str("type", string(t)).Msg("イベントを送信しました")
}

// Close は Publisher を閉じる
func (n *Notifier) Close() error {
	return n.pub.Close()
}

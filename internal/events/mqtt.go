package events

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

const mqttTimeout = 3 * time.Second

// MQTTPublisher は MQTT の topic <prefix>/<type> に送る
type MQTTPublisher struct {
	client mqtt.Client
	prefix string
}

// NewMQTTPublisher は MQTT ブローカーに接続する
// URL のユーザー情報を認証に使う
func NewMQTTPublisher(cfg Config, u *url.URL, logger zerolog.Logger) (*MQTTPublisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(u))
	if u.User != nil {
		opts.SetUsername(u.User.Username())
		password, _ := u.User.Password()
		opts.SetPassword(password)
	}
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(mqttTimeout)
	opts.OnConnect = func(mqtt.Client) {
		logger.Info().Str("broker", u.Host).Msg("MQTT ブローカーに接続しました")
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn().Err(err).Msg("MQTT ブローカーとの接続が切れました")
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttTimeout) {
		client.Disconnect(0)
		return nil, fmt.Errorf("MQTT ブローカーへの接続がタイムアウトしました: %s", u.Host)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("MQTT ブローカーへの接続に失敗: %w", err)
	}

	return &MQTTPublisher{client: client, prefix: cfg.Prefix}, nil
}

// Publish はイベントを QoS 0 で送る
func (p *MQTTPublisher) Publish(ctx context.Context, ev Event) error {
	payload, err := encode(ev)
	if err != nil {
		return err
	}

	token := p.client.Publish(mqttTopic(p.prefix, ev.Type), 0, false, payload)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(mqttTimeout):
		return fmt.Errorf("MQTT の送信がタイムアウトしました")
	}
}

// Close は切断する
func (p *MQTTPublisher) Close() error {
	p.client.Disconnect(250)
	return nil
}

// brokerURL は mqtt:// を paho が扱える tcp:// に置き換える
func brokerURL(u *url.URL) string {
	scheme := u.Scheme
	if scheme == "mqtt" {
		scheme = "tcp"
	}
	return fmt.Sprintf("%s://%s", scheme, u.Host)
}

func mqttTopic(prefix string, t Type) string {
	topic := strings.ReplaceAll(string(t), ".", "/")
	if prefix == "" {
		return topic
	}
	return strings.TrimRight(prefix, "/") + "/" + topic
}

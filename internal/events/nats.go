package events

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSPublisher は NATS の subject <prefix>.<type> に送る
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
}

// NewNATSPublisher は NATS に接続する
func NewNATSPublisher(cfg Config, logger zerolog.Logger) (*NATSPublisher, error) {
	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.Timeout(5 * time.Second),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("NATS から切断されました")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS に再接続しました")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, err
	}

	logger.Info().Str("url", cfg.URL).Msg("NATS に接続しました")
	return &NATSPublisher{conn: conn, prefix: cfg.Prefix}, nil
}

// Publish はイベントを JSON で送る
func (p *NATSPublisher) Publish(_ context.Context, ev Event) error {
	payload, err := encode(ev)
	if err != nil {
		return err
	}
	return p.conn.Publish(natsSubject(p.prefix, ev.Type), payload)
}

// Close は未送信のメッセージを送ってから切断する
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}

func natsSubject(prefix string, t Type) string {
	if prefix == "" {
		return string(t)
	}
	return prefix + "." + string(t)
}

package events

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type recordingPublisher struct {
	events []Event
	err    error
}

func (r *recordingPublisher) Publish(_ context.Context, ev Event) error {
	r.events = append(r.events, ev)
	return r.err
}

func (r *recordingPublisher) Close() error { return nil }

func TestNewPublisher(t *testing.T) {
	t.Run("URLなしはNoop", func(t *testing.T) {
		pub, err := NewPublisher(Config{}, zerolog.Nop())
		if err != nil {
			t.Fatalf("NewPublisher failed: %v", err)
		}
		if _, ok := pub.(Noop); !ok {
			t.Errorf("Expected Noop publisher, got %T", pub)
		}
		if err := pub.Publish(context.Background(), New(PhotoCaptured, nil)); err != nil {
			t.Errorf("Noop publish failed: %v", err)
		}
	})

	t.Run("未対応のスキーム", func(t *testing.T) {
		if _, err := NewPublisher(Config{URL: "amqp://localhost"}, zerolog.Nop()); err == nil {
			t.Error("Expected error for unsupported scheme")
		}
	})
}

func TestSubjects(t *testing.T) {
	tests := []struct {
		prefix string
		nats   string
		mqtt   string
	}{
		{prefix: "kipicam", nats: "kipicam.photo.captured", mqtt: "kipicam/photo/captured"},
		{prefix: "home/cam/", nats: "home/cam/.photo.captured", mqtt: "home/cam/photo/captured"},
		{prefix: "", nats: "photo.captured", mqtt: "photo/captured"},
	}
	for _, tt := range tests {
		if got := natsSubject(tt.prefix, PhotoCaptured); got != tt.nats {
			t.Errorf("natsSubject(%q) = %q, want %q", tt.prefix, got, tt.nats)
		}
		if got := mqttTopic(tt.prefix, PhotoCaptured); got != tt.mqtt {
			t.Errorf("mqttTopic(%q) = %q, want %q", tt.prefix, got, tt.mqtt)
		}
	}
}

func TestBrokerURL(t *testing.T) {
	tests := map[string]string{
		"mqtt://user:pw@broker.local:1883": "tcp://broker.local:1883",
		"ssl://broker.local:8883":          "ssl://broker.local:8883",
		"tcp://127.0.0.1:1883":             "tcp://127.0.0.1:1883",
	}
	for raw, want := range tests {
		u, err := url.Parse(raw)
		if err != nil {
			t.Fatalf("url.Parse(%q) failed: %v", raw, err)
		}
		if got := brokerURL(u); got != want {
			t.Errorf("brokerURL(%q) = %q, want %q", raw, got, want)
		}
	}
}

func TestEncode(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	data, err := encode(Event{Type: PhotoCaptured, At: at, Data: map[string]any{"id": "pimage_1"}})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if decoded["type"] != "photo.captured" || decoded["at"] != "2024-05-01T12:00:00Z" {
		t.Errorf("Unexpected payload %s", data)
	}
}

func TestNotifierSwallowsErrors(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("broker down")}
	n := NewNotifier(pub, zerolog.Nop())

	n.Notify(context.Background(), SettingsSaved, map[string]any{"path": "camera-settings.json"})

	if len(pub.events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(pub.events))
	}
	if pub.events[0].Type != SettingsSaved {
		t.Errorf("Unexpected event type %q", pub.events[0].Type)
	}
}

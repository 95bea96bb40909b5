// Package paneltest シミュレーションカメラで組み立てた panel.Service をテストに提供する
package paneltest

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"kipicam/internal/camera"
	"kipicam/internal/describe"
	"kipicam/internal/events"
	"kipicam/internal/panel"
	"kipicam/internal/photo"
	"kipicam/internal/settings"
	"kipicam/internal/timelapse"
)

// Document はテスト用の設定ドキュメント
// 解像度 0 が 64x48、1 が 32x24
const Document = `{
    "controls": {
        "Brightness": 0.0,
        "ExposureTime": 20000,
        "AeEnable": true
    },
    "rotation": {
        "hflip": 0,
        "vflip": 0
    },
    "sensor-mode": 1,
    "capture-settings": {
        "Resolution": 0,
        "available-resolutions": [[64, 48], [32, 24]],
        "makeRaw": false
    }
}`

// Delays はテスト用の短い安定待ち時間
var Delays = camera.Delays{
	Start: 30 * time.Millisecond,
	Stop:  5 * time.Millisecond,
	Live:  5 * time.Millisecond,
}

// Describer は固定の説明文を返す describe.Describer
type Describer struct {
	mu       sync.Mutex
	Text     string
	Err      error
	requests []describe.Request
}

func (d *Describer) Describe(_ context.Context, req describe.Request) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, req)
	return d.Text, d.Err
}

// Requests は受け取ったリクエスト数を返す
func (d *Describer) Requests() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.requests)
}

// Publisher は送られたイベントを記録する events.Publisher
type Publisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *Publisher) Publish(_ context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *Publisher) Close() error { return nil }

// Types は送られたイベントの種類を順に返す
func (p *Publisher) Types() []events.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	types := make([]events.Type, 0, len(p.events))
	for _, ev := range p.events {
		types = append(types, ev.Type)
	}
	return types
}

// Harness はテスト対象の Service とその部品
type Harness struct {
	Service    *panel.Service
	Device     *camera.SimulatedDevice
	Controller *camera.Controller
	Store      *settings.Store
	Photos     *photo.Service
	Describer  *Describer
	Events     *Publisher
	Dir        string
}

// Option は Harness の組み立てを変更する
type Option func(*camera.SimulatedOptions)

// WithStillPause は静止画撮影時にストリームを一時停止するデバイスにする
func WithStillPause() Option {
	return func(o *camera.SimulatedOptions) { o.PauseForStill = true }
}

// New はストリームを開始済みの Harness を作る
// テスト終了時に Shutdown する
func New(t testing.TB, opts ...Option) *Harness {
	t.Helper()

	simOpts := camera.DefaultSimulatedOptions()
	simOpts.FPS = 100
	simOpts.Properties.Model = "imx708"
	simOpts.Properties.PixelArraySize = camera.Size{Width: 64, Height: 48}
	for _, opt := range opts {
		opt(&simOpts)
	}

	dir := t.TempDir()
	settingsPath := filepath.Join(dir, "camera-config.json")
	if err := os.WriteFile(settingsPath, []byte(Document), 0644); err != nil {
		t.Fatalf("Failed to write settings document: %v", err)
	}

	logger := zerolog.Nop()
	device := camera.NewSimulatedDevice(simOpts)
	ctrl := camera.NewController(device, Delays, logger)

	store, err := settings.Load(settingsPath, device.Controls(), logger)
	if err != nil {
		t.Fatalf("settings.Load failed: %v", err)
	}

	photos, err := photo.NewService(ctrl, filepath.Join(dir, "gallery"), "/static/gallery", logger)
	if err != nil {
		t.Fatalf("photo.NewService failed: %v", err)
	}

	describer := &Describer{Text: "Eine Testaufnahme."}
	publisher := &Publisher{}

	svc := panel.New(panel.Deps{
		Controller: ctrl,
		Store:      store,
		Photos:     photos,
		Describer:  describe.NewService(describer, photos, "Beschreibe das Bild.", 100, logger),
		Timelapse: timelapse.NewManager(ctrl, filepath.Join(dir, "timelapse"), "/static/timelapse",
			timelapse.Config{Interval: 10 * time.Millisecond, FPS: 10, Quality: 3}, logger),
		Notifier: events.NewNotifier(publisher, logger),
		Catalog:  camera.NewModuleCatalog([]camera.ModuleInfo{{"sensor_model": "imx708", "module_name": "Camera Module 3"}}),
		Logger:   logger,
	})

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		_ = svc.Shutdown(context.Background())
	})

	return &Harness{
		Service:    svc,
		Device:     device,
		Controller: ctrl,
		Store:      store,
		Photos:     photos,
		Describer:  describer,
		Events:     publisher,
		Dir:        dir,
	}
}

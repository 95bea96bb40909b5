package panel_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"testing"

	"github.com/rs/zerolog"

	"kipicam/internal/camera"
	"kipicam/internal/describe"
	"kipicam/internal/events"
	"kipicam/internal/panel"
	"kipicam/internal/panel/paneltest"
	"kipicam/internal/settings"
	"kipicam/internal/timelapse"
)

func TestUpdateLiveSettings_LiveControl(t *testing.T) {
	h := paneltest.New(t)
	ctx := context.Background()
	before := h.Device.Calls()

	result, err := h.Service.UpdateLiveSettings(ctx, map[string]any{"Brightness": "0.4", "ExposureTime": 30000.9})
	if err != nil {
		t.Fatalf("UpdateLiveSettings failed: %v", err)
	}
	if result.Group != panel.GroupControls {
		t.Errorf("Expected controls group, got %q", result.Group)
	}
	live := result.Settings.(map[string]any)
	if live["Brightness"] != 0.4 || live["ExposureTime"] != 30000 {
		t.Errorf("Unexpected live settings %v", live)
	}

	// ライブ適用ではストリームを再起動しない
	after := h.Device.Calls()
	if after.Start != before.Start || after.Stop != before.Stop {
		t.Errorf("Expected no restart, calls before=%+v after=%+v", before, after)
	}
	if after.Controls != before.Controls+1 {
		t.Errorf("Expected one live apply, got %d", after.Controls-before.Controls)
	}
	applied := h.Device.AppliedControls()
	if applied["Brightness"] != 0.4 {
		t.Errorf("Expected device to receive Brightness, got %v", applied)
	}
	if h.Service.State() != camera.StateRunning {
		t.Errorf("Expected running, got %s", h.Service.State())
	}
}

func TestUpdateLiveSettings_ResolutionRestarts(t *testing.T) {
	h := paneltest.New(t)
	ctx := context.Background()
	oldSink := h.Service.Sink()
	before := h.Device.Calls()

	result, err := h.Service.UpdateLiveSettings(ctx, map[string]any{"Resolution": 1})
	if err != nil {
		t.Fatalf("UpdateLiveSettings failed: %v", err)
	}
	capture := result.Settings.(settings.CaptureSettings)
	if result.Group != panel.GroupCapture || capture.Resolution != 1 {
		t.Errorf("Unexpected result %+v", result)
	}

	after := h.Device.Calls()
	if after.Stop != before.Stop+1 || after.Configure != before.Configure+1 || after.Start != before.Start+1 {
		t.Errorf("Expected a full stop/configure/start cycle, before=%+v after=%+v", before, after)
	}
	if got := h.Device.LastPipeline().Size; got != (camera.Size{Width: 32, Height: 24}) {
		t.Errorf("Expected 32x24 pipeline, got %s", got)
	}
	if !oldSink.Closed() {
		t.Error("Expected the previous sink to be closed")
	}
	if _, ok := h.Service.Sink().Latest(); !ok {
		t.Error("Expected a frame on the new sink after restart")
	}

	// 同じ値でも再起動する
	if _, err := h.Service.UpdateLiveSettings(ctx, map[string]any{"Resolution": 1}); err != nil {
		t.Fatalf("UpdateLiveSettings failed: %v", err)
	}
	if got := h.Device.Calls().Start; got != after.Start+1 {
		t.Errorf("Expected restart for unchanged resolution, starts=%d", got)
	}

	if !slices.Contains(h.Events.Types(), events.StreamRestarted) {
		t.Errorf("Expected stream.restarted event, got %v", h.Events.Types())
	}
}

func TestUpdateLiveSettings_SensorModePersists(t *testing.T) {
	h := paneltest.New(t)

	result, err := h.Service.UpdateLiveSettings(context.Background(), map[string]any{"sensor_mode": 2, "Brightness": 0.2})
	if err != nil {
		t.Fatalf("UpdateLiveSettings failed: %v", err)
	}
	// sensor-mode が優先される
	if result.Group != panel.GroupSensorMode || result.Settings != 2 {
		t.Errorf("Unexpected result %+v", result)
	}
	if got := h.Device.LastPipeline().SensorMode; got != h.Device.SensorModes()[2] {
		t.Errorf("Expected sensor mode 2 in pipeline, got %+v", got)
	}
	if got := h.Device.LastPipeline().Controls["Brightness"]; got != 0.2 {
		t.Errorf("Expected live control carried into the restart, got %v", got)
	}

	// sensor-mode は即座に保存されるが、ライブコントロールは保存されない
	reloaded, err := settings.Load(h.Store.Path(), h.Device.Controls(), zerolog.Nop())
	if err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if reloaded.SensorMode() != 2 {
		t.Errorf("Expected persisted sensor mode 2, got %d", reloaded.SensorMode())
	}
	if reloaded.Live()["Brightness"] != 0.0 {
		t.Errorf("Expected Brightness unchanged on disk, got %v", reloaded.Live()["Brightness"])
	}
}

func TestUpdateLiveSettings_RejectsWithoutChange(t *testing.T) {
	tests := []struct {
		name string
		body map[string]any
	}{
		{name: "未知のキー", body: map[string]any{"Brightness": 0.5, "Bogus": 1}},
		{name: "解像度が範囲外", body: map[string]any{"Brightness": 0.5, "Resolution": 9}},
		{name: "センサーモードが範囲外", body: map[string]any{"makeRaw": true, "sensor_mode": 7}},
		{name: "空", body: map[string]any{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := paneltest.New(t)
			before := h.Store.Snapshot()
			calls := h.Device.Calls()

			_, err := h.Service.UpdateLiveSettings(context.Background(), tt.body)
			var verr *settings.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Expected ValidationError, got %v", err)
			}
			if !reflect.DeepEqual(before, h.Store.Snapshot()) {
				t.Error("Expected store to be unchanged")
			}
			if h.Device.Calls() != calls {
				t.Error("Expected no device calls")
			}
		})
	}
}

func TestUpdateLiveSettings_DeviceFailure(t *testing.T) {
	h := paneltest.New(t)
	h.Device.SetFailStart(camera.ErrDeviceBusy)

	_, err := h.Service.UpdateLiveSettings(context.Background(), map[string]any{"Resolution": 1})
	if !errors.Is(err, camera.ErrDeviceBusy) {
		t.Fatalf("Expected ErrDeviceBusy, got %v", err)
	}
	if camera.ErrorKind(err) != "device_busy" {
		t.Errorf("Unexpected error kind %q", camera.ErrorKind(err))
	}
	if h.Service.State() != camera.StateStopped {
		t.Errorf("Expected stopped after failure, got %s", h.Service.State())
	}

	// 修正後に同じ入口から再試行できる
	h.Device.SetFailStart(nil)
	if _, err := h.Service.UpdateLiveSettings(context.Background(), map[string]any{"Resolution": 1}); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if h.Service.State() != camera.StateRunning {
		t.Errorf("Expected running after retry, got %s", h.Service.State())
	}
}

func TestUpdateRestartSettings(t *testing.T) {
	h := paneltest.New(t)
	before := h.Device.Calls()

	rot, err := h.Service.UpdateRestartSettings(context.Background(), map[string]any{"hflip": 1, "vflip": 0})
	if err != nil {
		t.Fatalf("UpdateRestartSettings failed: %v", err)
	}
	if !rot.HFlip || rot.VFlip {
		t.Errorf("Unexpected rotation %+v", rot)
	}
	if got := h.Device.LastPipeline().Transform; !got.HFlip || got.VFlip {
		t.Errorf("Expected hflip in pipeline, got %+v", got)
	}
	if h.Device.Calls().Start != before.Start+1 {
		t.Error("Expected restart")
	}

	if _, err := h.Service.UpdateRestartSettings(context.Background(), map[string]any{"rotate": 180}); err == nil {
		t.Error("Expected error for unknown rotation key")
	}
	if !h.Store.Rotation().HFlip {
		t.Error("Expected rotation to be unchanged after rejection")
	}
}

func TestResetDefaults(t *testing.T) {
	h := paneltest.New(t)
	ctx := context.Background()
	if _, err := h.Service.UpdateLiveSettings(ctx, map[string]any{"Brightness": 0.9}); err != nil {
		t.Fatalf("UpdateLiveSettings failed: %v", err)
	}
	before := h.Device.Calls()

	live, rot, err := h.Service.ResetDefaults(ctx)
	if err != nil {
		t.Fatalf("ResetDefaults failed: %v", err)
	}
	if live["Brightness"] != 0.0 {
		t.Errorf("Expected Brightness reset to 0, got %v", live["Brightness"])
	}
	if rot != (settings.Rotation{}) {
		t.Errorf("Expected rotation cleared, got %+v", rot)
	}
	// 反転が元々無効でも再起動する
	if h.Device.Calls().Start != before.Start+1 {
		t.Error("Expected restart on reset")
	}
}

func TestSaveSettings(t *testing.T) {
	h := paneltest.New(t)
	ctx := context.Background()
	if _, err := h.Service.UpdateLiveSettings(ctx, map[string]any{"Contrast": 2.5, "makeRaw": true}); err != nil {
		t.Fatalf("UpdateLiveSettings failed: %v", err)
	}
	if err := h.Service.SaveSettings(ctx); err != nil {
		t.Fatalf("SaveSettings failed: %v", err)
	}

	reloaded, err := settings.Load(h.Store.Path(), h.Device.Controls(), zerolog.Nop())
	if err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if !reflect.DeepEqual(h.Store.Snapshot(), reloaded.Snapshot()) {
		t.Errorf("Snapshot mismatch after reload:\nbefore: %+v\nafter:  %+v", h.Store.Snapshot(), reloaded.Snapshot())
	}
	if !slices.Contains(h.Events.Types(), events.SettingsSaved) {
		t.Errorf("Expected settings.saved event, got %v", h.Events.Types())
	}

	// 保存先が消えていれば失敗を返す
	if err := os.Remove(h.Store.Path()); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	var perr *settings.PersistenceError
	if err := h.Service.SaveSettings(ctx); !errors.As(err, &perr) {
		t.Errorf("Expected PersistenceError, got %v", err)
	}
}

func TestCapturePhoto(t *testing.T) {
	tests := []struct {
		name    string
		makeRaw bool
		opts    []paneltest.Option
		dngs    int
	}{
		{name: "JPEGのみ", makeRaw: false, dngs: 0},
		{name: "RAWあり", makeRaw: true, dngs: 1},
		{name: "一時停止が必要なデバイス", makeRaw: false, opts: []paneltest.Option{paneltest.WithStillPause()}, dngs: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := paneltest.New(t, tt.opts...)
			ctx := context.Background()
			if _, err := h.Service.UpdateLiveSettings(ctx, map[string]any{"makeRaw": tt.makeRaw}); err != nil {
				t.Fatalf("UpdateLiveSettings failed: %v", err)
			}

			p, err := h.Service.CapturePhoto(ctx)
			if err != nil {
				t.Fatalf("CapturePhoto failed: %v", err)
			}
			if p.URL != "/static/gallery/"+p.ID+".jpg" {
				t.Errorf("Unexpected url %q", p.URL)
			}

			jpgs, _ := filepath.Glob(filepath.Join(h.Photos.Dir(), "*.jpg"))
			dngs, _ := filepath.Glob(filepath.Join(h.Photos.Dir(), "*.dng"))
			if len(jpgs) != 1 || len(dngs) != tt.dngs {
				t.Errorf("Expected 1 jpeg and %d raw files, got %d and %d", tt.dngs, len(jpgs), len(dngs))
			}
			if h.Service.State() != camera.StateRunning {
				t.Errorf("Expected stream running after capture, got %s", h.Service.State())
			}
			if !slices.Contains(h.Events.Types(), events.PhotoCaptured) {
				t.Errorf("Expected photo.captured event, got %v", h.Events.Types())
			}
		})
	}
}

func TestCapturePhotoFailure(t *testing.T) {
	h := paneltest.New(t)
	h.Device.SetFailStill(camera.ErrDeviceIO)

	_, err := h.Service.CapturePhoto(context.Background())
	if !errors.Is(err, camera.ErrDeviceIO) {
		t.Fatalf("Expected ErrDeviceIO, got %v", err)
	}
	if _, ok := h.Photos.Last(); ok {
		t.Error("Expected no last photo after failure")
	}
}

func TestDescribe(t *testing.T) {
	h := paneltest.New(t)
	ctx := context.Background()

	// 撮影前は失敗するがパニックしない
	if _, err := h.Service.DescribeLatest(ctx); !errors.Is(err, describe.ErrNoPhoto) {
		t.Fatalf("Expected ErrNoPhoto, got %v", err)
	}

	p, err := h.Service.CapturePhoto(ctx)
	if err != nil {
		t.Fatalf("CapturePhoto failed: %v", err)
	}
	result, err := h.Service.DescribeLatest(ctx)
	if err != nil {
		t.Fatalf("DescribeLatest failed: %v", err)
	}
	if result.PhotoID != p.ID || result.Text != "Eine Testaufnahme." {
		t.Errorf("Unexpected result %+v", result)
	}

	byID, err := h.Service.DescribePhoto(ctx, p.ID)
	if err != nil {
		t.Fatalf("DescribePhoto failed: %v", err)
	}
	if byID.PhotoID != p.ID {
		t.Errorf("Unexpected photo id %q", byID.PhotoID)
	}

	h.Describer.Err = errors.New("rate limit exceeded")
	_, err = h.Service.DescribeLatest(ctx)
	var rerr *describe.RemoteServiceError
	if !errors.As(err, &rerr) || err.Error() != "rate limit exceeded" {
		t.Errorf("Expected RemoteServiceError with verbatim message, got %v", err)
	}

	if got := h.Describer.Requests(); got != 3 {
		t.Errorf("Expected 3 remote calls, got %d", got)
	}
}

func TestStatus(t *testing.T) {
	h := paneltest.New(t)

	status := h.Service.Status()
	if status.State != "running" {
		t.Errorf("Expected running, got %q", status.State)
	}
	if status.Pipeline.Size != (camera.Size{Width: 64, Height: 48}) {
		t.Errorf("Unexpected pipeline %+v", status.Pipeline)
	}
	if len(status.SensorModes) != 3 {
		t.Errorf("Expected 3 sensor modes, got %d", len(status.SensorModes))
	}
	if status.Module["module_name"] != "Camera Module 3" {
		t.Errorf("Expected module info lookup, got %v", status.Module)
	}
	if status.Timelapse == nil || status.Timelapse.Recording {
		t.Errorf("Unexpected timelapse status %+v", status.Timelapse)
	}
}

func TestTimelapse(t *testing.T) {
	h := paneltest.New(t)
	ctx := context.Background()

	status, err := h.Service.StartTimelapse(ctx)
	if err != nil {
		t.Fatalf("StartTimelapse failed: %v", err)
	}
	if !status.Recording {
		t.Error("Expected recording")
	}
	if _, err := h.Service.StartTimelapse(ctx); !errors.Is(err, timelapse.ErrAlreadyRecording) {
		t.Errorf("Expected ErrAlreadyRecording, got %v", err)
	}

	current, videos, err := h.Service.TimelapseStatus()
	if err != nil {
		t.Fatalf("TimelapseStatus failed: %v", err)
	}
	if !current.Recording || len(videos) != 0 {
		t.Errorf("Unexpected status %+v, videos %v", current, videos)
	}
}

package camera

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"maps"
	"sync"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// SimulatedOptions はシミュレーションデバイスの設定
type SimulatedOptions struct {
	FPS           int
	Properties    Properties
	Modes         []SensorMode
	Controls      map[string]ControlInfo
	PauseForStill bool // true なら録画中の静止画撮影に一時停止を要求する
}

// DefaultSimulatedOptions は imx708 相当のモード一覧を持つ設定を返す
func DefaultSimulatedOptions() SimulatedOptions {
	pixelArray := Size{Width: 2304, Height: 1296}
	return SimulatedOptions{
		FPS: 15,
		Properties: Properties{
			Model:          "mock",
			PixelArraySize: pixelArray,
			Location:       "simulated",
		},
		Modes: []SensorMode{
			{Format: "SRGGB10_CSI2P", Size: Size{Width: 1536, Height: 864}, BitDepth: 10, FPS: 120.13, Crop: "(768, 432)/3072x1728"},
			{Format: "SRGGB10_CSI2P", Size: Size{Width: 2304, Height: 1296}, BitDepth: 10, FPS: 56.03, Crop: "(0, 0)/4608x2592"},
			{Format: "SRGGB10_CSI2P", Size: Size{Width: 4608, Height: 2592}, BitDepth: 10, FPS: 14.35, Crop: "(0, 0)/4608x2592"},
		},
		Controls: libcameraControls(true, pixelArray),
	}
}

// SimulatedCalls はデバイス呼び出し回数
type SimulatedCalls struct {
	Configure int
	Start     int
	Stop      int
	Controls  int
	Still     int
}

// SimulatedDevice はテストパターンを生成するデバイス実装
// カメラのない開発環境とテストで使う
type SimulatedDevice struct {
	opts SimulatedOptions

	mu       sync.Mutex
	pipeline PipelineConfig
	controls map[string]any
	calls    SimulatedCalls
	stopCh   chan struct{}
	writer   FrameWriter
	wg       sync.WaitGroup

	// テスト制御用
	failConfigure error
	failStart     error
	failStill     error
	failControls  error
}

// NewSimulatedDevice は新しい SimulatedDevice を作成する
func NewSimulatedDevice(opts SimulatedOptions) *SimulatedDevice {
	if opts.FPS <= 0 {
		opts.FPS = 15
	}
	if opts.Controls == nil {
		opts.Controls = libcameraControls(true, opts.Properties.PixelArraySize)
	}
	return &SimulatedDevice{
		opts:     opts,
		controls: map[string]any{},
	}
}

func (d *SimulatedDevice) SensorModes() []SensorMode       { return d.opts.Modes }
func (d *SimulatedDevice) Controls() map[string]ControlInfo { return d.opts.Controls }
func (d *SimulatedDevice) Properties() Properties           { return d.opts.Properties }

// StillNeedsPause は設定に従う
func (d *SimulatedDevice) StillNeedsPause() bool { return d.opts.PauseForStill }

// Configure はパイプライン構成を保存する
func (d *SimulatedDevice) Configure(_ context.Context, cfg PipelineConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.calls.Configure++
	if d.failConfigure != nil {
		return d.failConfigure
	}
	if d.stopCh != nil {
		return ErrDeviceBusy
	}
	d.pipeline = cfg
	d.controls = maps.Clone(cfg.Controls)
	if d.controls == nil {
		d.controls = map[string]any{}
	}
	return nil
}

// StartRecording はテストパターンの生成を開始する
func (d *SimulatedDevice) StartRecording(_ context.Context, w FrameWriter) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.calls.Start++
	if d.failStart != nil {
		return d.failStart
	}
	if d.stopCh != nil {
		return ErrDeviceBusy
	}

	stopCh := make(chan struct{})
	d.stopCh = stopCh
	d.writer = w
	size := d.pipeline.Size
	interval := time.Second / time.Duration(d.opts.FPS)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var seq int
		for {
			// 最初のフレームは即座に出す
			seq++
			if frame, err := renderTestPattern(size, fmt.Sprintf("#%d %s", seq, time.Now().Format("15:04:05.000"))); err == nil {
				w.Publish(frame)
			}
			select {
			case <-stopCh:
				return
			case <-ticker.C:
			}
		}
	}()
	return nil
}

// StopRecording はテストパターンの生成を停止する
func (d *SimulatedDevice) StopRecording(_ context.Context) error {
	d.mu.Lock()
	d.calls.Stop++
	stopCh := d.stopCh
	d.stopCh = nil
	d.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
		d.wg.Wait()
	}
	return nil
}

// SetControls はコントロールを記録する
func (d *SimulatedDevice) SetControls(_ context.Context, controls map[string]any) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.calls.Controls++
	if d.failControls != nil {
		return d.failControls
	}
	maps.Copy(d.controls, controls)
	return nil
}

// CaptureStill はセンサーの全画素サイズでテストパターンを撮影する
func (d *SimulatedDevice) CaptureStill(_ context.Context, req StillRequest) (*Still, error) {
	d.mu.Lock()
	d.calls.Still++
	failStill := d.failStill
	recording := d.stopCh != nil
	d.mu.Unlock()

	if failStill != nil {
		return nil, failStill
	}
	if recording && d.opts.PauseForStill {
		return nil, ErrDeviceBusy
	}

	size := d.opts.Properties.PixelArraySize
	if !size.Valid() {
		size = Size{Width: 640, Height: 480}
	}
	data, err := renderTestPattern(size, "still "+time.Now().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceIO, err)
	}

	still := &Still{JPEG: data}
	if req.Raw {
		still.Raw = placeholderDNG(size)
	}
	return still, nil
}

// Close は録画中であれば停止する
func (d *SimulatedDevice) Close() error {
	return d.StopRecording(context.Background())
}

// Crash はテスト用にエンコーダーの異常終了を再現する
// フレームの生成を止めて書き込み先をクローズする
func (d *SimulatedDevice) Crash() {
	d.mu.Lock()
	stopCh, w := d.stopCh, d.writer
	d.stopCh = nil
	d.mu.Unlock()

	if stopCh == nil {
		return
	}
	close(stopCh)
	d.wg.Wait()
	w.Close()
}

// SetFailConfigure はテスト用に Configure の失敗を設定する
func (d *SimulatedDevice) SetFailConfigure(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failConfigure = err
}

// SetFailStart はテスト用に StartRecording の失敗を設定する
func (d *SimulatedDevice) SetFailStart(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failStart = err
}

// SetFailStill はテスト用に CaptureStill の失敗を設定する
func (d *SimulatedDevice) SetFailStill(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failStill = err
}

// SetFailControls はテスト用に SetControls の失敗を設定する
func (d *SimulatedDevice) SetFailControls(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failControls = err
}

// Calls は呼び出し回数を返す
func (d *SimulatedDevice) Calls() SimulatedCalls {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// LastPipeline は最後に Configure された構成を返す
func (d *SimulatedDevice) LastPipeline() PipelineConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pipeline
}

// AppliedControls は現在適用されているコントロールを返す
func (d *SimulatedDevice) AppliedControls() map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	return maps.Clone(d.controls)
}

// Recording は録画中かを返す
func (d *SimulatedDevice) Recording() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopCh != nil
}

// renderTestPattern はグラデーションとラベルの入った JPEG を生成する
func renderTestPattern(size Size, label string) ([]byte, error) {
	if !size.Valid() {
		return nil, fmt.Errorf("無効なサイズ: %s", size)
	}
	img := image.NewRGBA(image.Rect(0, 0, size.Width, size.Height))
	for y := 0; y < size.Height; y++ {
		for x := 0; x < size.Width; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8(x * 255 / size.Width),
				G: uint8(y * 255 / size.Height),
				B: 96,
				A: 255,
			})
		}
	}

	drawer := &font.Drawer{
		Dst:  img,
		Src:  image.White,
		Face: basicfont.Face7x13,
	}
	lines := []string{"kipicam " + size.String(), label}
	for i, line := range lines {
		drawer.Dot = fixed.P(10, 20+i*16)
		drawer.DrawString(line)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 75}); err != nil {
		return nil, fmt.Errorf("JPEGエンコードに失敗: %w", err)
	}
	return buf.Bytes(), nil
}

// placeholderDNG は TIFF ヘッダーと画像サイズだけを持つ代替の RAW データを返す
func placeholderDNG(size Size) []byte {
	buf := []byte{'I', 'I', 42, 0, 8, 0, 0, 0}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(size.Width))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(size.Height))
	return buf
}

var _ Device = (*SimulatedDevice)(nil)

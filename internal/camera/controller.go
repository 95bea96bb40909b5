package camera

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Delays はデバイス操作後の安定待ち時間
// 待機中もコントローラーのロックは保持したままになる
type Delays struct {
	Start time.Duration // 開始後、パイプラインが安定するまで
	Stop  time.Duration // 停止後、デバイスがアイドルになるまで
	Live  time.Duration // ライブ適用後、デバイスが反映するまで
}

// DefaultDelays は実機で経験的に必要な待ち時間を返す
func DefaultDelays() Delays {
	return Delays{
		Start: 1 * time.Second,
		Stop:  1 * time.Second,
		Live:  500 * time.Millisecond,
	}
}

// Controller はカメラデバイスを排他的に所有し、
// 開始・停止・再構成・静止画撮影を直列化するステートマシン
type Controller struct {
	mu     sync.Mutex // stop→configure→start の全体を保護する
	device Device
	delays Delays
	log    zerolog.Logger

	state atomic.Int32

	// 状態参照用（mu を待たずに読める）
	infoMu   sync.RWMutex
	sink     *FrameSink
	pipeline PipelineConfig
}

// NewController は新しい Controller を作成する
func NewController(device Device, delays Delays, logger zerolog.Logger) *Controller {
	c := &Controller{
		device: device,
		delays: delays,
		log:    logger,
		sink:   NewFrameSink(),
	}
	c.state.Store(int32(StateStopped))
	return c
}

// State は現在の状態を返す
func (c *Controller) State() State {
	return State(c.state.Load())
}

func (c *Controller) setState(s State) {
	prev := State(c.state.Swap(int32(s)))
	if prev != s {
		c.log.Debug().Str("from", prev.String()).Str("to", s.String()).Msg("状態遷移")
	}
}

// Sink は現在のフレームシンクを返す
// 開始のたびに新しいシンクに差し替わり、古いシンクはクローズされる
func (c *Controller) Sink() *FrameSink {
	c.infoMu.RLock()
	defer c.infoMu.RUnlock()
	return c.sink
}

// Pipeline は最後に適用したパイプライン構成を返す
func (c *Controller) Pipeline() PipelineConfig {
	c.infoMu.RLock()
	defer c.infoMu.RUnlock()
	p := c.pipeline
	p.Controls = maps.Clone(c.pipeline.Controls)
	return p
}

// SensorModes はデバイスが報告するセンサーモード一覧を返す
func (c *Controller) SensorModes() []SensorMode {
	return c.device.SensorModes()
}

// Controls はデバイスが公開するコントロール一覧を返す
func (c *Controller) Controls() map[string]ControlInfo {
	return c.device.Controls()
}

// Properties はデバイスの静的情報を返す
func (c *Controller) Properties() Properties {
	return c.device.Properties()
}

// Start は Stopped から Running へ遷移する
//
// デバイス操作は途中で中断しない。ctx のキャンセルは無視する
func (c *Controller) Start(ctx context.Context, cfg PipelineConfig) error {
	ctx = context.WithoutCancel(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()

	if s := c.State(); s != StateStopped {
		return &DeviceError{Op: "start", Kind: ErrDeviceBusy, Err: fmt.Errorf("現在の状態: %s", s)}
	}
	return c.startLocked(ctx, cfg)
}

// Stop は Running から Stopped へ遷移する
func (c *Controller) Stop(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopLocked(ctx)
}

// ApplyLiveControls はストリームを止めずにコントロールを適用する
// Running の間のみ有効で、成功しても状態は変わらない
// 失敗した場合はエンコーダーの状態が分からないため停止し、シンクをクローズする
func (c *Controller) ApplyLiveControls(ctx context.Context, controls map[string]any) error {
	ctx = context.WithoutCancel(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.State() != StateRunning {
		return &DeviceError{Op: "controls", Kind: ErrNotRunning}
	}

	if err := c.device.SetControls(ctx, controls); err != nil {
		if stopErr := c.stopLocked(ctx); stopErr != nil {
			c.log.Warn().Err(stopErr).Msg("コントロール適用失敗後の停止に失敗")
		}
		c.Sink().Close()
		return deviceError("controls", nil, err)
	}
	time.Sleep(c.delays.Live)

	c.infoMu.Lock()
	if c.pipeline.Controls == nil {
		c.pipeline.Controls = make(map[string]any, len(controls))
	}
	maps.Copy(c.pipeline.Controls, controls)
	c.infoMu.Unlock()

	c.log.Debug().Int("controls", len(controls)).Msg("コントロールをライブ適用しました")
	return nil
}

// Reconfigure はストリームを停止し、新しい構成で再開する
// 構成が前回と同じでも必ず停止→構成→開始を行う
// Stopped から呼ばれた場合は開始のみ行う
func (c *Controller) Reconfigure(ctx context.Context, cfg PipelineConfig) error {
	ctx = context.WithoutCancel(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.State()
	c.setState(StateReconfiguring)

	if prev == StateRunning {
		if err := c.device.StopRecording(ctx); err != nil {
			c.setState(StateStopped)
			c.Sink().Close()
			return deviceError("stop", nil, err)
		}
		time.Sleep(c.delays.Stop)
	}

	if err := c.startLocked(ctx, cfg); err != nil {
		return err
	}

	c.log.Info().
		Str("size", cfg.Size.String()).
		Str("sensor_mode", cfg.SensorMode.Size.String()).
		Bool("hflip", cfg.Transform.HFlip).
		Bool("vflip", cfg.Transform.VFlip).
		Msg("ストリームを再構成しました")
	return nil
}

// CaptureStill は静止画を撮影する
// デバイスが録画中の撮影に対応していない場合は、一時停止して撮影後に再開する
func (c *Controller) CaptureStill(ctx context.Context, raw bool) (*Still, error) {
	ctx = context.WithoutCancel(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()

	pause := false
	if p, ok := c.device.(StillPauser); ok && p.StillNeedsPause() && c.State() == StateRunning {
		pause = true
	}

	if pause {
		c.setState(StateReconfiguring)
		if err := c.device.StopRecording(ctx); err != nil {
			c.setState(StateStopped)
			c.Sink().Close()
			return nil, deviceError("stop", nil, err)
		}
		time.Sleep(c.delays.Stop)
	}

	still, stillErr := c.device.CaptureStill(ctx, StillRequest{Raw: raw})

	if pause {
		// 撮影の成否に関わらずストリームを再開する
		if err := c.startLocked(ctx, c.Pipeline()); err != nil {
			c.log.Error().
				Err(err).
				AnErr("still_error", stillErr).
				Msg("静止画撮影後のストリーム再開に失敗")
		}
	}

	if stillErr != nil {
		return nil, deviceError("still", nil, stillErr)
	}
	if still == nil || len(still.JPEG) == 0 {
		return nil, &DeviceError{Op: "still", Kind: ErrDeviceIO, Err: fmt.Errorf("空の画像が返されました")}
	}
	return still, nil
}

// Close はストリームを停止してデバイスを解放する
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	stopErr := c.stopLocked(ctx)
	c.Sink().Close()

	if err := c.device.Close(); err != nil {
		return fmt.Errorf("デバイスのクローズに失敗: %w", err)
	}
	return stopErr
}

// startLocked は構成を適用してエンコードを開始する。mu を保持して呼ぶ
// 失敗した場合は Stopped に戻り、現在のシンクで待っているコンシューマーを解放する
func (c *Controller) startLocked(ctx context.Context, cfg PipelineConfig) error {
	fail := func(err error) error {
		c.setState(StateStopped)
		c.Sink().Close()
		return err
	}

	if err := cfg.Validate(); err != nil {
		return fail(&DeviceError{Op: "configure", Kind: ErrInvalidConfig, Err: err})
	}

	if err := c.device.Configure(ctx, cfg); err != nil {
		return fail(deviceError("configure", nil, err))
	}

	sink := NewFrameSink()
	if err := c.device.StartRecording(ctx, sink); err != nil {
		sink.Close()
		return fail(deviceError("start", nil, err))
	}

	c.infoMu.Lock()
	old := c.sink
	c.sink = sink
	c.pipeline = cfg
	c.pipeline.Controls = maps.Clone(cfg.Controls)
	c.infoMu.Unlock()
	// 古いシンクで待っているコンシューマーを新しいシンクへ移す
	old.Close()

	c.setState(StateRunning)
	go c.watch(sink)
	time.Sleep(c.delays.Start)
	return nil
}

// watch はデバイスがシンクをクローズしたら Stopped に戻す
// 再起動や停止で差し替わったシンクは対象外
func (c *Controller) watch(sink *FrameSink) {
	<-sink.Done()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Sink() != sink || c.State() != StateRunning {
		return
	}

	c.log.Error().Msg("エンコーダーが停止したためストリームを停止しました")
	if err := c.device.StopRecording(context.Background()); err != nil {
		c.log.Warn().Err(err).Msg("停止したエンコーダーの後片付けに失敗")
	}
	c.setState(StateStopped)
}

// stopLocked はエンコードを停止する。mu を保持して呼ぶ
func (c *Controller) stopLocked(ctx context.Context) error {
	if c.State() == StateStopped {
		return nil
	}

	err := c.device.StopRecording(ctx)
	c.setState(StateStopped)
	if err != nil {
		return deviceError("stop", nil, err)
	}
	time.Sleep(c.delays.Stop)
	return nil
}

package camera

import (
	"bufio"
	"context"
	"fmt"
	"maps"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// RpicamConfig は rpicam-apps バックエンドの設定
type RpicamConfig struct {
	Index        int           // --camera 番号
	VidCommand   string        // rpicam-vid
	StillCommand string        // rpicam-still
	HelloCommand string        // rpicam-hello
	StillTimeout time.Duration // 静止画撮影のタイムアウト
}

// startupGrace はプロセス起動直後の異常終了を検出するための待ち時間
const startupGrace = 300 * time.Millisecond

// RpicamDevice は Raspberry Pi の rpicam-apps を使うデバイス実装
// ストリーミングは rpicam-vid の MJPEG 出力、静止画は rpicam-still で取得する
type RpicamDevice struct {
	cfg      RpicamConfig
	props    Properties
	modes    []SensorMode
	controls map[string]ControlInfo
	log      zerolog.Logger

	pipeline PipelineConfig
	live     map[string]any // SetControls で追加されたコントロール

	proc   *rpicamProcess
	writer FrameWriter
}

// rpicamProcess は起動中の rpicam-vid プロセス
type rpicamProcess struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	done   chan struct{}
	stderr *tailBuffer
	err    error // done の close 後に参照する

	stopping atomic.Bool // StopRecording による終了
}

// NewRpicamDevice はカメラを列挙し、指定番号のカメラのデバイスを作成する
func NewRpicamDevice(ctx context.Context, cfg RpicamConfig, logger zerolog.Logger) (*RpicamDevice, error) {
	cameras, err := ListCameras(ctx, cfg.HelloCommand)
	if err != nil {
		return nil, &DeviceError{Op: "open", Kind: ErrDeviceIO, Err: err}
	}

	for _, cam := range cameras {
		if cam.Index != cfg.Index {
			continue
		}
		d := &RpicamDevice{
			cfg:      cfg,
			props:    cam.Properties,
			modes:    cam.Modes,
			controls: libcameraControls(hasAutofocus(cam.Properties.Model), cam.Properties.PixelArraySize),
			log:      logger,
			live:     map[string]any{},
		}
		logger.Info().
			Str("model", cam.Properties.Model).
			Str("pixel_array", cam.Properties.PixelArraySize.String()).
			Int("modes", len(cam.Modes)).
			Msg("カメラを検出しました")
		return d, nil
	}

	return nil, &DeviceError{Op: "open", Kind: ErrDeviceIO, Err: fmt.Errorf("カメラ %d が見つかりません", cfg.Index)}
}

// hasAutofocus はオートフォーカス対応のセンサーかを返す
func hasAutofocus(model string) bool {
	return strings.HasPrefix(model, "imx708") || strings.HasPrefix(model, "imx519") || strings.HasPrefix(model, "arducam_64mp")
}

func (d *RpicamDevice) SensorModes() []SensorMode       { return d.modes }
func (d *RpicamDevice) Controls() map[string]ControlInfo { return d.controls }
func (d *RpicamDevice) Properties() Properties           { return d.props }

// StillNeedsPause は rpicam-still がカメラを占有するため常に true
func (d *RpicamDevice) StillNeedsPause() bool { return true }

// Configure はパイプライン構成を保存する。実際の適用はプロセス起動時に行う
func (d *RpicamDevice) Configure(_ context.Context, cfg PipelineConfig) error {
	if d.proc != nil {
		return &DeviceError{Op: "configure", Kind: ErrDeviceBusy, Err: fmt.Errorf("録画中は構成を変更できません")}
	}
	if cfg.SensorMode.Size.Valid() && !d.hasMode(cfg.SensorMode) {
		return &DeviceError{Op: "configure", Kind: ErrInvalidConfig, Err: fmt.Errorf("未対応のセンサーモード: %s", cfg.SensorMode.Size)}
	}
	d.pipeline = cfg
	d.live = maps.Clone(cfg.Controls)
	if d.live == nil {
		d.live = map[string]any{}
	}
	return nil
}

func (d *RpicamDevice) hasMode(m SensorMode) bool {
	for _, mode := range d.modes {
		if mode.Size == m.Size && mode.BitDepth == m.BitDepth {
			return true
		}
	}
	return false
}

// StartRecording は rpicam-vid を起動する
// プロセスの寿命は ctx ではなく StopRecording で管理する
func (d *RpicamDevice) StartRecording(ctx context.Context, w FrameWriter) error {
	if d.proc != nil {
		return &DeviceError{Op: "start", Kind: ErrDeviceBusy, Err: fmt.Errorf("既に録画中です")}
	}
	d.writer = w
	return d.spawn(ctx)
}

// StopRecording は rpicam-vid を停止する
func (d *RpicamDevice) StopRecording(ctx context.Context) error {
	if d.proc == nil {
		return nil
	}
	proc := d.proc
	d.proc = nil
	proc.stopping.Store(true)
	proc.cancel()

	select {
	case <-proc.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Second):
		return &DeviceError{Op: "stop", Kind: ErrDeviceIO, Err: fmt.Errorf("rpicam-vid の停止がタイムアウトしました")}
	}
}

// SetControls はコントロールを更新する
// rpicam-vid には実行中にコントロールを変える手段がないため、エンコーダーを再起動する
func (d *RpicamDevice) SetControls(ctx context.Context, controls map[string]any) error {
	maps.Copy(d.live, controls)
	if d.proc == nil {
		return &DeviceError{Op: "controls", Kind: ErrNotRunning}
	}
	if err := d.StopRecording(ctx); err != nil {
		return err
	}
	return d.spawn(ctx)
}

// CaptureStill は rpicam-still でフル解像度の静止画を撮影する
func (d *RpicamDevice) CaptureStill(ctx context.Context, req StillRequest) (*Still, error) {
	if d.proc != nil {
		return nil, &DeviceError{Op: "still", Kind: ErrDeviceBusy, Err: fmt.Errorf("録画中は撮影できません")}
	}

	dir, err := os.MkdirTemp("", "kipicam-still-")
	if err != nil {
		return nil, &DeviceError{Op: "still", Kind: ErrDeviceIO, Err: err}
	}
	defer func() {
		_ = os.RemoveAll(dir) // cleanup中のエラーは無視
	}()

	output := filepath.Join(dir, "still.jpg")
	timeout := d.cfg.StillTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	stillCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(stillCtx, d.cfg.StillCommand, d.stillArgs(output, req.Raw)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, &DeviceError{Op: "still", Kind: classifyOutput(string(out)), Err: fmt.Errorf("%w (output: %s)", err, lastLine(string(out)))}
	}

	still := &Still{}
	if still.JPEG, err = os.ReadFile(output); err != nil {
		return nil, &DeviceError{Op: "still", Kind: ErrDeviceIO, Err: err}
	}
	if req.Raw {
		if still.Raw, err = os.ReadFile(strings.TrimSuffix(output, ".jpg") + ".dng"); err != nil {
			return nil, &DeviceError{Op: "still", Kind: ErrDeviceIO, Err: err}
		}
	}
	return still, nil
}

// Close は録画中であれば停止する
func (d *RpicamDevice) Close() error {
	return d.StopRecording(context.Background())
}

// spawn は現在の構成で rpicam-vid を起動する
func (d *RpicamDevice) spawn(ctx context.Context) error {
	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, d.cfg.VidCommand, d.vidArgs()...)
	// SIGINT で終了させ、応答がなければ強制終了する
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = 2 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return &DeviceError{Op: "start", Kind: ErrDeviceIO, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return &DeviceError{Op: "start", Kind: ErrDeviceIO, Err: err}
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return &DeviceError{Op: "start", Kind: ErrDeviceIO, Err: fmt.Errorf("rpicam-vid の起動に失敗: %w", err)}
	}

	proc := &rpicamProcess{
		cmd:    cmd,
		cancel: cancel,
		done:   make(chan struct{}),
		stderr: newTailBuffer(20),
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			proc.stderr.Add(scanner.Text())
			d.log.Debug().Str("source", "rpicam-vid").Msg(scanner.Text())
		}
	}()
	go func() {
		defer readers.Done()
		if err := splitJPEG(stdout, d.writer); err != nil {
			d.log.Warn().Err(err).Msg("MJPEG ストリームの読み取りに失敗")
		}
	}()
	go func() {
		// Wait はパイプを閉じるので、stderr を読み切ってから呼ぶ
		readers.Wait()
		proc.err = cmd.Wait()
		close(proc.done)
	}()

	// 起動直後に終了した場合はエラーとして扱う
	select {
	case <-proc.done:
		cancel()
		msg := proc.stderr.String()
		return &DeviceError{Op: "start", Kind: classifyOutput(msg), Err: fmt.Errorf("rpicam-vid が終了しました: %v (%s)", proc.err, lastLine(msg))}
	case <-ctx.Done():
		cancel()
		<-proc.done
		return &DeviceError{Op: "start", Kind: ErrDeviceIO, Err: ctx.Err()}
	case <-time.After(startupGrace):
	}

	d.proc = proc
	go d.monitor(proc, d.writer)
	d.log.Debug().Strs("args", cmd.Args).Msg("rpicam-vid を起動しました")
	return nil
}

// monitor は StopRecording によらずに rpicam-vid が終了したら w をクローズする
func (d *RpicamDevice) monitor(proc *rpicamProcess, w FrameWriter) {
	<-proc.done
	if proc.stopping.Load() {
		return
	}
	d.log.Error().
		Err(proc.err).
		Str("stderr", lastLine(proc.stderr.String())).
		Msg("rpicam-vid が異常終了しました")
	w.Close()
}

// vidArgs は rpicam-vid の引数を組み立てる
func (d *RpicamDevice) vidArgs() []string {
	p := d.pipeline
	args := []string{
		"--camera", strconv.Itoa(d.cfg.Index),
		"--codec", "mjpeg",
		"--timeout", "0",
		"--nopreview",
		"--output", "-",
		"--width", strconv.Itoa(p.Size.Width),
		"--height", strconv.Itoa(p.Size.Height),
	}
	if p.SensorMode.Size.Valid() {
		args = append(args, "--mode", modeArg(p.SensorMode))
	}
	args = append(args, transformArgs(p.Transform)...)
	return append(args, controlArgs(d.live, d.props.PixelArraySize)...)
}

// stillArgs は rpicam-still の引数を組み立てる。解像度は指定せずセンサーの最大サイズで撮る
func (d *RpicamDevice) stillArgs(output string, raw bool) []string {
	args := []string{
		"--camera", strconv.Itoa(d.cfg.Index),
		"--nopreview",
		"--timeout", "1000",
		"--output", output,
	}
	if raw {
		args = append(args, "--raw")
	}
	args = append(args, transformArgs(d.pipeline.Transform)...)
	return append(args, controlArgs(d.live, d.props.PixelArraySize)...)
}

func modeArg(m SensorMode) string {
	depth := m.BitDepth
	if depth == 0 {
		depth = 10
	}
	return fmt.Sprintf("%d:%d:%d:P", m.Size.Width, m.Size.Height, depth)
}

func transformArgs(t Transform) []string {
	var args []string
	if t.HFlip {
		args = append(args, "--hflip")
	}
	if t.VFlip {
		args = append(args, "--vflip")
	}
	return args
}

// classifyOutput は rpicam-apps のエラー出力からエラーの種類を推定する
func classifyOutput(msg string) error {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "busy"), strings.Contains(lower, "failed to acquire"):
		return ErrDeviceBusy
	case strings.Contains(lower, "invalid"), strings.Contains(lower, "unsupported"), strings.Contains(lower, "no such mode"):
		return ErrInvalidConfig
	default:
		return ErrDeviceIO
	}
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// tailBuffer は直近 n 行を保持する
type tailBuffer struct {
	mu    sync.Mutex
	lines []string
	n     int
}

func newTailBuffer(n int) *tailBuffer {
	return &tailBuffer{n: n}
}

func (b *tailBuffer) Add(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, line)
	if len(b.lines) > b.n {
		b.lines = b.lines[len(b.lines)-b.n:]
	}
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Join(b.lines, "\n")
}

var _ Device = (*RpicamDevice)(nil)

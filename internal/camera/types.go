package camera

import (
	"context"
	"fmt"
)

// State はストリームコントローラーの状態
type State int32

// State の定数定義
const (
	StateStopped       State = iota // 停止中
	StateRunning                    // ストリーミング中
	StateReconfiguring              // 再構成中（一時的）
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	case StateReconfiguring:
		return "reconfiguring"
	default:
		return "unknown"
	}
}

// Size は画像サイズ
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

// Valid はサイズが正の値かを返す
func (s Size) Valid() bool {
	return s.Width > 0 && s.Height > 0
}

// SensorMode はセンサーが報告するハードウェアモード
type SensorMode struct {
	Format   string  `json:"format"`    // 例: SRGGB10_CSI2P
	Size     Size    `json:"size"`      // センサー出力サイズ
	BitDepth int     `json:"bit_depth"` // ビット深度
	FPS      float64 `json:"fps"`       // 最大フレームレート
	Crop     string  `json:"crop"`      // センサー上のクロップ領域
}

// ControlInfo はデバイスが公開するコントロールの範囲と既定値
// Default が nil のコントロールもある
type ControlInfo struct {
	Min     any `json:"min"`
	Max     any `json:"max"`
	Default any `json:"default"`
}

// Transform はパイプラインに適用する反転設定
type Transform struct {
	HFlip bool `json:"hflip"`
	VFlip bool `json:"vflip"`
}

// PipelineConfig はストリーミング開始時のパイプライン構成
type PipelineConfig struct {
	Size       Size           `json:"size"`        // エンコーダーの出力解像度
	SensorMode SensorMode     `json:"sensor_mode"` // 選択されたセンサーモード
	Transform  Transform      `json:"transform"`   // 反転
	Controls   map[string]any `json:"controls"`    // 開始時に適用するコントロール
}

// Validate はパイプライン構成の妥当性を検証する
func (p PipelineConfig) Validate() error {
	if !p.Size.Valid() {
		return fmt.Errorf("無効な出力解像度: %s", p.Size)
	}
	if p.SensorMode.Size.Width < 0 || p.SensorMode.Size.Height < 0 {
		return fmt.Errorf("無効なセンサーモードサイズ: %s", p.SensorMode.Size)
	}
	return nil
}

// Properties はデバイスの静的な情報
type Properties struct {
	Model          string `json:"model"`            // センサー型番 (例: imx708)
	PixelArraySize Size   `json:"pixel_array_size"` // 全画素サイズ
	Location       string `json:"location"`         // デバイスツリー上の位置
}

// StillRequest は静止画撮影の要求
type StillRequest struct {
	Raw bool // DNG も取得するか
}

// Still は撮影された静止画
type Still struct {
	JPEG []byte // 圧縮画像
	Raw  []byte // センサーネイティブ画像 (DNG)。要求しなかった場合は nil
}

// FrameWriter はエンコード済みフレームの書き込み先
type FrameWriter interface {
	Publish(frame []byte)
	// Close はエンコーダーが StopRecording によらず終了したときに呼ばれる
	Close()
}

// Device はカメラデバイスの抽象
// 呼び出し側（Controller）が排他制御を行う前提で、実装側はスレッドセーフである必要はない
type Device interface {
	// Configure はパイプライン構成を適用する。録画中は呼ばない
	Configure(ctx context.Context, cfg PipelineConfig) error
	// StartRecording は連続エンコードを開始し、フレームを w に書き込む
	// エンコードが異常終了した場合は w.Close を呼ぶ
	StartRecording(ctx context.Context, w FrameWriter) error
	// StopRecording は連続エンコードを停止する
	StopRecording(ctx context.Context) error
	// SetControls は録画中のパイプラインにコントロールを適用する
	SetControls(ctx context.Context, controls map[string]any) error
	// CaptureStill はフル解像度の静止画を撮影する
	CaptureStill(ctx context.Context, req StillRequest) (*Still, error)

	SensorModes() []SensorMode
	Controls() map[string]ControlInfo
	Properties() Properties

	Close() error
}

// StillPauser は録画中に静止画を撮影できないデバイスが実装する
type StillPauser interface {
	StillNeedsPause() bool
}

package timelapse

import (
	"errors"
	"time"

	"kipicam/internal/camera"
)

// ErrAlreadyRecording は録画中に開始しようとしたことを表す
var ErrAlreadyRecording = errors.New("タイムラプスは既に録画中です")

// ErrNotRecording は録画していないのに停止しようとしたことを表す
var ErrNotRecording = errors.New("タイムラプスは録画していません")

// ErrNoFrames はフレームが1枚も撮れなかったことを表す
var ErrNoFrames = errors.New("タイムラプスのフレームがありません")

// FrameSource は現在のフレームシンクを返すもの
// ストリームが再起動するとシンクが入れ替わるため、毎回問い合わせる
type FrameSource interface {
	Sink() *camera.FrameSink
}

// Config はタイムラプス設定
type Config struct {
	Interval time.Duration `json:"interval"` // 撮影間隔 (デフォルト: 2秒)
	FPS      int           `json:"fps"`      // 出力動画のフレームレート
	Quality  int           `json:"quality"`  // 動画品質 (1-5)
}

// DefaultConfig はデフォルトのタイムラプス設定を返す
func DefaultConfig() Config {
	return Config{
		Interval: 2 * time.Second,
		FPS:      30,
		Quality:  3,
	}
}

// Video はタイムラプス動画情報
type Video struct {
	Name     string    `json:"name"`      // ファイル名
	URL      string    `json:"url"`       // 公開URL
	FilePath string    `json:"-"`         // ファイルパス
	FileSize int64     `json:"file_size"` // ファイルサイズ
	Date     time.Time `json:"date"`      // 作成日時
}

// StatusInfo はタイムラプスの状態
type StatusInfo struct {
	Recording   bool      `json:"recording"`
	SessionID   string    `json:"session_id,omitempty"`
	Frames      int       `json:"frames"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	LastFrameAt time.Time `json:"last_frame_at,omitzero"`
	Interval    string    `json:"interval"`
	TotalVideos int       `json:"total_videos"`
	StorageUsed int64     `json:"storage_used"`
	LastVideo   string    `json:"last_video,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

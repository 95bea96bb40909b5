package timelapse

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"kipicam/internal/camera"
)

// Capture は1回の録画セッションで最新フレームを一定間隔で保存する
type Capture struct {
	id       string
	dir      string // セッションのフレーム保存先
	interval time.Duration
	source   FrameSource
	log      zerolog.Logger

	// 制御用
	stopCh chan struct{}
	wg     sync.WaitGroup
	mu     sync.RWMutex

	frames    []string
	lastSink  *camera.FrameSink
	lastSeq   uint64
	startedAt time.Time
	lastFrame time.Time
}

// NewCapture は新しい Capture を作成する
func NewCapture(id, dir string, interval time.Duration, source FrameSource, logger zerolog.Logger) *Capture {
	return &Capture{
		id:       id,
		dir:      dir,
		interval: interval,
		source:   source,
		log:      logger,
		stopCh:   make(chan struct{}),
	}
}

// Start はフレームの保存を開始する
func (c *Capture) Start() error {
	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return fmt.Errorf("セッションディレクトリの作成に失敗: %w", err)
	}

	c.mu.Lock()
	c.startedAt = time.Now()
	c.mu.Unlock()

	c.wg.Add(1)
	go c.captureFrames()

	c.log.Info().Str("session", c.id).Dur("interval", c.interval).Msg("タイムラプスの撮影を開始")
	return nil
}

// Stop は撮影を止め、保存したフレームのパスを返す
func (c *Capture) Stop() []string {
	close(c.stopCh)
	c.wg.Wait()

	c.mu.RLock()
	defer c.mu.RUnlock()
	c.log.Info().Str("session", c.id).Int("frames", len(c.frames)).Msg("タイムラプスの撮影を停止")
	return append([]string(nil), c.frames...)
}

// captureFrames はフレームを定期的に保存する
func (c *Capture) captureFrames() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if err := c.captureFrame(); err != nil {
				c.log.Warn().Err(err).Str("session", c.id).Msg("タイムラプスのフレーム保存に失敗")
			}
		}
	}
}

// captureFrame は最新フレームを1枚保存する
// 前回と同じフレーム（ストリーム停止中など）は保存しない
func (c *Capture) captureFrame() error {
	sink := c.source.Sink()
	if sink == nil {
		return nil
	}
	frame, ok := sink.Latest()
	if !ok {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if sink == c.lastSink && frame.Seq == c.lastSeq {
		return nil
	}

	name := fmt.Sprintf("frame_%06d.jpg", len(c.frames))
	p := filepath.Join(c.dir, name)
	if err := os.WriteFile(p, frame.Data, 0644); err != nil {
		return fmt.Errorf("フレーム画像の保存に失敗 (%s): %w", name, err)
	}

	c.frames = append(c.frames, p)
	c.lastSink = sink
	c.lastSeq = frame.Seq
	c.lastFrame = frame.At
	return nil
}

// CaptureStatus はキャプチャの現在状態
type CaptureStatus struct {
	SessionID   string
	Frames      int
	StartedAt   time.Time
	LastFrameAt time.Time
}

// GetStatus は現在の状態を取得する
func (c *Capture) GetStatus() CaptureStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return CaptureStatus{
		SessionID:   c.id,
		Frames:      len(c.frames),
		StartedAt:   c.startedAt,
		LastFrameAt: c.lastFrame,
	}
}

package timelapse

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Manager はタイムラプスのセッションと動画を管理する
// 同時に録画できるセッションは1つだけ
type Manager struct {
	source    FrameSource
	generator *VideoGenerator
	config    Config
	outputDir string
	baseURL   string
	log       zerolog.Logger

	mu        sync.Mutex
	capture   *Capture
	lastVideo string
	lastErr   string
}

// NewManager は新しい Manager を作成する
func NewManager(source FrameSource, outputDir, baseURL string, config Config, logger zerolog.Logger) *Manager {
	return &Manager{
		source:    source,
		generator: NewVideoGenerator(),
		config:    config,
		outputDir: outputDir,
		baseURL:   strings.TrimRight(baseURL, "/"),
		log:       logger,
	}
}

// Start は新しいセッションの録画を開始する
func (m *Manager) Start(_ context.Context) (StatusInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.capture != nil {
		return StatusInfo{}, ErrAlreadyRecording
	}

	id := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	capture := NewCapture(id, filepath.Join(m.outputDir, "session_"+id), m.config.Interval, m.source, m.log)
	if err := capture.Start(); err != nil {
		return StatusInfo{}, fmt.Errorf("タイムラプスキャプチャの開始に失敗: %w", err)
	}
	m.capture = capture
	m.lastErr = ""

	return m.statusLocked(), nil
}

// Stop は録画を止めて動画を作る
// セッションのフレームは動画の作成に成功した場合のみ削除する
// 動画の作成中は次のセッションを開始できる
func (m *Manager) Stop(ctx context.Context) (*Video, error) {
	m.mu.Lock()
	capture := m.capture
	m.capture = nil
	m.mu.Unlock()

	if capture == nil {
		return nil, ErrNotRecording
	}

	frames := capture.Stop()
	if len(frames) == 0 {
		_ = os.RemoveAll(capture.dir) // cleanup中のエラーは無視
		m.setResult("", ErrNoFrames)
		return nil, ErrNoFrames
	}

	name := fmt.Sprintf("timelapse_%s.mp4", capture.id)
	output := filepath.Join(m.outputDir, name)
	start := time.Now()
	if err := m.generator.Generate(ctx, frames, output, m.config); err != nil {
		m.setResult("", err)
		m.log.Error().Err(err).Str("session", capture.id).Msg("タイムラプス動画の作成に失敗")
		return nil, err
	}
	_ = os.RemoveAll(capture.dir) // cleanup中のエラーは無視

	info, err := os.Stat(output)
	if err != nil {
		return nil, fmt.Errorf("動画ファイルの確認に失敗: %w", err)
	}
	m.setResult(name, nil)
	m.log.Info().
		Str("video", name).
		Int("frames", len(frames)).
		Dur("elapsed", time.Since(start)).
		Msg("タイムラプス動画を作成しました")

	return &Video{
		Name:     name,
		URL:      path.Join(m.baseURL, name),
		FilePath: output,
		FileSize: info.Size(),
		Date:     info.ModTime(),
	}, nil
}

func (m *Manager) setResult(video string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if video != "" {
		m.lastVideo = video
	}
	m.lastErr = ""
	if err != nil {
		m.lastErr = err.Error()
	}
}

// Recording は録画中かを返す
func (m *Manager) Recording() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.capture != nil
}

// Status はタイムラプスの状態を返す
func (m *Manager) Status() StatusInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

func (m *Manager) statusLocked() StatusInfo {
	status := StatusInfo{
		Interval:  m.config.Interval.String(),
		LastVideo: m.lastVideo,
		LastError: m.lastErr,
	}

	if m.capture != nil {
		cs := m.capture.GetStatus()
		status.Recording = true
		status.SessionID = cs.SessionID
		status.Frames = cs.Frames
		status.StartedAt = cs.StartedAt
		status.LastFrameAt = cs.LastFrameAt
	}

	videos, err := m.videos()
	if err == nil {
		status.TotalVideos = len(videos)
		for _, video := range videos {
			status.StorageUsed += video.FileSize
		}
	}
	return status
}

// Videos は作成済みの動画を新しい順に返す
func (m *Manager) Videos() ([]Video, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.videos()
}

func (m *Manager) videos() ([]Video, error) {
	videos := []Video{}

	entries, err := os.ReadDir(m.outputDir)
	if err != nil {
		if os.IsNotExist(err) {
			return videos, nil // ディレクトリが存在しない場合は空のリストを返す
		}
		return nil, fmt.Errorf("ディレクトリの読み取りに失敗: %w", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".mp4" || strings.HasSuffix(name, ".tmp.mp4") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			m.log.Debug().Err(err).Str("file", name).Msg("ファイル情報の取得に失敗")
			continue
		}
		videos = append(videos, Video{
			Name:     name,
			URL:      path.Join(m.baseURL, name),
			FilePath: filepath.Join(m.outputDir, name),
			FileSize: info.Size(),
			Date:     info.ModTime(),
		})
	}

	slices.SortFunc(videos, func(a, b Video) int {
		return b.Date.Compare(a.Date)
	})
	return videos, nil
}

// Shutdown は録画中であれば停止して動画を作る
func (m *Manager) Shutdown(ctx context.Context) {
	if !m.Recording() {
		return
	}
	if _, err := m.Stop(ctx); err != nil {
		m.log.Warn().Err(err).Msg("シャットダウン時のタイムラプス停止に失敗")
	}
}

// Config は設定を返す
func (m *Manager) Config() Config {
	return m.config
}

// CheckFFmpeg は動画の作成に必要な ffmpeg が使えるかを確認する
func (m *Manager) CheckFFmpeg(ctx context.Context) error {
	return m.generator.ValidateFFmpeg(ctx)
}

// Package photo フル解像度の静止画を撮影してギャラリーに保存する
package photo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"kipicam/internal/camera"
)

// idPrefix は写真IDの接頭辞
const idPrefix = "pimage_"

// ErrNotFound は写真が存在しないことを表す
var ErrNotFound = errors.New("写真が見つかりません")

// StillTaker は静止画を撮影できるもの
// camera.Controller が満たす
type StillTaker interface {
	CaptureStill(ctx context.Context, raw bool) (*camera.Still, error)
}

// Photo は保存済みの写真
type Photo struct {
	ID       string    `json:"id"`
	URL      string    `json:"url"`
	RawURL   string    `json:"raw_url,omitempty"`
	Size     int64     `json:"size"`
	Captured time.Time `json:"captured"`
}

// Service は撮影とギャラリーの管理を行う
type Service struct {
	camera  StillTaker
	dir     string
	baseURL string
	log     zerolog.Logger
	now     func() time.Time

	mu   sync.RWMutex
	last string
}

// NewService は Service を作成する
// dir はギャラリーのディレクトリ、baseURL はその公開URL
func NewService(cam StillTaker, dir, baseURL string, logger zerolog.Logger) (*Service, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("ギャラリーディレクトリの作成に失敗: %w", err)
	}
	return &Service{
		camera:  cam,
		dir:     dir,
		baseURL: strings.TrimRight(baseURL, "/"),
		log:     logger,
		now:     time.Now,
	}, nil
}

// Capture は静止画を撮影して保存し、公開URLを返す
// raw が true の場合は同じ名前の DNG も保存する
// 失敗した場合は書いたファイルを削除し、最後の写真は更新しない
func (s *Service) Capture(ctx context.Context, raw bool) (*Photo, error) {
	id := NewID(s.now())

	still, err := s.camera.CaptureStill(ctx, raw)
	if err != nil {
		return nil, err
	}
	if len(still.JPEG) == 0 {
		return nil, fmt.Errorf("静止画が空です")
	}
	if raw && len(still.Raw) == 0 {
		return nil, fmt.Errorf("RAW画像が取得できませんでした")
	}

	jpegPath := filepath.Join(s.dir, id+".jpg")
	if err := writeFile(jpegPath, still.JPEG); err != nil {
		return nil, err
	}

	p := &Photo{
		ID:       id,
		URL:      s.url(id + ".jpg"),
		Size:     int64(len(still.JPEG)),
		Captured: s.now(),
	}

	if raw {
		rawPath := filepath.Join(s.dir, id+".dng")
		if err := writeFile(rawPath, still.Raw); err != nil {
			_ = os.Remove(jpegPath) // cleanup中のエラーは無視
			return nil, err
		}
		p.RawURL = s.url(id + ".dng")
	}

	s.mu.Lock()
	s.last = id
	s.mu.Unlock()

	s.log.Info().Str("id", id).Bool("raw", raw).Int64("size", p.Size).Msg("写真を保存しました")
	return p, nil
}

// Last は最後に撮影した写真のIDを返す
func (s *Service) Last() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last, s.last != ""
}

// Locate は写真IDの JPEG ファイルパスを返す
func (s *Service) Locate(id string) (string, error) {
	if !ValidID(id) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	p := filepath.Join(s.dir, id+".jpg")
	if _, err := os.Stat(p); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return "", err
	}
	return p, nil
}

// List はギャラリーの写真を新しい順に返す
func (s *Service) List() ([]Photo, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("ギャラリーの読み込みに失敗: %w", err)
	}

	raws := map[string]bool{}
	for _, e := range entries {
		if name, ok := strings.CutSuffix(e.Name(), ".dng"); ok {
			raws[name] = true
		}
	}

	photos := make([]Photo, 0, len(entries))
	for _, e := range entries {
		id, ok := strings.CutSuffix(e.Name(), ".jpg")
		if !ok || e.IsDir() || !ValidID(id) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		p := Photo{
			ID:       id,
			URL:      s.url(e.Name()),
			Size:     info.Size(),
			Captured: info.ModTime(),
		}
		if raws[id] {
			p.RawURL = s.url(id + ".dng")
		}
		photos = append(photos, p)
	}

	slices.SortFunc(photos, func(a, b Photo) int {
		return strings.Compare(b.ID, a.ID)
	})
	return photos, nil
}

// Dir はギャラリーのディレクトリを返す
func (s *Service) Dir() string {
	return s.dir
}

func (s *Service) url(name string) string {
	return path.Join(s.baseURL, name)
}

// NewID は撮影時刻から写真IDを作る
// 同じ秒に撮影すると同じIDになる
func NewID(t time.Time) string {
	return fmt.Sprintf("%s%d", idPrefix, t.Unix())
}

// ValidID は写真IDの形式かどうかを返す
func ValidID(id string) bool {
	digits, ok := strings.CutPrefix(id, idPrefix)
	if !ok || digits == "" {
		return false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// writeFile は一時ファイルに書いてからリネームする
func writeFile(p string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(p), "."+filepath.Base(p)+".*.tmp")
	if err != nil {
		return fmt.Errorf("一時ファイルの作成に失敗: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("写真の書き込みに失敗: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("写真の書き込みに失敗: %w", err)
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("権限の設定に失敗: %w", err)
	}
	if err := os.Rename(tmpPath, p); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("写真の保存に失敗: %w", err)
	}
	return nil
}

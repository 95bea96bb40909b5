// Package describe 撮影した写真をビジョンモデルに送って説明文を得る
package describe

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrNoPhoto は説明する写真がないことを表す
var ErrNoPhoto = errors.New("説明する写真がありません")

// RemoteServiceError はビジョンAPIの呼び出しの失敗を表す
// メッセージはそのまま呼び出し元に返す
type RemoteServiceError struct {
	Err error
}

func (e *RemoteServiceError) Error() string {
	return e.Err.Error()
}

func (e *RemoteServiceError) Unwrap() error {
	return e.Err
}

// Request はビジョンAPIへの1回のリクエスト
type Request struct {
	Prompt    string
	ImageURL  string // data:image/jpeg;base64,...
	MaxTokens int
}

// Describer は画像の説明文を返すもの
type Describer interface {
	Describe(ctx context.Context, req Request) (string, error)
}

// PhotoLocator は写真IDからファイルを引くもの
// photo.Service が満たす
type PhotoLocator interface {
	Last() (string, bool)
	Locate(id string) (string, error)
}

// Result は説明の結果
type Result struct {
	PhotoID string    `json:"photo_id"`
	Text    string    `json:"text"`
	At      time.Time `json:"at"`
}

// Service は写真の説明を管理する
type Service struct {
	describer Describer
	photos    PhotoLocator
	prompt    string
	maxTokens int
	log       zerolog.Logger

	mu     sync.RWMutex
	latest *Result
}

// NewService は Service を作成する
func NewService(d Describer, photos PhotoLocator, prompt string, maxTokens int, logger zerolog.Logger) *Service {
	return &Service{
		describer: d,
		photos:    photos,
		prompt:    prompt,
		maxTokens: maxTokens,
		log:       logger,
	}
}

// DescribeLatest は最後に撮影した写真を説明する
func (s *Service) DescribeLatest(ctx context.Context) (*Result, error) {
	id, ok := s.photos.Last()
	if !ok {
		return nil, ErrNoPhoto
	}
	return s.Describe(ctx, id)
}

// Describe は写真IDの画像を説明する
// 失敗は記録せずにそのまま返す
func (s *Service) Describe(ctx context.Context, photoID string) (*Result, error) {
	p, err := s.photos.Locate(photoID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoPhoto, err)
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoPhoto, err)
	}

	req := Request{
		Prompt:    s.prompt,
		ImageURL:  "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(data),
		MaxTokens: s.maxTokens,
	}

	start := time.Now()
	text, err := s.describer.Describe(ctx, req)
	if err != nil {
		s.log.Warn().Err(err).Str("photo_id", photoID).Msg("画像の説明に失敗")
		var rerr *RemoteServiceError
		if errors.As(err, &rerr) {
			return nil, err
		}
		return nil, &RemoteServiceError{Err: err}
	}

	result := &Result{PhotoID: photoID, Text: text, At: time.Now()}
	s.mu.Lock()
	s.latest = result
	s.mu.Unlock()

	s.log.Info().
		Str("photo_id", photoID).
		Dur("elapsed", time.Since(start)).
		Int("length", len(text)).
		Msg("画像の説明を取得しました")
	return result, nil
}

// Latest は最後に成功した説明を返す
func (s *Service) Latest() (*Result, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.latest == nil {
		return nil, false
	}
	r := *s.latest
	return &r, true
}

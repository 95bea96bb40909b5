package camera

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrSinkClosed は FrameSink がストリーム再起動などで破棄されたことを示す
var ErrSinkClosed = errors.New("フレームシンクはクローズされました")

// Frame はエンコード済みの1フレーム
type Frame struct {
	Data []byte
	Seq  uint64    // 1 から始まる通し番号
	At   time.Time // 受信時刻
}

// FrameSink は最新フレームのみを保持する単一スロットのバッファ
// Publish するたびに待機中の全コンシューマーを起こす（キューではない）
type FrameSink struct {
	mu     sync.Mutex
	frame  Frame
	notify chan struct{} // Publish ごとに close して作り直す
	done   chan struct{}
	closed bool
}

// NewFrameSink は新しい FrameSink を作成する
func NewFrameSink() *FrameSink {
	return &FrameSink{
		notify: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Publish はフレームを保存し、待機中のコンシューマーを全て起こす
func (s *FrameSink) Publish(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	s.frame = Frame{
		Data: data,
		Seq:  s.frame.Seq + 1,
		At:   time.Now(),
	}
	close(s.notify)
	s.notify = make(chan struct{})
}

// WaitNext は Seq が after より新しいフレームが届くまでブロックする
// フレームが一度も届いていなければ最初の1枚まで待つ
// ctx の終了で ctx.Err() を、シンクのクローズで ErrSinkClosed を返す
func (s *FrameSink) WaitNext(ctx context.Context, after uint64) (Frame, error) {
	for {
		s.mu.Lock()
		if s.frame.Seq > after {
			f := s.frame
			s.mu.Unlock()
			return f, nil
		}
		if s.closed {
			s.mu.Unlock()
			return Frame{}, ErrSinkClosed
		}
		ch := s.notify
		s.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		}
	}
}

// Latest は最新フレームを待たずに返す
func (s *FrameSink) Latest() (Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame, s.frame.Seq > 0
}

// Close はシンクを破棄し、待機中のコンシューマーを解放する
func (s *FrameSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	close(s.notify)
	close(s.done)
}

// Done はシンクのクローズで閉じるチャンネルを返す
func (s *FrameSink) Done() <-chan struct{} {
	return s.done
}

// Closed はシンクがクローズ済みかを返す
func (s *FrameSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

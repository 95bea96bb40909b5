package camera

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestFrameSink_WaitBlocksUntilFirstFrame(t *testing.T) {
	sink := NewFrameSink()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// フレームが一度も届いていなければブロックし続ける
	_, err := sink.WaitNext(ctx, 0)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline exceeded, got %v", err)
	}

	if _, ok := sink.Latest(); ok {
		t.Error("Expected no latest frame before publish")
	}
}

func TestFrameSink_BroadcastToAllWaiters(t *testing.T) {
	sink := NewFrameSink()
	const consumers = 8

	var ready, done sync.WaitGroup
	results := make([]Frame, consumers)
	errs := make([]error, consumers)

	ready.Add(consumers)
	done.Add(consumers)
	for i := 0; i < consumers; i++ {
		go func(i int) {
			defer done.Done()
			ready.Done()
			results[i], errs[i] = sink.WaitNext(context.Background(), 0)
		}(i)
	}
	ready.Wait()
	time.Sleep(20 * time.Millisecond)

	payload := []byte{0xFF, 0xD8, 1, 2, 3, 0xFF, 0xD9}
	sink.Publish(payload)
	done.Wait()

	for i := 0; i < consumers; i++ {
		if errs[i] != nil {
			t.Fatalf("consumer %d: unexpected error %v", i, errs[i])
		}
		if results[i].Seq != 1 {
			t.Errorf("consumer %d: expected seq 1, got %d", i, results[i].Seq)
		}
		if !bytes.Equal(results[i].Data, payload) {
			t.Errorf("consumer %d: frame mismatch", i)
		}
	}
}

func TestFrameSink_EachFrameReceivedOnce(t *testing.T) {
	sink := NewFrameSink()
	sink.Publish([]byte("a"))

	f, err := sink.WaitNext(context.Background(), 0)
	if err != nil {
		t.Fatalf("WaitNext failed: %v", err)
	}

	// 同じ seq を指定すると次のフレームまで待つ
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := sink.WaitNext(ctx, f.Seq); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected to block for the next frame, got %v", err)
	}
}

func TestFrameSink_LatestWins(t *testing.T) {
	sink := NewFrameSink()
	sink.Publish([]byte("1"))
	sink.Publish([]byte("2"))
	sink.Publish([]byte("3"))

	// 遅いコンシューマーは途中のフレームを飛ばして最新を受け取る
	f, err := sink.WaitNext(context.Background(), 0)
	if err != nil {
		t.Fatalf("WaitNext failed: %v", err)
	}
	if string(f.Data) != "3" || f.Seq != 3 {
		t.Errorf("Expected latest frame 3, got %q (seq %d)", f.Data, f.Seq)
	}
}

func TestFrameSink_CloseReleasesWaiters(t *testing.T) {
	sink := NewFrameSink()

	errCh := make(chan error, 1)
	go func() {
		_, err := sink.WaitNext(context.Background(), 0)
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	sink.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrSinkClosed) {
			t.Fatalf("Expected ErrSinkClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter was not released by Close")
	}

	// クローズ後の Publish は無視される
	sink.Publish([]byte("late"))
	if _, ok := sink.Latest(); ok {
		t.Error("Expected publish after close to be ignored")
	}
	if !sink.Closed() {
		t.Error("Expected sink to report closed")
	}
}

package camera

import (
	"bytes"
	"io"
	"testing"
	"testing/iotest"
)

type recordingWriter struct {
	frames [][]byte
}

func (w *recordingWriter) Publish(frame []byte) {
	w.frames = append(w.frames, frame)
}

func (w *recordingWriter) Close() {}

func jpegFrame(payload ...byte) []byte {
	frame := append([]byte{0xFF, 0xD8}, payload...)
	return append(frame, 0xFF, 0xD9)
}

func TestSplitJPEG(t *testing.T) {
	f1 := jpegFrame(1, 2, 3)
	f2 := jpegFrame(4, 5)
	f3 := jpegFrame(6)

	testCases := []struct {
		name   string
		reader func(data []byte) io.Reader
	}{
		{
			name:   "一括読み込み",
			reader: func(data []byte) io.Reader { return bytes.NewReader(data) },
		},
		{
			name:   "1バイトずつ",
			reader: func(data []byte) io.Reader { return iotest.OneByteReader(bytes.NewReader(data)) },
		},
		{
			name:   "半分ずつ",
			reader: func(data []byte) io.Reader { return iotest.HalfReader(bytes.NewReader(data)) },
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var stream []byte
			stream = append(stream, 0x00, 0x11) // 先頭のゴミ
			stream = append(stream, f1...)
			stream = append(stream, f2...)
			stream = append(stream, 0x22)
			stream = append(stream, f3...)
			stream = append(stream, 0xFF, 0xD8, 7) // 不完全なフレーム

			w := &recordingWriter{}
			if err := splitJPEG(tc.reader(stream), w); err != nil {
				t.Fatalf("splitJPEG failed: %v", err)
			}

			want := [][]byte{f1, f2, f3}
			if len(w.frames) != len(want) {
				t.Fatalf("Expected %d frames, got %d", len(want), len(w.frames))
			}
			for i := range want {
				if !bytes.Equal(w.frames[i], want[i]) {
					t.Errorf("frame %d: got % x, want % x", i, w.frames[i], want[i])
				}
			}
		})
	}
}

func TestSplitJPEG_ReadError(t *testing.T) {
	w := &recordingWriter{}
	err := splitJPEG(iotest.ErrReader(io.ErrUnexpectedEOF), w)
	if err == nil {
		t.Fatal("Expected read error to be reported")
	}
}

package camera

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
)

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// splitJPEG は連結された JPEG バイトストリームをフレームに分割して w に書き込む
// r が EOF になるまでブロックする
func splitJPEG(r io.Reader, w FrameWriter) error {
	buffer := make([]byte, 256*1024)
	frameBuffer := bytes.Buffer{}

	for {
		n, err := r.Read(buffer)
		if n > 0 {
			frameBuffer.Write(buffer[:n])
			emitFrames(&frameBuffer, w)
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return fmt.Errorf("フレーム読み取りエラー: %w", err)
		}
	}
}

// emitFrames はバッファ内の完全な JPEG を全て取り出し、残りをバッファに戻す
func emitFrames(frameBuffer *bytes.Buffer, w FrameWriter) {
	data := frameBuffer.Bytes()
	consumed := 0

	for {
		// JPEGの開始マーカー（FF D8）を探す
		startIdx := bytes.Index(data[consumed:], jpegSOI)
		if startIdx == -1 {
			// 開始マーカーがなければ最後の1バイトだけ残す（FF が分割されている可能性）
			if len(data)-consumed > 1 {
				consumed = len(data) - 1
			}
			break
		}
		startIdx += consumed

		// JPEGの終了マーカー（FF D9）を探す
		endIdx := bytes.Index(data[startIdx+2:], jpegEOI)
		if endIdx == -1 {
			// 完全なフレームがまだない
			consumed = startIdx
			break
		}
		endIdx += startIdx + 2 + 2 // マーカーのサイズを含める

		frame := make([]byte, endIdx-startIdx)
		copy(frame, data[startIdx:endIdx])
		w.Publish(frame)

		consumed = endIdx
	}

	remaining := append([]byte(nil), data[consumed:]...)
	frameBuffer.Reset()
	frameBuffer.Write(remaining)
}

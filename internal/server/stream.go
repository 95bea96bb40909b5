package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"kipicam/internal/camera"
	"kipicam/internal/logging"
)

// wsWriteTimeout は WebSocket 1フレームの書き込み期限
const wsWriteTimeout = 10 * time.Second

// sinkSource は現在のフレームシンクを返すもの
type sinkSource interface {
	Sink() *camera.FrameSink
}

// frameCursor はストリームの再起動をまたいでフレームを読み進める
//
// 再起動で古いシンクがクローズされると、その時点のシンクを取り直して
// 通し番号を 0 から読み直す。取り直したシンクが同じなら配信を終える
type frameCursor struct {
	src  sinkSource
	sink *camera.FrameSink
	last uint64
}

func newFrameCursor(src sinkSource) *frameCursor {
	return &frameCursor{src: src, sink: src.Sink()}
}

// Next は次のフレームを返す
func (fc *frameCursor) Next(ctx context.Context) (camera.Frame, error) {
	for {
		f, err := fc.sink.WaitNext(ctx, fc.last)
		if err == nil {
			fc.last = f.Seq
			return f, nil
		}
		if !errors.Is(err, camera.ErrSinkClosed) {
			return camera.Frame{}, err
		}

		next := fc.src.Sink()
		if next == fc.sink {
			return camera.Frame{}, err
		}
		fc.sink, fc.last = next, 0
	}
}

// streamMJPEG はMJPEGストリームを配信する
// クライアントが切断するかシンクが破棄されるまで続く
func streamMJPEG(c *gin.Context, src sinkSource) {
	// レスポンスヘッダーを設定
	c.Header("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("Access-Control-Allow-Origin", "*")

	writer := c.Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := c.Request.Context()
	cursor := newFrameCursor(src)
	frames := 0
	defer func() {
		logging.Debug(c).Int("frames", frames).Msg("MJPEGストリームを終了しました")
	}()

	for {
		frame, err := cursor.Next(ctx)
		if err != nil {
			return
		}

		if _, err := writer.Write([]byte("--frame\r\nContent-Type: image/jpeg\r\n\r\n")); err != nil {
			return
		}
		if _, err := writer.Write(frame.Data); err != nil {
			return
		}
		if _, err := writer.Write([]byte("\r\n")); err != nil {
			return
		}

		// バッファをフラッシュ
		flusher.Flush()
		frames++
	}
}

// streamWebSocket は1メッセージ1フレームのバイナリで配信する
func streamWebSocket(c *gin.Context, src sinkSource, upgrader *websocket.Upgrader) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(c).Err(err).Msg("WebSocketへのアップグレードに失敗")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// 受信はクローズの検知のみ
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	cursor := newFrameCursor(src)
	for {
		frame, err := cursor.Next(ctx)
		if err != nil {
			if errors.Is(err, camera.ErrSinkClosed) {
				msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream closed")
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			}
			return
		}

		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteMessage(websocket.BinaryMessage, frame.Data); err != nil {
			logging.Debug(c).Err(err).Msg("WebSocketへの書き込みを終了します")
			return
		}
	}
}

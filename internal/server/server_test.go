package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"kipicam/internal/camera"
	"kipicam/internal/config"
	"kipicam/internal/describe"
	"kipicam/internal/panel/paneltest"
	"kipicam/internal/settings"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// newTestServer はシミュレーションカメラに繋いだ Server を作成する
func newTestServer(t *testing.T, opts ...paneltest.Option) (*Server, *paneltest.Harness) {
	t.Helper()

	h := paneltest.New(t, opts...)

	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Paths.GalleryDir = h.Photos.Dir()
	cfg.Timelapse.Dir = filepath.Join(h.Dir, "timelapse")

	srv, err := NewGin(cfg, h.Service)
	if err != nil {
		t.Fatalf("NewGin failed: %v", err)
	}
	return srv, h
}

// doJSON はリクエストを送り、応答本文を map に読み込む
func doJSON(t *testing.T, srv *Server, method, path string, body any) (int, map[string]any) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response %q: %v", w.Body.String(), err)
	}
	return w.Code, resp
}

// TestServerStartAndShutdown はサーバーの起動とシャットダウンをテストする
func TestServerStartAndShutdown(t *testing.T) {
	srv, _ := newTestServer(t)

	// テスト用のコンテキスト（タイムアウト付き）
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	// サーバーが起動するまで少し待つ
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("サーバーの起動/停止でエラーが発生しました: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("サーバーの停止がタイムアウトしました")
	}
}

func TestHealthAndStatus(t *testing.T) {
	srv, _ := newTestServer(t)

	code, health := doJSON(t, srv, http.MethodGet, "/health", nil)
	if code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", code)
	}
	if health["status"] != "healthy" {
		t.Errorf("Expected healthy, got %v", health["status"])
	}

	code, status := doJSON(t, srv, http.MethodGet, "/api/status", nil)
	if code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", code)
	}
	if status["state"] != "running" {
		t.Errorf("Expected state running, got %v", status["state"])
	}
	module, _ := status["module"].(map[string]any)
	if module["module_name"] != "Camera Module 3" {
		t.Errorf("Expected module info, got %v", status["module"])
	}
	if _, ok := status["timestamp"]; !ok {
		t.Error("timestamp is missing")
	}
}

func TestIndexPage(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, path := range []string{"/", "/assets/panel.js"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("%s: expected status 200, got %d", path, w.Code)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if !strings.Contains(w.Body.String(), "/video_feed") {
		t.Error("index page does not reference the video feed")
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Expected text/html, got %s", ct)
	}
}

func TestUpdateLiveSettings(t *testing.T) {
	tests := []struct {
		name        string
		body        map[string]any
		wantCode    int
		wantSuccess bool
		wantKind    string
		wantGroup   string
	}{
		{
			name:        "ライブコントロール",
			body:        map[string]any{"Brightness": 0.5},
			wantCode:    http.StatusOK,
			wantSuccess: true,
			wantGroup:   "controls",
		},
		{
			name:        "未知のキー",
			body:        map[string]any{"Zoom": 2},
			wantCode:    http.StatusOK,
			wantSuccess: false,
			wantKind:    "validation",
		},
		{
			name:        "範囲外の解像度",
			body:        map[string]any{"Resolution": 7},
			wantCode:    http.StatusOK,
			wantSuccess: false,
			wantKind:    "validation",
		},
		{
			name:     "定義に一致しない型",
			body:     map[string]any{"Resolution": "abc"},
			wantCode: http.StatusBadRequest,
			wantKind: "contract",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newTestServer(t)

			code, resp := doJSON(t, srv, http.MethodPost, "/update_live_settings", tt.body)
			if code != tt.wantCode {
				t.Fatalf("Expected status %d, got %d (%v)", tt.wantCode, code, resp)
			}
			if resp["success"] != tt.wantSuccess {
				t.Errorf("Expected success %v, got %v (%v)", tt.wantSuccess, resp["success"], resp["message"])
			}
			if tt.wantKind != "" && resp["error_kind"] != tt.wantKind {
				t.Errorf("Expected error_kind %s, got %v", tt.wantKind, resp["error_kind"])
			}
			if tt.wantGroup != "" && resp["group"] != tt.wantGroup {
				t.Errorf("Expected group %s, got %v", tt.wantGroup, resp["group"])
			}
		})
	}
}

func TestUpdateLiveSettingsResolutionRestartsStream(t *testing.T) {
	srv, h := newTestServer(t)
	before := h.Service.Sink()

	code, resp := doJSON(t, srv, http.MethodPost, "/update_live_settings", map[string]any{"Resolution": 1})
	if code != http.StatusOK || resp["success"] != true {
		t.Fatalf("Expected success, got %d %v", code, resp)
	}
	if resp["message"] != msgLiveUpdated {
		t.Errorf("Unexpected message: %v", resp["message"])
	}

	capture, _ := resp["settings"].(map[string]any)
	if capture["Resolution"] != float64(1) {
		t.Errorf("Expected Resolution 1, got %v", capture["Resolution"])
	}

	if got := h.Controller.Pipeline().Size; got != (camera.Size{Width: 32, Height: 24}) {
		t.Errorf("Expected pipeline 32x24, got %s", got)
	}
	if !before.Closed() {
		t.Error("previous sink should be closed after restart")
	}
	if h.Service.State() != camera.StateRunning {
		t.Errorf("Expected running, got %s", h.Service.State())
	}
}

func TestUpdateLiveSettingsDeviceFailure(t *testing.T) {
	srv, h := newTestServer(t)
	h.Device.SetFailStart(camera.ErrDeviceBusy)

	code, resp := doJSON(t, srv, http.MethodPost, "/update_live_settings", map[string]any{"Resolution": 1})
	if code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", code)
	}
	if resp["success"] != false {
		t.Fatalf("Expected failure, got %v", resp)
	}
	if resp["error_kind"] != "device_busy" {
		t.Errorf("Expected device_busy, got %v", resp["error_kind"])
	}
	if resp["request_id"] == nil {
		t.Error("request_id is missing")
	}
	if h.Service.State() != camera.StateStopped {
		t.Errorf("Expected stopped after failure, got %s", h.Service.State())
	}
}

func TestUpdateRestartSettings(t *testing.T) {
	srv, h := newTestServer(t)

	code, resp := doJSON(t, srv, http.MethodPost, "/update_restart_settings", map[string]any{"hflip": 1, "vflip": false})
	if code != http.StatusOK || resp["success"] != true {
		t.Fatalf("Expected success, got %d %v", code, resp)
	}
	if resp["message"] != msgRestartUpdated {
		t.Errorf("Unexpected message: %v", resp["message"])
	}
	rot, _ := resp["settings"].(map[string]any)
	if rot["hflip"] != float64(1) || rot["vflip"] != float64(0) {
		t.Errorf("Unexpected rotation: %v", rot)
	}
	if tr := h.Controller.Pipeline().Transform; !tr.HFlip || tr.VFlip {
		t.Errorf("Unexpected transform: %+v", tr)
	}

	code, resp = doJSON(t, srv, http.MethodPost, "/update_restart_settings", map[string]any{"hflip": 2})
	if code != http.StatusBadRequest {
		t.Errorf("Expected 400 for hflip 2, got %d %v", code, resp)
	}
}

func TestResetAndSaveSettings(t *testing.T) {
	srv, h := newTestServer(t)

	doJSON(t, srv, http.MethodPost, "/update_live_settings", map[string]any{"Brightness": 0.5})
	doJSON(t, srv, http.MethodPost, "/update_restart_settings", map[string]any{"vflip": 1})

	code, resp := doJSON(t, srv, http.MethodGet, "/reset_default_live_settings", nil)
	if code != http.StatusOK || resp["success"] != true {
		t.Fatalf("Expected success, got %d %v", code, resp)
	}
	data2, _ := resp["data2"].(map[string]any)
	if data2["hflip"] != float64(0) || data2["vflip"] != float64(0) {
		t.Errorf("Expected rotation cleared, got %v", data2)
	}
	if _, ok := resp["data1"].(map[string]any); !ok {
		t.Errorf("data1 is missing: %v", resp)
	}

	code, resp = doJSON(t, srv, http.MethodGet, "/save_settings", nil)
	if code != http.StatusOK || resp["success"] != true {
		t.Fatalf("Expected success, got %d %v", code, resp)
	}
	if resp["message"] != msgSaved {
		t.Errorf("Unexpected message: %v", resp["message"])
	}

	// 保存先を消すと保存は失敗として応答する
	if err := os.RemoveAll(filepath.Dir(h.Store.Path())); err != nil {
		t.Fatalf("Failed to remove settings dir: %v", err)
	}
	code, resp = doJSON(t, srv, http.MethodGet, "/save_settings", nil)
	if code != http.StatusOK || resp["success"] != false {
		t.Fatalf("Expected failure, got %d %v", code, resp)
	}
	if resp["error_kind"] != "persistence" {
		t.Errorf("Expected persistence, got %v", resp["error_kind"])
	}
}

func TestCapturePhoto(t *testing.T) {
	srv, h := newTestServer(t)

	code, resp := doJSON(t, srv, http.MethodPost, "/capture_photo", nil)
	if code != http.StatusOK || resp["success"] != true {
		t.Fatalf("Expected success, got %d %v", code, resp)
	}
	if resp["message"] != msgCaptured {
		t.Errorf("Unexpected message: %v", resp["message"])
	}

	path, _ := resp["captured_photo"].(string)
	if !regexp.MustCompile(`^/static/gallery/pimage_[0-9]+\.jpg$`).MatchString(path) {
		t.Fatalf("Unexpected photo path: %q", path)
	}
	if _, ok := resp["raw_photo"]; ok {
		t.Error("raw_photo should be omitted when makeRaw is false")
	}

	jpgs, _ := filepath.Glob(filepath.Join(h.Photos.Dir(), "*.jpg"))
	dngs, _ := filepath.Glob(filepath.Join(h.Photos.Dir(), "*.dng"))
	if len(jpgs) != 1 || len(dngs) != 0 {
		t.Errorf("Expected 1 jpg and 0 dng, got %d and %d", len(jpgs), len(dngs))
	}

	// 返されたパスで画像を取得できる
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Expected gallery file to be served, got %d", w.Code)
	}

	code, list := doJSON(t, srv, http.MethodGet, "/api/photos", nil)
	if code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", code)
	}
	photos, _ := list["photos"].([]any)
	if len(photos) != 1 {
		t.Errorf("Expected 1 photo, got %v", list["photos"])
	}
}

func TestSendImageToOpenai(t *testing.T) {
	t.Run("撮影前", func(t *testing.T) {
		srv, h := newTestServer(t)

		code, resp := doJSON(t, srv, http.MethodPost, "/send_image_to_openai", nil)
		if code != http.StatusOK || resp["success"] != false {
			t.Fatalf("Expected failure, got %d %v", code, resp)
		}
		if resp["error_kind"] != "validation" {
			t.Errorf("Expected validation, got %v", resp["error_kind"])
		}
		if h.Describer.Requests() != 0 {
			t.Error("describer should not be called without a photo")
		}
	})

	t.Run("撮影後", func(t *testing.T) {
		srv, h := newTestServer(t)
		doJSON(t, srv, http.MethodPost, "/capture_photo", nil)

		code, resp := doJSON(t, srv, http.MethodPost, "/send_image_to_openai", nil)
		if code != http.StatusOK || resp["success"] != true {
			t.Fatalf("Expected success, got %d %v", code, resp)
		}
		if resp["photo_description"] != h.Describer.Text {
			t.Errorf("Unexpected description: %v", resp["photo_description"])
		}
	})

	t.Run("リモートの失敗", func(t *testing.T) {
		srv, h := newTestServer(t)
		h.Describer.Err = errors.New("rate limit exceeded")
		doJSON(t, srv, http.MethodPost, "/capture_photo", nil)

		_, resp := doJSON(t, srv, http.MethodPost, "/send_image_to_openai", nil)
		if resp["success"] != false || resp["error_kind"] != "remote_service" {
			t.Fatalf("Expected remote_service failure, got %v", resp)
		}
		if resp["message"] != "rate limit exceeded" {
			t.Errorf("Expected the remote message verbatim, got %v", resp["message"])
		}
	})
}

func TestDescribePhoto(t *testing.T) {
	srv, _ := newTestServer(t)

	code, resp := doJSON(t, srv, http.MethodPost, "/api/photos/bogus/describe", nil)
	if code != http.StatusBadRequest {
		t.Errorf("Expected 400 for a malformed id, got %d %v", code, resp)
	}

	code, resp = doJSON(t, srv, http.MethodPost, "/api/photos/pimage_1/describe", nil)
	if code != http.StatusOK || resp["success"] != false {
		t.Errorf("Expected failure for a missing photo, got %d %v", code, resp)
	}

	_, captured := doJSON(t, srv, http.MethodPost, "/capture_photo", nil)
	id, _ := captured["photo_id"].(string)
	code, resp = doJSON(t, srv, http.MethodPost, "/api/photos/"+id+"/describe", nil)
	if code != http.StatusOK || resp["success"] != true || resp["photo_id"] != id {
		t.Errorf("Expected success for %s, got %d %v", id, code, resp)
	}
}

func TestTimelapseEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	code, resp := doJSON(t, srv, http.MethodGet, "/api/timelapse", nil)
	if code != http.StatusOK || resp["success"] != true {
		t.Fatalf("Expected success, got %d %v", code, resp)
	}

	_, resp = doJSON(t, srv, http.MethodPost, "/api/timelapse/stop", nil)
	if resp["success"] != false || resp["error_kind"] != "timelapse" {
		t.Errorf("Expected timelapse failure when not recording, got %v", resp)
	}

	_, resp = doJSON(t, srv, http.MethodPost, "/api/timelapse/start", nil)
	if resp["success"] != true {
		t.Fatalf("Expected start to succeed, got %v", resp)
	}
	_, resp = doJSON(t, srv, http.MethodPost, "/api/timelapse/start", nil)
	if resp["success"] != false {
		t.Errorf("Expected second start to fail, got %v", resp)
	}
}

func TestVideoFeed(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/video_feed", nil)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		t.Fatalf("Invalid content type: %v", err)
	}
	if mediaType != "multipart/x-mixed-replace" || params["boundary"] != "frame" {
		t.Fatalf("Unexpected content type: %s", resp.Header.Get("Content-Type"))
	}

	mr := multipart.NewReader(resp.Body, params["boundary"])
	for i := 0; i < 3; i++ {
		part, err := mr.NextPart()
		if err != nil {
			t.Fatalf("Failed to read part %d: %v", i, err)
		}
		if ct := part.Header.Get("Content-Type"); ct != "image/jpeg" {
			t.Errorf("Expected image/jpeg, got %s", ct)
		}
		data, err := io.ReadAll(part)
		if err != nil {
			t.Fatalf("Failed to read frame %d: %v", i, err)
		}
		if len(data) < 2 || data[0] != 0xFF || data[1] != 0xD8 {
			t.Errorf("frame %d is not a JPEG", i)
		}
	}
}

func TestVideoFeedSurvivesRestart(t *testing.T) {
	srv, h := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/video_feed", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	mr := multipart.NewReader(resp.Body, "frame")
	if _, err := mr.NextPart(); err != nil {
		t.Fatalf("Failed to read first part: %v", err)
	}

	if _, err := h.Service.UpdateLiveSettings(context.Background(), map[string]any{"Resolution": 1}); err != nil {
		t.Fatalf("UpdateLiveSettings failed: %v", err)
	}

	// 再起動後も同じ応答でフレームが届く
	for i := 0; i < 5; i++ {
		if _, err := mr.NextPart(); err != nil {
			t.Fatalf("stream ended after restart: %v", err)
		}
	}
}

func TestVideoFeedWebSocket(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/video_feed"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for i := 0; i < 2; i++ {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage failed: %v", err)
		}
		if mt != websocket.BinaryMessage {
			t.Errorf("Expected binary message, got %d", mt)
		}
		if len(data) < 2 || data[0] != 0xFF || data[1] != 0xD8 {
			t.Errorf("message %d is not a JPEG", i)
		}
	}
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&camera.DeviceError{Op: "start", Kind: camera.ErrDeviceBusy}, "device_busy"},
		{&camera.DeviceError{Op: "configure", Kind: camera.ErrInvalidConfig}, "invalid_configuration"},
		{&settings.ValidationError{Key: "Zoom"}, "validation"},
		{&settings.PersistenceError{Op: "save", Path: "x", Err: os.ErrPermission}, "persistence"},
		{&describe.RemoteServiceError{Err: errors.New("boom")}, "remote_service"},
		{fmt.Errorf("wrap: %w", describe.ErrNoPhoto), "validation"},
		{errors.New("other"), "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := errorKind(tt.err); got != tt.want {
				t.Errorf("errorKind(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

type stubSource struct {
	sink *camera.FrameSink
}

func (s *stubSource) Sink() *camera.FrameSink { return s.sink }

func TestFrameCursor(t *testing.T) {
	first := camera.NewFrameSink()
	src := &stubSource{sink: first}
	cursor := newFrameCursor(src)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	first.Publish([]byte("a"))
	f, err := cursor.Next(ctx)
	if err != nil || string(f.Data) != "a" {
		t.Fatalf("Next = %q, %v", f.Data, err)
	}

	// 差し替え後は新しいシンクの最初のフレームから読む
	second := camera.NewFrameSink()
	second.Publish([]byte("b"))
	src.sink = second
	first.Close()

	f, err = cursor.Next(ctx)
	if err != nil || string(f.Data) != "b" || f.Seq != 1 {
		t.Fatalf("Next after restart = %q (seq %d), %v", f.Data, f.Seq, err)
	}

	// 差し替えなしでクローズされたら終了
	second.Close()
	if _, err := cursor.Next(ctx); !errors.Is(err, camera.ErrSinkClosed) {
		t.Errorf("Expected ErrSinkClosed, got %v", err)
	}
}

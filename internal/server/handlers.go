package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"kipicam/internal/camera"
	"kipicam/internal/describe"
	"kipicam/internal/generated"
	"kipicam/internal/logging"
	"kipicam/internal/panel"
	"kipicam/internal/photo"
	"kipicam/internal/settings"
	"kipicam/internal/timelapse"
)

// 成功時のメッセージ（ブラウザ側の表示と一致させる）
const (
	msgLiveUpdated    = "Settings updated successfully"
	msgRestartUpdated = "Restart settings updated successfully"
	msgReset          = "Settings reset to defaults"
	msgSaved          = "Settings saved successfully"
	msgCaptured       = "Photo captured successfully"
	msgDescribed      = "Image send to OpenAI successfully"
)

// PanelHandler は生成されたServerInterfaceを実装する
type PanelHandler struct {
	svc      *panel.Service
	upgrader websocket.Upgrader
}

// NewPanelHandler は PanelHandler を作成する
func NewPanelHandler(svc *panel.Service) *PanelHandler {
	return &PanelHandler{
		svc: svc,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// GetIndex は操作パネルのページを返す
func (h *PanelHandler) GetIndex(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", indexHTML)
}

// HealthCheck はヘルスチェックエンドポイントの実装
func (h *PanelHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, generated.HealthResponse{
		Status:    generated.Healthy,
		Timestamp: time.Now(),
	})
}

// statusResponse はパネルの状態に応答時刻を加えたもの
type statusResponse struct {
	panel.Status
	Timestamp time.Time `json:"timestamp"`
}

// GetStatus はシステム状態取得エンドポイントの実装
func (h *PanelHandler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, statusResponse{
		Status:    h.svc.Status(),
		Timestamp: time.Now(),
	})
}

// UpdateLiveSettings はライブコントロールなどの更新
func (h *PanelHandler) UpdateLiveSettings(c *gin.Context) {
	var body generated.UpdateLiveSettingsJSONRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		h.fail(c, &settings.ValidationError{Reason: "リクエストボディを解析できません: " + err.Error()})
		return
	}

	result, err := h.svc.UpdateLiveSettings(c.Request.Context(), body)
	if err != nil {
		h.fail(c, err)
		return
	}

	logging.Info(c).Str("group", result.Group).Int("keys", len(body)).Msg("設定を更新しました")
	c.JSON(http.StatusOK, generated.SettingsResponse{
		OperationResult: ok(msgLiveUpdated),
		Group:           &result.Group,
		Settings:        result.Settings,
	})
}

// UpdateRestartSettings は反転設定の更新
func (h *PanelHandler) UpdateRestartSettings(c *gin.Context) {
	var body generated.UpdateRestartSettingsJSONRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		h.fail(c, &settings.ValidationError{Reason: "リクエストボディを解析できません: " + err.Error()})
		return
	}

	rot, err := h.svc.UpdateRestartSettings(c.Request.Context(), body)
	if err != nil {
		h.fail(c, err)
		return
	}

	group := panel.GroupRotation
	c.JSON(http.StatusOK, generated.SettingsResponse{
		OperationResult: ok(msgRestartUpdated),
		Group:           &group,
		Settings:        toRotation(rot),
	})
}

// ResetDefaultLiveSettings はライブコントロールと反転を既定値に戻す
func (h *PanelHandler) ResetDefaultLiveSettings(c *gin.Context) {
	live, rot, err := h.svc.ResetDefaults(c.Request.Context())
	if err != nil {
		logging.Warn(c).Err(err).Msg("既定値へのリセットに失敗")
		msg := err.Error()
		c.JSON(http.StatusOK, generated.ResetResponse{
			Success:   false,
			Error:     &msg,
			ErrorKind: strPtr(errorKind(err)),
		})
		return
	}

	r := toRotation(rot)
	logging.Info(c).Msg(msgReset)
	c.JSON(http.StatusOK, generated.ResetResponse{
		Success: true,
		Data1:   &live,
		Data2:   &r,
	})
}

// SaveSettings は設定を設定ドキュメントに保存する
func (h *PanelHandler) SaveSettings(c *gin.Context) {
	if err := h.svc.SaveSettings(c.Request.Context()); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ok(msgSaved))
}

// CapturePhoto はフル解像度の写真を撮影する
func (h *PanelHandler) CapturePhoto(c *gin.Context) {
	p, err := h.svc.CapturePhoto(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}

	resp := generated.CaptureResponse{
		OperationResult: ok(msgCaptured),
		CapturedPhoto:   &p.URL,
		PhotoId:         &p.ID,
	}
	if p.RawURL != "" {
		resp.RawPhoto = &p.RawURL
	}
	logging.Info(c).Str("photo_id", p.ID).Msg("写真を撮影しました")
	c.JSON(http.StatusOK, resp)
}

// SendImageToOpenai は最後に撮影した写真の説明を取得する
func (h *PanelHandler) SendImageToOpenai(c *gin.Context) {
	result, err := h.svc.DescribeLatest(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, describeResponse(result))
}

// DescribePhoto は指定した写真の説明を取得する
func (h *PanelHandler) DescribePhoto(c *gin.Context, photoId generated.PhotoId) {
	result, err := h.svc.DescribePhoto(c.Request.Context(), photoId)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, describeResponse(result))
}

// ListPhotos はギャラリーの写真一覧を返す
func (h *PanelHandler) ListPhotos(c *gin.Context) {
	list, err := h.svc.Photos()
	if err != nil {
		h.fail(c, err)
		return
	}

	photos := make([]generated.Photo, 0, len(list))
	for _, p := range list {
		item := generated.Photo{
			Id:       p.ID,
			Url:      p.URL,
			Size:     p.Size,
			Captured: p.Captured,
		}
		if p.RawURL != "" {
			item.RawUrl = strPtr(p.RawURL)
		}
		photos = append(photos, item)
	}

	c.JSON(http.StatusOK, generated.PhotosResponse{
		OperationResult: ok(""),
		Photos:          &photos,
	})
}

// GetTimelapse はタイムラプスの状態と動画一覧を返す
func (h *PanelHandler) GetTimelapse(c *gin.Context) {
	status, videos, err := h.svc.TimelapseStatus()
	if err != nil {
		h.fail(c, err)
		return
	}

	var st interface{} = status
	list := toVideos(videos)
	c.JSON(http.StatusOK, generated.TimelapseResponse{
		OperationResult: ok(""),
		Status:          &st,
		Videos:          &list,
	})
}

// StartTimelapse はタイムラプスの録画を開始する
func (h *PanelHandler) StartTimelapse(c *gin.Context) {
	status, err := h.svc.StartTimelapse(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}

	var st interface{} = status
	c.JSON(http.StatusOK, generated.TimelapseResponse{
		OperationResult: ok("タイムラプスの録画を開始しました"),
		Status:          &st,
	})
}

// StopTimelapse はタイムラプスの録画を止めて動画を作る
func (h *PanelHandler) StopTimelapse(c *gin.Context) {
	video, err := h.svc.StopTimelapse(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}

	v := toVideo(*video)
	c.JSON(http.StatusOK, generated.TimelapseResponse{
		OperationResult: ok("タイムラプス動画を作成しました"),
		Video:           &v,
	})
}

// VideoFeed はMJPEGストリーミングエンドポイントの実装
func (h *PanelHandler) VideoFeed(c *gin.Context) {
	streamMJPEG(c, h.svc)
}

// VideoFeedWebSocket はWebSocketストリーミングエンドポイントの実装
func (h *PanelHandler) VideoFeedWebSocket(c *gin.Context) {
	streamWebSocket(c, h.svc, &h.upgrader)
}

// fail は失敗を success:false の応答に変換する
// ブラウザ側は応答本文で成否を判定するため HTTP ステータスは 200 のまま
func (h *PanelHandler) fail(c *gin.Context, err error) {
	kind := errorKind(err)
	logging.Warn(c).Err(err).Str("error_kind", kind).Str("path", c.FullPath()).Msg("操作に失敗しました")

	result := generated.OperationResult{
		Success:   false,
		Message:   err.Error(),
		ErrorKind: strPtr(kind),
	}
	if id := c.GetString(logging.RequestIDKey); id != "" {
		result.RequestId = &id
	}
	c.JSON(http.StatusOK, result)
}

// errorKind はエラーの種類を応答用の文字列にする
func errorKind(err error) string {
	if kind := camera.ErrorKind(err); kind != "" {
		return kind
	}

	var (
		ve *settings.ValidationError
		pe *settings.PersistenceError
		re *describe.RemoteServiceError
	)
	switch {
	case errors.As(err, &ve), errors.Is(err, describe.ErrNoPhoto):
		return "validation"
	case errors.Is(err, photo.ErrNotFound):
		return "not_found"
	case errors.As(err, &pe):
		return "persistence"
	case errors.As(err, &re):
		return "remote_service"
	case errors.Is(err, timelapse.ErrAlreadyRecording), errors.Is(err, timelapse.ErrNotRecording), errors.Is(err, timelapse.ErrNoFrames):
		return "timelapse"
	default:
		return "internal"
	}
}

func ok(message string) generated.OperationResult {
	return generated.OperationResult{Success: true, Message: message}
}

func describeResponse(r *describe.Result) generated.DescribeResponse {
	return generated.DescribeResponse{
		OperationResult:  ok(msgDescribed),
		PhotoDescription: &r.Text,
		PhotoId:          &r.PhotoID,
	}
}

func toRotation(r settings.Rotation) generated.Rotation {
	rot := generated.Rotation{}
	if r.HFlip {
		rot.Hflip = 1
	}
	if r.VFlip {
		rot.Vflip = 1
	}
	return rot
}

func toVideo(v timelapse.Video) generated.TimelapseVideo {
	return generated.TimelapseVideo{
		Name:     v.Name,
		Url:      v.URL,
		FileSize: v.FileSize,
		Date:     v.Date,
	}
}

func toVideos(videos []timelapse.Video) []generated.TimelapseVideo {
	list := make([]generated.TimelapseVideo, 0, len(videos))
	for _, v := range videos {
		list = append(list, toVideo(v))
	}
	return list
}

// strPtr は文字列のポインタを返すヘルパー関数
func strPtr(s string) *string {
	return &s
}

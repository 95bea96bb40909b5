// Package generated は openapi.yaml の API 型と gin 用のサーバーインターフェースを提供する
//
// コード生成は使っておらず、openapi.yaml を変更したら手で合わせる。
// spec_test.go で openapi.yaml のパスと RegisterHandlers のルートの一致を確認する
package generated

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/oapi-codegen/runtime"
)

// HealthResponseStatus はヘルスチェックの状態
type HealthResponseStatus string

// HealthResponseStatus の定数定義
const (
	Healthy HealthResponseStatus = "healthy"
)

// HealthResponse defines model for HealthResponse.
type HealthResponse struct {
	Status    HealthResponseStatus `json:"status"`
	Timestamp time.Time            `json:"timestamp"`
}

// OperationResult defines model for OperationResult.
type OperationResult struct {
	Success   bool    `json:"success"`
	Message   string  `json:"message"`
	ErrorKind *string `json:"error_kind,omitempty"`
	RequestId *string `json:"request_id,omitempty"`
}

// ErrorResponse defines model for ErrorResponse.
type ErrorResponse struct {
	Success   bool    `json:"success"`
	Message   string  `json:"message"`
	ErrorKind *string `json:"error_kind,omitempty"`
}

// SettingsResponse defines model for SettingsResponse.
type SettingsResponse struct {
	OperationResult
	Group    *string     `json:"group,omitempty"`
	Settings interface{} `json:"settings,omitempty"`
}

// Rotation defines model for Rotation.
type Rotation struct {
	Hflip int `json:"hflip"`
	Vflip int `json:"vflip"`
}

// ResetResponse defines model for ResetResponse.
type ResetResponse struct {
	Success   bool                    `json:"success"`
	Data1     *map[string]interface{} `json:"data1,omitempty"`
	Data2     *Rotation               `json:"data2,omitempty"`
	Error     *string                 `json:"error,omitempty"`
	ErrorKind *string                 `json:"error_kind,omitempty"`
}

// CaptureResponse defines model for CaptureResponse.
type CaptureResponse struct {
	OperationResult
	CapturedPhoto *string `json:"captured_photo,omitempty"`
	RawPhoto      *string `json:"raw_photo,omitempty"`
	PhotoId       *string `json:"photo_id,omitempty"`
}

// DescribeResponse defines model for DescribeResponse.
type DescribeResponse struct {
	OperationResult
	PhotoDescription *string `json:"photo_description,omitempty"`
	PhotoId          *string `json:"photo_id,omitempty"`
}

// Photo defines model for Photo.
type Photo struct {
	Id       string    `json:"id"`
	Url      string    `json:"url"`
	RawUrl   *string   `json:"raw_url,omitempty"`
	Size     int64     `json:"size"`
	Captured time.Time `json:"captured"`
}

// PhotosResponse defines model for PhotosResponse.
type PhotosResponse struct {
	OperationResult
	Photos *[]Photo `json:"photos,omitempty"`
}

// TimelapseVideo defines model for TimelapseVideo.
type TimelapseVideo struct {
	Name     string    `json:"name"`
	Url      string    `json:"url"`
	FileSize int64     `json:"file_size"`
	Date     time.Time `json:"date"`
}

// TimelapseResponse defines model for TimelapseResponse.
type TimelapseResponse struct {
	OperationResult
	Status *interface{}      `json:"status,omitempty"`
	Videos *[]TimelapseVideo `json:"videos,omitempty"`
	Video  *TimelapseVideo   `json:"video,omitempty"`
}

// LiveSettingsRequest はコントロール名から値へのマップ
type LiveSettingsRequest map[string]interface{}

// RestartSettingsRequest は hflip / vflip を含むマップ
type RestartSettingsRequest map[string]interface{}

// UpdateLiveSettingsJSONRequestBody defines body for UpdateLiveSettings for application/json ContentType.
type UpdateLiveSettingsJSONRequestBody = LiveSettingsRequest

// UpdateRestartSettingsJSONRequestBody defines body for UpdateRestartSettings for application/json ContentType.
type UpdateRestartSettingsJSONRequestBody = RestartSettingsRequest

// PhotoId defines model for PhotoId.
type PhotoId = string

// ServerInterface represents all server handlers.
type ServerInterface interface {
	// 操作パネルのページ
	// (GET /)
	GetIndex(c *gin.Context)
	// ギャラリーの写真一覧（新しい順）
	// (GET /api/photos)
	ListPhotos(c *gin.Context)
	// 指定した写真の説明を取得する
	// (POST /api/photos/{photoId}/describe)
	DescribePhoto(c *gin.Context, photoId PhotoId)
	// ストリームと設定の状態
	// (GET /api/status)
	GetStatus(c *gin.Context)
	// タイムラプスの状態と動画一覧
	// (GET /api/timelapse)
	GetTimelapse(c *gin.Context)
	// タイムラプスの録画を開始する
	// (POST /api/timelapse/start)
	StartTimelapse(c *gin.Context)
	// タイムラプスの録画を止めて動画を作る
	// (POST /api/timelapse/stop)
	StopTimelapse(c *gin.Context)
	// フル解像度の写真を撮影する
	// (POST /capture_photo)
	CapturePhoto(c *gin.Context)
	// ヘルスチェック
	// (GET /health)
	HealthCheck(c *gin.Context)
	// ライブコントロールと反転を既定値に戻す
	// (GET /reset_default_live_settings)
	ResetDefaultLiveSettings(c *gin.Context)
	// 設定を設定ドキュメントに保存する
	// (GET /save_settings)
	SaveSettings(c *gin.Context)
	// 最後に撮影した写真の説明を取得する
	// (POST /send_image_to_openai)
	SendImageToOpenai(c *gin.Context)
	// ライブコントロール・解像度・センサーモードの更新
	// (POST /update_live_settings)
	UpdateLiveSettings(c *gin.Context)
	// 画像反転の更新
	// (POST /update_restart_settings)
	UpdateRestartSettings(c *gin.Context)
	// MJPEG ストリーム
	// (GET /video_feed)
	VideoFeed(c *gin.Context)
	// WebSocket ストリーム
	// (GET /ws/video_feed)
	VideoFeedWebSocket(c *gin.Context)
}

// ServerInterfaceWrapper converts contexts to parameters.
type ServerInterfaceWrapper struct {
	Handler            ServerInterface
	HandlerMiddlewares []MiddlewareFunc
	ErrorHandler       func(*gin.Context, error, int)
}

// MiddlewareFunc はハンドラーの前に実行される
type MiddlewareFunc func(c *gin.Context)

// wrap はミドルウェアを実行し、中断されていなければ next を呼ぶ
func (siw *ServerInterfaceWrapper) wrap(c *gin.Context, next func()) {
	for _, middleware := range siw.HandlerMiddlewares {
		middleware(c)
		if c.IsAborted() {
			return
		}
	}
	next()
}

// GetIndex operation middleware
func (siw *ServerInterfaceWrapper) GetIndex(c *gin.Context) {
	siw.wrap(c, func() { siw.Handler.GetIndex(c) })
}

// ListPhotos operation middleware
func (siw *ServerInterfaceWrapper) ListPhotos(c *gin.Context) {
	siw.wrap(c, func() { siw.Handler.ListPhotos(c) })
}

// DescribePhoto operation middleware
func (siw *ServerInterfaceWrapper) DescribePhoto(c *gin.Context) {
	var err error

	// ------------- Path parameter "photoId" -------------
	var photoId PhotoId

	err = runtime.BindStyledParameterWithOptions("simple", "photoId", c.Param("photoId"), &photoId,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Explode: false, Required: true})
	if err != nil {
		siw.ErrorHandler(c, fmt.Errorf("Invalid format for parameter photoId: %w", err), http.StatusBadRequest)
		return
	}

	siw.wrap(c, func() { siw.Handler.DescribePhoto(c, photoId) })
}

// GetStatus operation middleware
func (siw *ServerInterfaceWrapper) GetStatus(c *gin.Context) {
	siw.wrap(c, func() { siw.Handler.GetStatus(c) })
}

// GetTimelapse operation middleware
func (siw *ServerInterfaceWrapper) GetTimelapse(c *gin.Context) {
	siw.wrap(c, func() { siw.Handler.GetTimelapse(c) })
}

// StartTimelapse operation middleware
func (siw *ServerInterfaceWrapper) StartTimelapse(c *gin.Context) {
	siw.wrap(c, func() { siw.Handler.StartTimelapse(c) })
}

// StopTimelapse operation middleware
func (siw *ServerInterfaceWrapper) StopTimelapse(c *gin.Context) {
	siw.wrap(c, func() { siw.Handler.StopTimelapse(c) })
}

// CapturePhoto operation middleware
func (siw *ServerInterfaceWrapper) CapturePhoto(c *gin.Context) {
	siw.wrap(c, func() { siw.Handler.CapturePhoto(c) })
}

// HealthCheck operation middleware
func (siw *ServerInterfaceWrapper) HealthCheck(c *gin.Context) {
	siw.wrap(c, func() { siw.Handler.HealthCheck(c) })
}

// ResetDefaultLiveSettings operation middleware
func (siw *ServerInterfaceWrapper) ResetDefaultLiveSettings(c *gin.Context) {
	siw.wrap(c, func() { siw.Handler.ResetDefaultLiveSettings(c) })
}

// SaveSettings operation middleware
func (siw *ServerInterfaceWrapper) SaveSettings(c *gin.Context) {
	siw.wrap(c, func() { siw.Handler.SaveSettings(c) })
}

// SendImageToOpenai operation middleware
func (siw *ServerInterfaceWrapper) SendImageToOpenai(c *gin.Context) {
	siw.wrap(c, func() { siw.Handler.SendImageToOpenai(c) })
}

// UpdateLiveSettings operation middleware
func (siw *ServerInterfaceWrapper) UpdateLiveSettings(c *gin.Context) {
	siw.wrap(c, func() { siw.Handler.UpdateLiveSettings(c) })
}

// UpdateRestartSettings operation middleware
func (siw *ServerInterfaceWrapper) UpdateRestartSettings(c *gin.Context) {
	siw.wrap(c, func() { siw.Handler.UpdateRestartSettings(c) })
}

// VideoFeed operation middleware
func (siw *ServerInterfaceWrapper) VideoFeed(c *gin.Context) {
	siw.wrap(c, func() { siw.Handler.VideoFeed(c) })
}

// VideoFeedWebSocket operation middleware
func (siw *ServerInterfaceWrapper) VideoFeedWebSocket(c *gin.Context) {
	siw.wrap(c, func() { siw.Handler.VideoFeedWebSocket(c) })
}

// GinServerOptions provides options for the Gin server.
type GinServerOptions struct {
	BaseURL      string
	Middlewares  []MiddlewareFunc
	ErrorHandler func(*gin.Context, error, int)
}

// RegisterHandlers creates http.Handler with routing matching the OpenAPI document.
func RegisterHandlers(router gin.IRouter, si ServerInterface) {
	RegisterHandlersWithOptions(router, si, GinServerOptions{})
}

// RegisterHandlersWithOptions creates http.Handler with additional options
func RegisterHandlersWithOptions(router gin.IRouter, si ServerInterface, options GinServerOptions) {
	errorHandler := options.ErrorHandler
	if errorHandler == nil {
		errorHandler = func(c *gin.Context, err error, statusCode int) {
			c.JSON(statusCode, gin.H{"msg": err.Error()})
		}
	}

	wrapper := ServerInterfaceWrapper{
		Handler:            si,
		HandlerMiddlewares: options.Middlewares,
		ErrorHandler:       errorHandler,
	}

	router.GET(options.BaseURL+"/", wrapper.GetIndex)
	router.GET(options.BaseURL+"/api/photos", wrapper.ListPhotos)
	router.POST(options.BaseURL+"/api/photos/:photoId/describe", wrapper.DescribePhoto)
	router.GET(options.BaseURL+"/api/status", wrapper.GetStatus)
	router.GET(options.BaseURL+"/api/timelapse", wrapper.GetTimelapse)
	router.POST(options.BaseURL+"/api/timelapse/start", wrapper.StartTimelapse)
	router.POST(options.BaseURL+"/api/timelapse/stop", wrapper.StopTimelapse)
	router.POST(options.BaseURL+"/capture_photo", wrapper.CapturePhoto)
	router.GET(options.BaseURL+"/health", wrapper.HealthCheck)
	router.GET(options.BaseURL+"/reset_default_live_settings", wrapper.ResetDefaultLiveSettings)
	router.GET(options.BaseURL+"/save_settings", wrapper.SaveSettings)
	router.POST(options.BaseURL+"/send_image_to_openai", wrapper.SendImageToOpenai)
	router.POST(options.BaseURL+"/update_live_settings", wrapper.UpdateLiveSettings)
	router.POST(options.BaseURL+"/update_restart_settings", wrapper.UpdateRestartSettings)
	router.GET(options.BaseURL+"/video_feed", wrapper.VideoFeed)
	router.GET(options.BaseURL+"/ws/video_feed", wrapper.VideoFeedWebSocket)
}

package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers/legacy"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"kipicam/internal/generated"
	"kipicam/internal/logging"
)

// RequestID は X-Request-ID を引き継ぐか新しく発行する
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header("X-Request-ID", requestID)
		c.Set(logging.RequestIDKey, requestID)
		c.Set(logging.StartTimeKey, time.Now())
		c.Next()
	}
}

// AccessLog はリクエストごとにアクセスログを出力する
func AccessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		status := c.Writer.Status()
		event := logging.Info
		switch {
		case status >= http.StatusInternalServerError:
			event = logging.Error
		case status >= http.StatusBadRequest:
			event = logging.Warn
		}
		event(c).Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Str("client_ip", c.ClientIP()).
			Msg("http_request")
	}
}

// Recovery は panic を 500 の JSON 応答に変換する
func Recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		log.Error().
			Interface("error", recovered).
			Str("path", c.Request.URL.Path).
			Str("method", c.Request.Method).
			Msg("panic_recovered")
		c.AbortWithStatusJSON(http.StatusInternalServerError, generated.ErrorResponse{
			Success: false,
			Message: "Internal server error",
		})
	})
}

// CORS は全オリジンからのアクセスを許可する
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Accept, Content-Type, X-Request-ID, X-Requested-With, Origin, Cache-Control")
		c.Header("Access-Control-Expose-Headers", "Content-Length, X-Request-ID")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// OpenAPIValidator は openapi.yaml に定義されたルートのリクエストを検証する
// 生成されたルートのミドルウェアとして使う。一致するルートがなければ何もしない
func OpenAPIValidator(swagger *openapi3.T) (generated.MiddlewareFunc, error) {
	// ホスト名で一致させない
	swagger.Servers = nil

	router, err := legacy.NewRouter(swagger)
	if err != nil {
		return nil, fmt.Errorf("OpenAPI ルーターの作成に失敗: %w", err)
	}

	options := &openapi3filter.Options{
		AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
	}

	return func(c *gin.Context) {
		route, pathParams, err := router.FindRoute(c.Request)
		if err != nil {
			return
		}

		input := &openapi3filter.RequestValidationInput{
			Request:    c.Request,
			PathParams: pathParams,
			Route:      route,
			Options:    options,
		}
		if err := openapi3filter.ValidateRequest(c.Request.Context(), input); err != nil {
			logging.Warn(c).Err(err).Str("path", c.Request.URL.Path).Msg("リクエストが API 定義に一致しません")
			kind := "contract"
			c.AbortWithStatusJSON(http.StatusBadRequest, generated.ErrorResponse{
				Success:   false,
				Message:   err.Error(),
				ErrorKind: &kind,
			})
		}
	}, nil
}

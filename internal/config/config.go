package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// DefaultPath は設定ファイルの既定パス
const DefaultPath = "config.yaml"

// DefaultPrompt は画像説明に使う既定のプロンプト
const DefaultPrompt = "Das ist ein Foto. Beschreibe die Mimik und Gestik der Person. Wie fühlt sich die Person gerade? Beschreibe in maximal drei Sätzen."

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Camera    CameraConfig    `yaml:"camera"`
	Paths     PathsConfig     `yaml:"paths"`
	Vision    VisionConfig    `yaml:"vision"`
	Events    EventsConfig    `yaml:"events"`
	Timelapse TimelapseConfig `yaml:"timelapse"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string `yaml:"host"` // リッスンするホスト
	Port int    `yaml:"port"` // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // 読み込みタイムアウト
	WriteTimeout time.Duration `yaml:"write_timeout"` // 書き込みタイムアウト
}

// LogConfig はログ出力の設定
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // console または json
}

// CameraConfig はカメラ関連の設定
type CameraConfig struct {
	Driver string `yaml:"driver"` // rpicam または mock
	Index  int    `yaml:"index"`  // rpicam の --camera 番号

	// rpicam-apps のコマンド
	VidCommand   string `yaml:"vid_command"`
	StillCommand string `yaml:"still_command"`
	HelloCommand string `yaml:"hello_command"`

	// 安定待ち時間
	StartSettle time.Duration `yaml:"start_settle"`
	StopSettle  time.Duration `yaml:"stop_settle"`
	LiveSettle  time.Duration `yaml:"live_settle"`

	StillTimeout time.Duration `yaml:"still_timeout"` // 静止画撮影のタイムアウト
	MockFPS      int           `yaml:"mock_fps"`      // mock ドライバのフレームレート
}

// PathsConfig はファイル配置の設定
type PathsConfig struct {
	SettingsFile   string `yaml:"settings_file"`    // camera-config.json
	ModuleInfoFile string `yaml:"module_info_file"` // camera-module-info.json
	GalleryDir     string `yaml:"gallery_dir"`      // 撮影画像の保存先
	GalleryURL     string `yaml:"gallery_url"`      // 撮影画像の公開URLプレフィックス
}

// VisionConfig は画像説明APIの設定
type VisionConfig struct {
	APIKey    string        `yaml:"api_key"`
	BaseURL   string        `yaml:"base_url"`
	Model     string        `yaml:"model"`
	Prompt    string        `yaml:"prompt"`
	MaxTokens int           `yaml:"max_tokens"`
	Timeout   time.Duration `yaml:"timeout"`
}

// EventsConfig はイベント通知の設定
// URL が空の場合は通知しない
type EventsConfig struct {
	URL      string `yaml:"url"`       // nats://, mqtt://, tcp://
	Prefix   string `yaml:"prefix"`    // サブジェクト/トピックの接頭辞
	ClientID string `yaml:"client_id"` // MQTT クライアントID
}

// TimelapseConfig はタイムラプスの設定
type TimelapseConfig struct {
	Dir      string        `yaml:"dir"`      // 出力ディレクトリ
	URL      string        `yaml:"url"`      // 動画の公開URLプレフィックス
	Interval time.Duration `yaml:"interval"` // 撮影間隔
	FPS      int           `yaml:"fps"`      // 出力動画のフレームレート
	Quality  int           `yaml:"quality"`  // 動画品質 (1-5)
}

// Default はデフォルト設定を返す
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 0, // ストリーミング用にタイムアウト無効化
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Camera: CameraConfig{
			Driver:       "rpicam",
			Index:        0,
			VidCommand:   "rpicam-vid",
			StillCommand: "rpicam-still",
			HelloCommand: "rpicam-hello",
			StartSettle:  1 * time.Second,
			StopSettle:   1 * time.Second,
			LiveSettle:   500 * time.Millisecond,
			StillTimeout: 30 * time.Second,
			MockFPS:      15,
		},
		Paths: PathsConfig{
			SettingsFile:   "camera-config.json",
			ModuleInfoFile: "camera-module-info.json",
			GalleryDir:     "static/gallery",
			GalleryURL:     "/static/gallery",
		},
		Vision: VisionConfig{
			Model:     "gpt-4o",
			Prompt:    DefaultPrompt,
			MaxTokens: 100,
			Timeout:   60 * time.Second,
		},
		Events: EventsConfig{
			Prefix:   "kipicam",
			ClientID: "kipicam",
		},
		Timelapse: TimelapseConfig{
			Dir:      "static/timelapse",
			URL:      "/static/timelapse",
			Interval: 2 * time.Second,
			FPS:      30,
			Quality:  3,
		},
	}
}

// Load は設定を読み込む
// .env → デフォルト値 → YAMLファイル → 環境変数 の順に上書きする
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg(".env を読み込めませんでした（環境変数のみを使用）")
	}

	cfg := Default()

	if path == "" {
		path = getEnvOrDefault("CONFIG_FILE", DefaultPath)
	}
	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}

	cfg.applyEnv()

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

// loadFile はYAMLファイルで設定を上書きする
// ファイルが存在しない場合は何もしない
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("設定ファイル %s の読み込みに失敗: %w", path, err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("設定ファイル %s の解析に失敗: %w", path, err)
	}
	return nil
}

// applyEnv は環境変数で設定を上書きする
func (c *Config) applyEnv() {
	c.Server.Host = getEnvOrDefault("SERVER_HOST", c.Server.Host)
	c.Server.Port = getEnvAsIntOrDefault("PORT", c.Server.Port)

	c.Log.Level = getEnvOrDefault("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnvOrDefault("LOG_FORMAT", c.Log.Format)

	c.Camera.Driver = getEnvOrDefault("CAMERA_DRIVER", c.Camera.Driver)
	c.Camera.Index = getEnvAsIntOrDefault("CAMERA_INDEX", c.Camera.Index)

	c.Paths.SettingsFile = getEnvOrDefault("SETTINGS_FILE", c.Paths.SettingsFile)
	c.Paths.ModuleInfoFile = getEnvOrDefault("MODULE_INFO_FILE", c.Paths.ModuleInfoFile)
	c.Paths.GalleryDir = getEnvOrDefault("GALLERY_DIR", c.Paths.GalleryDir)

	c.Vision.APIKey = getEnvOrDefault("OPENAI_API_KEY", c.Vision.APIKey)
	c.Vision.BaseURL = getEnvOrDefault("OPENAI_BASE_URL", c.Vision.BaseURL)
	c.Vision.Model = getEnvOrDefault("OPENAI_MODEL", c.Vision.Model)
	c.Vision.Prompt = getEnvOrDefault("OPENAI_PROMPT", c.Vision.Prompt)
	c.Vision.MaxTokens = getEnvAsIntOrDefault("OPENAI_MAX_TOKENS", c.Vision.MaxTokens)

	c.Events.URL = getEnvOrDefault("EVENTS_URL", c.Events.URL)
	c.Events.Prefix = getEnvOrDefault("EVENTS_PREFIX", c.Events.Prefix)

	c.Timelapse.Dir = getEnvOrDefault("TIMELAPSE_DIR", c.Timelapse.Dir)
	c.Timelapse.Interval = getEnvAsDurationOrDefault("TIMELAPSE_INTERVAL", c.Timelapse.Interval)
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	// サーバー設定の検証
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("無効なポート番号: %d", c.Server.Port)
	}

	switch c.Camera.Driver {
	case "rpicam", "mock":
	default:
		return fmt.Errorf("無効なカメラドライバ: %q", c.Camera.Driver)
	}

	if c.Camera.StartSettle < 0 || c.Camera.StopSettle < 0 || c.Camera.LiveSettle < 0 {
		return fmt.Errorf("安定待ち時間は0以上である必要があります")
	}

	if c.Camera.MockFPS < 1 {
		return fmt.Errorf("無効なフレームレート: %d", c.Camera.MockFPS)
	}

	if strings.TrimSpace(c.Paths.SettingsFile) == "" {
		return fmt.Errorf("設定ドキュメントのパスが空です")
	}

	if c.Vision.MaxTokens < 1 {
		return fmt.Errorf("無効な最大トークン数: %d", c.Vision.MaxTokens)
	}

	if c.Timelapse.Interval <= 0 {
		return fmt.Errorf("無効なタイムラプス間隔: %s", c.Timelapse.Interval)
	}

	return nil
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// getEnvOrDefault は環境変数を取得し、設定されていない場合はデフォルト値を返す
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault は環境変数を整数として取得し、設定されていない場合はデフォルト値を返す
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvAsDurationOrDefault は環境変数を time.Duration として取得する
func getEnvAsDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

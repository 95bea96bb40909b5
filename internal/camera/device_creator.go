package camera

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// DeviceCreator はカメラデバイスを作成するインターフェース
type DeviceCreator interface {
	CreateDevice(ctx context.Context) (Device, error)
}

// RpicamDeviceCreator は実機用のデバイスを作成する
type RpicamDeviceCreator struct {
	Config RpicamConfig
	Logger zerolog.Logger
}

// CreateDevice は rpicam-apps を使うデバイスを作成する
func (c RpicamDeviceCreator) CreateDevice(ctx context.Context) (Device, error) {
	return NewRpicamDevice(ctx, c.Config, c.Logger)
}

// SimulatedDeviceCreator はテスト・開発用のデバイスを作成する
type SimulatedDeviceCreator struct {
	Options SimulatedOptions
}

// CreateDevice はシミュレーションデバイスを作成する
func (c SimulatedDeviceCreator) CreateDevice(_ context.Context) (Device, error) {
	return NewSimulatedDevice(c.Options), nil
}

// NewDeviceCreator はドライバ名に応じた DeviceCreator を返す
func NewDeviceCreator(driver string, rpicam RpicamConfig, fps int, logger zerolog.Logger) (DeviceCreator, error) {
	switch driver {
	case "rpicam":
		return RpicamDeviceCreator{Config: rpicam, Logger: logger}, nil
	case "mock":
		opts := DefaultSimulatedOptions()
		if fps > 0 {
			opts.FPS = fps
		}
		return SimulatedDeviceCreator{Options: opts}, nil
	default:
		return nil, fmt.Errorf("未対応のカメラドライバ: %s", driver)
	}
}

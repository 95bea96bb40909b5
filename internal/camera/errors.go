package camera

import (
	"errors"
	"fmt"
)

// デバイスエラーの種類
var (
	ErrDeviceBusy    = errors.New("カメラデバイスが使用中です")
	ErrInvalidConfig = errors.New("無効なパイプライン構成です")
	ErrDeviceIO      = errors.New("カメラデバイスのI/Oエラー")
	ErrNotRunning    = errors.New("ストリームが開始されていません")
)

// DeviceError はデバイス操作の失敗を表す
// Kind は ErrDeviceBusy / ErrInvalidConfig / ErrDeviceIO / ErrNotRunning のいずれか
type DeviceError struct {
	Op   string // configure, start, stop, controls, still
	Kind error
	Err  error
}

func (e *DeviceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *DeviceError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// deviceError は err を DeviceError で包む
// err が既に DeviceError であればそのまま返す
func deviceError(op string, kind error, err error) error {
	var de *DeviceError
	if errors.As(err, &de) {
		return err
	}
	if kind == nil {
		kind = classify(err)
	}
	return &DeviceError{Op: op, Kind: kind, Err: err}
}

// classify はエラーの種類を推定する
func classify(err error) error {
	switch {
	case errors.Is(err, ErrDeviceBusy):
		return ErrDeviceBusy
	case errors.Is(err, ErrInvalidConfig):
		return ErrInvalidConfig
	case errors.Is(err, ErrNotRunning):
		return ErrNotRunning
	default:
		return ErrDeviceIO
	}
}

// ErrorKind はエラーの種類を文字列で返す
// DeviceError でない場合は空文字を返す
func ErrorKind(err error) string {
	var de *DeviceError
	if !errors.As(err, &de) {
		return ""
	}
	switch de.Kind {
	case ErrDeviceBusy:
		return "device_busy"
	case ErrInvalidConfig:
		return "invalid_configuration"
	case ErrNotRunning:
		return "not_running"
	default:
		return "device_io"
	}
}

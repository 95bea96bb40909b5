package settings

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"kipicam/internal/camera"
)

func TestNewCoercionTable(t *testing.T) {
	caps := map[string]camera.ControlInfo{
		"ExposureTime":    {Min: 26, Max: 220417486, Default: 20000},
		"Brightness":      {Min: -1.0, Max: 1.0, Default: 0.0},
		"AwbEnable":       {Min: false, Max: true},
		"ScalerCrop":      {Default: []int{0, 0, 64, 48}},
		"AeFlickerPeriod": {},
		"Vendor":          {},
	}

	table := NewCoercionTable(caps)

	expected := CoercionTable{
		"ExposureTime":    KindInt,
		"Brightness":      KindFloat,
		"AwbEnable":       KindBool,
		"ScalerCrop":      KindPassthrough,
		"AeFlickerPeriod": KindInt,         // メタデータなし、固定の表に従う
		"Vendor":          KindPassthrough, // どちらにもない
	}
	if !reflect.DeepEqual(table, expected) {
		t.Errorf("Unexpected table:\n got: %v\nwant: %v", table, expected)
	}
}

func TestCoerce(t *testing.T) {
	table := CoercionTable{
		"ExposureTime": KindInt,
		"Brightness":   KindFloat,
		"AeEnable":     KindBool,
		"ScalerCrop":   KindPassthrough,
	}

	tests := []struct {
		name     string
		key      string
		value    any
		expected any
		wantErr  bool
	}{
		{name: "整数", key: "ExposureTime", value: 1000, expected: 1000},
		{name: "小数の切り捨て", key: "ExposureTime", value: 1000.9, expected: 1000},
		{name: "数値文字列", key: "ExposureTime", value: " 250 ", expected: 250},
		{name: "json.Number", key: "ExposureTime", value: json.Number("42"), expected: 42},
		{name: "整数に変換できない", key: "ExposureTime", value: "abc", wantErr: true},
		{name: "整数の範囲外", key: "ExposureTime", value: 1e300, wantErr: true},
		{name: "負の整数の範囲外", key: "ExposureTime", value: -1e300, wantErr: true},
		{name: "json.Number の範囲外", key: "ExposureTime", value: json.Number("1e300"), wantErr: true},
		{name: "浮動小数", key: "Brightness", value: 0.25, expected: 0.25},
		{name: "整数から浮動小数", key: "Brightness", value: 1, expected: 1.0},
		{name: "文字列から浮動小数", key: "Brightness", value: "-0.5", expected: -0.5},
		{name: "NaN文字列", key: "Brightness", value: "NaN", wantErr: true},
		{name: "真偽値", key: "AeEnable", value: true, expected: true},
		{name: "数値から真偽値", key: "AeEnable", value: 0.0, expected: false},
		{name: "文字列から真偽値", key: "AeEnable", value: "true", expected: true},
		{name: "配列はそのまま", key: "ScalerCrop", value: []int{0, 0, 10, 20}, expected: []any{0.0, 0.0, 10.0, 20.0}},
		{name: "未知のキー", key: "Bogus", value: 1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := table.Coerce(tt.key, tt.value)
			if tt.wantErr {
				var verr *ValidationError
				if !errors.As(err, &verr) {
					t.Fatalf("Expected ValidationError, got %v", err)
				}
				if verr.Key != tt.key {
					t.Errorf("Expected key %q, got %q", tt.key, verr.Key)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if !reflect.DeepEqual(got, tt.expected) {
				t.Errorf("Expected %#v, got %#v", tt.expected, got)
			}
		})
	}
}

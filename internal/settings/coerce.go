package settings

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"kipicam/internal/camera"
)

// Kind はコントロール値の型
type Kind int

// Kind の定数定義
const (
	KindPassthrough Kind = iota // 構造をそのまま保持する（クロップ矩形など）
	KindInt
	KindFloat
	KindBool
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	default:
		return "passthrough"
	}
}

// fallbackKinds はデバイスのメタデータから型を判定できない場合に使う表
var fallbackKinds = map[string]Kind{
	"AfMode":           KindInt,
	"AeConstraintMode": KindInt,
	"AeExposureMode":   KindInt,
	"AeFlickerMode":    KindInt,
	"AeFlickerPeriod":  KindInt,
	"AeMeteringMode":   KindInt,
	"AfRange":          KindInt,
	"AfSpeed":          KindInt,
	"AwbMode":          KindInt,
	"ExposureTime":     KindInt,
	"Brightness":       KindFloat,
	"Contrast":         KindFloat,
	"Saturation":       KindFloat,
	"Sharpness":        KindFloat,
	"ExposureValue":    KindFloat,
	"LensPosition":     KindFloat,
	"AeEnable":         KindPassthrough,
	"AwbEnable":        KindPassthrough,
	"ScalerCrop":       KindPassthrough,
}

// CoercionTable はコントロール名から値の型への対応表
type CoercionTable map[string]Kind

// NewCoercionTable はデバイスが公開するコントロール情報から型の対応表を作る
// 既定値（なければ最小値）の型で判定し、判定できない場合は固定の表に従う
func NewCoercionTable(caps map[string]camera.ControlInfo) CoercionTable {
	table := make(CoercionTable, len(caps))
	for name, info := range caps {
		if k, ok := kindOf(info.Default); ok {
			table[name] = k
			continue
		}
		if k, ok := kindOf(info.Min); ok {
			table[name] = k
			continue
		}
		table[name] = fallbackKinds[name]
	}
	return table
}

func kindOf(v any) (Kind, bool) {
	switch v.(type) {
	case nil:
		return 0, false
	case int, int32, int64:
		return KindInt, true
	case float32, float64:
		return KindFloat, true
	case bool:
		return KindBool, true
	default:
		return KindPassthrough, true
	}
}

// Coerce は値をコントロールの型に変換する
// 対応表にないキーは ValidationError になる
func (t CoercionTable) Coerce(key string, value any) (any, error) {
	kind, ok := t[key]
	if !ok {
		return nil, &ValidationError{Key: key, Value: value, Reason: "デバイスが対応していないコントロールです"}
	}

	var (
		out any
		err error
	)
	switch kind {
	case KindInt:
		out, err = toInt(value)
	case KindFloat:
		out, err = toFloat(value)
	case KindBool:
		out, err = toBool(value)
	default:
		out, err = normalize(value)
	}
	if err != nil {
		return nil, &ValidationError{Key: key, Value: value, Reason: err.Error()}
	}
	return out, nil
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return floatToInt(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i), nil
		}
		f, err := n.Float64()
		if err != nil {
			return 0, fmt.Errorf("整数に変換できません")
		}
		return floatToInt(f)
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, fmt.Errorf("整数に変換できません")
		}
		return i, nil
	default:
		return 0, fmt.Errorf("整数が必要です (%T)", v)
	}
}

// floatToInt は小数を切り捨てて int にする。int の範囲外はエラー
func floatToInt(f float64) (int, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("整数に変換できません")
	}
	if f < float64(math.MinInt) || f >= float64(math.MaxInt) {
		return 0, fmt.Errorf("整数の範囲外です")
	}
	return int(f), nil
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, fmt.Errorf("有限の数値が必要です")
		}
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, fmt.Errorf("数値に変換できません")
		}
		return f, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, fmt.Errorf("数値に変換できません")
		}
		return f, nil
	default:
		return 0, fmt.Errorf("数値が必要です (%T)", v)
	}
}

func toBool(v any) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case float64:
		return b != 0, nil
	case int:
		return b != 0, nil
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(b))
		if err != nil {
			return false, fmt.Errorf("真偽値に変換できません")
		}
		return parsed, nil
	default:
		return false, fmt.Errorf("真偽値が必要です (%T)", v)
	}
}

// normalize は値を JSON で表現できる標準の型（float64, []any, map[string]any）に揃える
// 保存→再読み込みで同じ値になるようにするため
func normalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("JSONで表現できない値です")
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("JSONで表現できない値です")
	}
	return out, nil
}

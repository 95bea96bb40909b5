package camera

import (
	"fmt"
	"slices"
	"strconv"
)

// libcameraControls は libcamera の標準コントロールと
// Raspberry Pi カメラモジュールで報告される範囲・既定値
func libcameraControls(autofocus bool, pixelArray Size) map[string]ControlInfo {
	controls := map[string]ControlInfo{
		"AeConstraintMode": {Min: 0, Max: 3, Default: 0},
		"AeEnable":         {Min: false, Max: true, Default: nil},
		"AeExposureMode":   {Min: 0, Max: 3, Default: 0},
		"AeFlickerMode":    {Min: 0, Max: 1, Default: 0},
		"AeFlickerPeriod":  {Min: 100, Max: 1000000, Default: nil},
		"AeMeteringMode":   {Min: 0, Max: 3, Default: 0},
		"AnalogueGain":     {Min: 1.0, Max: 16.0, Default: nil},
		"AwbEnable":        {Min: false, Max: true, Default: nil},
		"AwbMode":          {Min: 0, Max: 7, Default: 0},
		"Brightness":       {Min: -1.0, Max: 1.0, Default: 0.0},
		"Contrast":         {Min: 0.0, Max: 32.0, Default: 1.0},
		"ExposureTime":     {Min: 1, Max: 66666666, Default: 20000},
		"ExposureValue":    {Min: -8.0, Max: 8.0, Default: 0.0},
		"Saturation":       {Min: 0.0, Max: 32.0, Default: 1.0},
		"Sharpness":        {Min: 0.0, Max: 16.0, Default: 1.0},
		"ScalerCrop": {
			Min:     []int{0, 0, 0, 0},
			Max:     []int{65535, 65535, 65535, 65535},
			Default: []int{0, 0, pixelArray.Width, pixelArray.Height},
		},
	}

	if autofocus {
		controls["AfMode"] = ControlInfo{Min: 0, Max: 2, Default: 0}
		controls["AfRange"] = ControlInfo{Min: 0, Max: 2, Default: 0}
		controls["AfSpeed"] = ControlInfo{Min: 0, Max: 1, Default: 0}
		controls["LensPosition"] = ControlInfo{Min: 0.0, Max: 32.0, Default: 1.0}
	}

	return controls
}

var (
	awbModes      = []string{"auto", "incandescent", "tungsten", "fluorescent", "indoor", "daylight", "cloudy", "custom"}
	meteringModes = []string{"centre", "spot", "average", "custom"}
	exposureModes = []string{"normal", "short", "long", "custom"}
	afModes       = []string{"manual", "auto", "continuous"}
	afRanges      = []string{"normal", "macro", "full"}
	afSpeeds      = []string{"normal", "fast"}
)

// controlArgs はコントロールを rpicam-apps のコマンドライン引数に変換する
// 対応するオプションがないコントロールは無視する
func controlArgs(controls map[string]any, pixelArray Size) []string {
	var args []string

	keys := make([]string, 0, len(controls))
	for k := range controls {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	aeDisabled := controls["AeEnable"] == false

	for _, key := range keys {
		v := controls[key]
		switch key {
		case "Brightness":
			args = append(args, "--brightness", formatFloat(v))
		case "Contrast":
			args = append(args, "--contrast", formatFloat(v))
		case "Saturation":
			args = append(args, "--saturation", formatFloat(v))
		case "Sharpness":
			args = append(args, "--sharpness", formatFloat(v))
		case "ExposureValue":
			args = append(args, "--ev", formatFloat(v))
		case "ExposureTime":
			// 自動露出が有効な間はシャッター速度を固定しない
			if aeDisabled {
				args = append(args, "--shutter", formatInt(v))
			}
		case "AnalogueGain":
			if aeDisabled {
				args = append(args, "--gain", formatFloat(v))
			}
		case "AwbMode":
			args = appendEnum(args, "--awb", awbModes, v)
		case "AeMeteringMode":
			args = appendEnum(args, "--metering", meteringModes, v)
		case "AeExposureMode":
			args = appendEnum(args, "--exposure", exposureModes, v)
		case "AeFlickerPeriod":
			if n, ok := toInt(controls["AeFlickerMode"]); ok && n == 1 {
				args = append(args, "--flicker-period", formatInt(v)+"us")
			}
		case "AfMode":
			args = appendEnum(args, "--autofocus-mode", afModes, v)
		case "AfRange":
			args = appendEnum(args, "--autofocus-range", afRanges, v)
		case "AfSpeed":
			args = appendEnum(args, "--autofocus-speed", afSpeeds, v)
		case "LensPosition":
			// レンズ位置は手動フォーカス時のみ有効
			if n, ok := toInt(controls["AfMode"]); ok && n == 0 {
				args = append(args, "--lens-position", formatFloat(v))
			}
		case "ScalerCrop":
			if roi, ok := cropToROI(v, pixelArray); ok {
				args = append(args, "--roi", roi)
			}
		}
	}

	return args
}

func appendEnum(args []string, flag string, names []string, v any) []string {
	n, ok := toInt(v)
	if !ok || n < 0 || n >= len(names) {
		return args
	}
	return append(args, flag, names[n])
}

// cropToROI はセンサー座標のクロップ矩形を --roi の正規化座標に変換する
func cropToROI(v any, pixelArray Size) (string, bool) {
	rect, ok := toIntSlice(v)
	if !ok || len(rect) != 4 || !pixelArray.Valid() {
		return "", false
	}
	if rect[2] <= 0 || rect[3] <= 0 {
		return "", false
	}
	w := float64(pixelArray.Width)
	h := float64(pixelArray.Height)
	return fmt.Sprintf("%s,%s,%s,%s",
		strconv.FormatFloat(float64(rect[0])/w, 'f', 4, 64),
		strconv.FormatFloat(float64(rect[1])/h, 'f', 4, 64),
		strconv.FormatFloat(float64(rect[2])/w, 'f', 4, 64),
		strconv.FormatFloat(float64(rect[3])/h, 'f', 4, 64),
	), true
}

func formatFloat(v any) string {
	switch n := v.(type) {
	case float64:
		return strconv.FormatFloat(n, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(n), 'f', -1, 32)
	case int:
		return strconv.Itoa(n)
	case int64:
		return strconv.FormatInt(n, 10)
	default:
		return fmt.Sprint(v)
	}
}

func formatInt(v any) string {
	if n, ok := toInt(v); ok {
		return strconv.Itoa(n)
	}
	return fmt.Sprint(v)
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func toIntSlice(v any) ([]int, bool) {
	switch s := v.(type) {
	case []int:
		return s, true
	case []any:
		out := make([]int, 0, len(s))
		for _, e := range s {
			n, ok := toInt(e)
			if !ok {
				return nil, false
			}
			out = append(out, n)
		}
		return out, true
	default:
		return nil, false
	}
}

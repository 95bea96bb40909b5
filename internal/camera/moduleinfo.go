package camera

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ModuleInfo はカメラモジュールの参照情報1件
// sensor_model 以外のキーはそのまま保持する
type ModuleInfo map[string]any

// SensorModel はセンサー型番を返す
func (m ModuleInfo) SensorModel() string {
	s, _ := m["sensor_model"].(string)
	return s
}

// ModuleCatalog は camera-module-info.json の内容（読み取り専用）
type ModuleCatalog struct {
	modules []ModuleInfo
}

// LoadModuleCatalog は参照ドキュメントを読み込む
// ファイルが存在しない場合は空のカタログを返す
func LoadModuleCatalog(path string) (*ModuleCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &ModuleCatalog{}, nil
		}
		return nil, fmt.Errorf("カメラモジュール情報 %s の読み込みに失敗: %w", path, err)
	}

	var modules []ModuleInfo
	if err := json.Unmarshal(data, &modules); err != nil {
		// {"camera_modules": [...]} 形式も受け付ける
		var wrapped struct {
			Modules []ModuleInfo `json:"camera_modules"`
		}
		if err2 := json.Unmarshal(data, &wrapped); err2 != nil {
			return nil, fmt.Errorf("カメラモジュール情報 %s の解析に失敗: %w", path, err)
		}
		modules = wrapped.Modules
	}

	return &ModuleCatalog{modules: modules}, nil
}

// NewModuleCatalog はモジュール情報の一覧からカタログを作る
func NewModuleCatalog(modules []ModuleInfo) *ModuleCatalog {
	return &ModuleCatalog{modules: modules}
}

// Len は登録数を返す
func (c *ModuleCatalog) Len() int {
	return len(c.modules)
}

// Lookup はセンサー型番に一致するモジュール情報を返す
// imx708_wide のような派生名は imx708 にも一致する
func (c *ModuleCatalog) Lookup(model string) (ModuleInfo, bool) {
	model = strings.ToLower(model)
	var best ModuleInfo
	bestLen := 0
	for _, m := range c.modules {
		sensor := strings.ToLower(m.SensorModel())
		if sensor == "" {
			continue
		}
		if sensor == model {
			return m, true
		}
		if strings.HasPrefix(model, sensor) && len(sensor) > bestLen {
			best, bestLen = m, len(sensor)
		}
	}
	return best, bestLen > 0
}

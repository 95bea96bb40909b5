package settings

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// 設定ドキュメントのトップレベルキー
const (
	keyControls        = "controls"
	keyRotation        = "rotation"
	keySensorMode      = "sensor-mode"
	keyCaptureSettings = "capture-settings"

	keyResolution           = "Resolution"
	keyAvailableResolutions = "available-resolutions"
	keyMakeRaw              = "makeRaw"
	keyHFlip                = "hflip"
	keyVFlip                = "vflip"
)

// defaultSensorMode はドキュメントに sensor-mode がない場合の値
const defaultSensorMode = 1

// document は設定ドキュメントの生データ
// 未知のキーを保持したまま書き戻すため、値は json.RawMessage のまま扱う
type document map[string]json.RawMessage

// readDocument はドキュメントを読み込む
func readDocument(path string) (document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("JSONの解析に失敗: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("ドキュメントがオブジェクトではありません")
	}
	return doc, nil
}

// group はトップレベルのオブジェクトを取り出す。存在しなければ空を返す
func (d document) group(key string) (map[string]json.RawMessage, error) {
	raw, ok := d[key]
	if !ok {
		return map[string]json.RawMessage{}, nil
	}
	var g map[string]json.RawMessage
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, fmt.Errorf("%s はオブジェクトである必要があります: %w", key, err)
	}
	if g == nil {
		g = map[string]json.RawMessage{}
	}
	return g, nil
}

// merge は values をグループに上書きする。グループ内の他のキーは保持する
func (d document) merge(key string, values map[string]any) error {
	g, err := d.group(key)
	if err != nil {
		return err
	}
	for k, v := range values {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("%s.%s のエンコードに失敗: %w", key, k, err)
		}
		g[k] = data
	}
	data, err := json.Marshal(g)
	if err != nil {
		return err
	}
	d[key] = data
	return nil
}

// set はトップレベルの値を上書きする
func (d document) set(key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%s のエンコードに失敗: %w", key, err)
	}
	d[key] = data
	return nil
}

// encode はインデント付きの JSON にする
func (d document) encode() ([]byte, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	if err := json.Indent(&out, data, "", "    "); err != nil {
		return nil, err
	}
	out.WriteByte('\n')
	return out.Bytes(), nil
}

// writeFileAtomic は同じディレクトリの一時ファイルに書いてからリネームする
func writeFileAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("一時ファイルの作成に失敗: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpPath) // cleanup中のエラーは無視
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("一時ファイルへの書き込みに失敗: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("一時ファイルの同期に失敗: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("一時ファイルのクローズに失敗: %w", err)
	}

	mode := os.FileMode(0644)
	if info, statErr := os.Stat(path); statErr == nil {
		mode = info.Mode().Perm()
	} else if !errors.Is(statErr, os.ErrNotExist) {
		return fmt.Errorf("既存ファイルの確認に失敗: %w", statErr)
	}
	if err = os.Chmod(tmpPath, mode); err != nil {
		return fmt.Errorf("権限の設定に失敗: %w", err)
	}

	if err = os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("ファイル置き換えに失敗: %w", err)
	}
	return nil
}

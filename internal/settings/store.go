package settings

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/r3labs/diff"
	"github.com/rs/zerolog"

	"kipicam/internal/camera"
)

// Rotation は反転設定
// ドキュメントとレスポンスでは 0/1 で表す
type Rotation struct {
	HFlip bool
	VFlip bool
}

// Transform はパイプラインの反転設定に変換する
func (r Rotation) Transform() camera.Transform {
	return camera.Transform{HFlip: r.HFlip, VFlip: r.VFlip}
}

// Values はドキュメントに書く形式で返す
func (r Rotation) Values() map[string]any {
	return map[string]any{
		keyHFlip: boolToInt(r.HFlip),
		keyVFlip: boolToInt(r.VFlip),
	}
}

func (r Rotation) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Values())
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// CaptureSettings は撮影設定
type CaptureSettings struct {
	Resolution           int      `json:"Resolution"`            // AvailableResolutions のインデックス
	AvailableResolutions [][2]int `json:"available-resolutions"` // [幅, 高さ] の一覧
	MakeRaw              bool     `json:"makeRaw"`               // DNG も保存するか
}

// SelectedSize は選択中の解像度を返す
func (c CaptureSettings) SelectedSize() (camera.Size, error) {
	if c.Resolution < 0 || c.Resolution >= len(c.AvailableResolutions) {
		return camera.Size{}, &ValidationError{Key: keyResolution, Value: c.Resolution, Reason: "解像度の一覧の範囲外です"}
	}
	r := c.AvailableResolutions[c.Resolution]
	return camera.Size{Width: r[0], Height: r[1]}, nil
}

func (c CaptureSettings) clone() CaptureSettings {
	c.AvailableResolutions = slices.Clone(c.AvailableResolutions)
	return c
}

// Snapshot はストアの全グループの複製
type Snapshot struct {
	Controls   map[string]any  `json:"controls"`
	Rotation   Rotation        `json:"rotation"`
	SensorMode int             `json:"sensor-mode"`
	Capture    CaptureSettings `json:"capture-settings"`
}

// Store は設定の単一の情報源
// ライブコントロールはデバイスが公開するコントロールのみを保持する
type Store struct {
	mu         sync.RWMutex
	persistMu  sync.Mutex
	path       string
	caps       map[string]camera.ControlInfo
	table      CoercionTable
	live       map[string]any
	rotation   Rotation
	capture    CaptureSettings
	sensorMode int
	log        zerolog.Logger
}

// Load は設定ドキュメントを読み込んでストアを作成する
// caps にないコントロールは読み捨てる
func Load(path string, caps map[string]camera.ControlInfo, logger zerolog.Logger) (*Store, error) {
	doc, err := readDocument(path)
	if err != nil {
		return nil, &PersistenceError{Op: "load", Path: path, Err: err}
	}

	s := &Store{
		path:       path,
		caps:       caps,
		table:      NewCoercionTable(caps),
		live:       map[string]any{},
		sensorMode: defaultSensorMode,
		log:        logger,
	}

	if err := s.decode(doc); err != nil {
		return nil, &PersistenceError{Op: "load", Path: path, Err: err}
	}

	logger.Info().
		Int("controls", len(s.live)).
		Int("sensor_mode", s.sensorMode).
		Int("resolution", s.capture.Resolution).
		Msg("設定ドキュメントを読み込みました")
	return s, nil
}

// decode はドキュメントの各グループを型付きの値に変換する
func (s *Store) decode(doc document) error {
	controls, err := doc.group(keyControls)
	if err != nil {
		return err
	}
	var skipped []string
	for key, raw := range controls {
		if _, ok := s.caps[key]; !ok {
			skipped = append(skipped, key)
			continue
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("controls.%s: %w", key, err)
		}
		coerced, err := s.table.Coerce(key, v)
		if err != nil {
			return err
		}
		s.live[key] = coerced
	}
	if len(skipped) > 0 {
		slices.Sort(skipped)
		s.log.Debug().Strs("keys", skipped).Msg("デバイスが対応していないコントロールを除外しました")
	}

	rotation, err := doc.group(keyRotation)
	if err != nil {
		return err
	}
	if s.rotation.HFlip, err = rawBool(rotation, keyHFlip); err != nil {
		return err
	}
	if s.rotation.VFlip, err = rawBool(rotation, keyVFlip); err != nil {
		return err
	}

	if raw, ok := doc[keySensorMode]; ok {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("%s: %w", keySensorMode, err)
		}
		n, err := toInt(v)
		if err != nil {
			return &ValidationError{Key: keySensorMode, Value: v, Reason: err.Error()}
		}
		s.sensorMode = n
	}

	capture, err := doc.group(keyCaptureSettings)
	if err != nil {
		return err
	}
	raw, ok := capture[keyAvailableResolutions]
	if !ok {
		return fmt.Errorf("%s.%s がありません", keyCaptureSettings, keyAvailableResolutions)
	}
	if err := json.Unmarshal(raw, &s.capture.AvailableResolutions); err != nil {
		return fmt.Errorf("%s.%s は [幅, 高さ] の一覧である必要があります: %w", keyCaptureSettings, keyAvailableResolutions, err)
	}
	if len(s.capture.AvailableResolutions) == 0 {
		return fmt.Errorf("%s.%s が空です", keyCaptureSettings, keyAvailableResolutions)
	}
	if raw, ok := capture[keyResolution]; ok {
		if err := json.Unmarshal(raw, &s.capture.Resolution); err != nil {
			return fmt.Errorf("%s.%s: %w", keyCaptureSettings, keyResolution, err)
		}
	}
	if _, err := s.capture.SelectedSize(); err != nil {
		return err
	}
	if s.capture.MakeRaw, err = rawBool(capture, keyMakeRaw); err != nil {
		return err
	}

	return nil
}

func rawBool(group map[string]json.RawMessage, key string) (bool, error) {
	raw, ok := group[key]
	if !ok {
		return false, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	b, err := toBool(v)
	if err != nil {
		return false, &ValidationError{Key: key, Value: v, Reason: err.Error()}
	}
	return b, nil
}

// Path は設定ドキュメントのパスを返す
func (s *Store) Path() string {
	return s.path
}

// Capabilities はデバイスが公開するコントロール情報を返す
func (s *Store) Capabilities() map[string]camera.ControlInfo {
	return s.caps
}

// IsLiveControl はキーがライブコントロールとして受け付けられるかを返す
func (s *Store) IsLiveControl(key string) bool {
	_, ok := s.table[key]
	return ok
}

// Live は現在のライブコントロールを返す
func (s *Store) Live() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.live)
}

// Rotation は現在の反転設定を返す
func (s *Store) Rotation() Rotation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rotation
}

// Capture は現在の撮影設定を返す
func (s *Store) Capture() CaptureSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.capture.clone()
}

// SensorMode は選択中のセンサーモード番号を返す
func (s *Store) SensorMode() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sensorMode
}

// MakeRaw は RAW 保存が有効かを返す
func (s *Store) MakeRaw() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.capture.MakeRaw
}

// Snapshot は全グループの複製を返す
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		Controls:   maps.Clone(s.live),
		Rotation:   s.rotation,
		SensorMode: s.sensorMode,
		Capture:    s.capture.clone(),
	}
}

// Restore は Snapshot の状態に戻す
// 複数グループにまたがる更新の途中で検証に失敗した場合に使う
func (s *Store) Restore(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live = maps.Clone(snap.Controls)
	if s.live == nil {
		s.live = map[string]any{}
	}
	s.rotation = snap.Rotation
	s.sensorMode = snap.SensorMode
	s.capture = snap.Capture.clone()
}

// ApplyLiveUpdate はライブコントロールを更新し、更新後の全体を返す
// 1つでも不正なキー・値があれば何も変更せずに ValidationError を返す
func (s *Store) ApplyLiveUpdate(partial map[string]any) (map[string]any, error) {
	coerced := make(map[string]any, len(partial))
	keys := slices.Sorted(maps.Keys(partial))
	for _, key := range keys {
		v, err := s.table.Coerce(key, partial[key])
		if err != nil {
			return nil, err
		}
		coerced[key] = v
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	before := maps.Clone(s.live)
	maps.Copy(s.live, coerced)
	s.logChanges("controls", before, s.live)
	return maps.Clone(s.live), nil
}

// ApplyResolutionChange は解像度のインデックスを変更する
// 値が同じでも再起動が必要になる
func (s *Store) ApplyResolutionChange(value any) (CaptureSettings, error) {
	index, err := toInt(value)
	if err != nil {
		return CaptureSettings{}, &ValidationError{Key: keyResolution, Value: value, Reason: err.Error()}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.capture
	next.Resolution = index
	if _, err := next.SelectedSize(); err != nil {
		return CaptureSettings{}, err
	}
	s.capture.Resolution = index
	return s.capture.clone(), nil
}

// SetMakeRaw は RAW 保存の有無を変更する
func (s *Store) SetMakeRaw(value any) (CaptureSettings, error) {
	b, err := toBool(value)
	if err != nil {
		return CaptureSettings{}, &ValidationError{Key: keyMakeRaw, Value: value, Reason: err.Error()}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.capture.MakeRaw = b
	return s.capture.clone(), nil
}

// ApplySensorModeChange はセンサーモードを変更する
// modeCount はデバイスが報告するモード数
func (s *Store) ApplySensorModeChange(value any, modeCount int) (int, error) {
	index, err := toInt(value)
	if err != nil {
		return 0, &ValidationError{Key: "sensor_mode", Value: value, Reason: err.Error()}
	}
	if index < 0 || index >= modeCount {
		return 0, &ValidationError{Key: "sensor_mode", Value: index, Reason: fmt.Sprintf("センサーモードは 0〜%d の範囲です", modeCount-1)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sensorMode = index
	return index, nil
}

// ApplyRotationChange は反転設定を変更する
// hflip / vflip 以外のキーは ValidationError になる
func (s *Store) ApplyRotationChange(flags map[string]any) (Rotation, error) {
	s.mu.RLock()
	next := s.rotation
	s.mu.RUnlock()

	for key, v := range flags {
		b, err := toBool(v)
		if err != nil {
			return Rotation{}, &ValidationError{Key: key, Value: v, Reason: err.Error()}
		}
		switch key {
		case keyHFlip:
			next.HFlip = b
		case keyVFlip:
			next.VFlip = b
		default:
			return Rotation{}, &ValidationError{Key: key, Value: v, Reason: "反転設定は hflip / vflip のみです"}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.rotation = next
	return next, nil
}

// ResetToDefaults はライブコントロールをデバイスの既定値に戻し、反転を解除する
// 既定値のないコントロールは最大値を使う
func (s *Store) ResetToDefaults() (map[string]any, Rotation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	before := maps.Clone(s.live)
	for key := range s.live {
		info, ok := s.caps[key]
		if !ok {
			continue
		}
		value := info.Default
		if value == nil {
			value = info.Max
		}
		coerced, err := s.table.Coerce(key, value)
		if err != nil {
			s.log.Warn().Err(err).Str("key", key).Msg("既定値を適用できません")
			continue
		}
		s.live[key] = coerced
	}
	s.rotation = Rotation{}
	s.logChanges("controls", before, s.live)

	return maps.Clone(s.live), s.rotation
}

// Pipeline は現在の設定からパイプライン構成を組み立てる
func (s *Store) Pipeline(modes []camera.SensorMode) (camera.PipelineConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	size, err := s.capture.SelectedSize()
	if err != nil {
		return camera.PipelineConfig{}, err
	}

	cfg := camera.PipelineConfig{
		Size:      size,
		Transform: s.rotation.Transform(),
		Controls:  maps.Clone(s.live),
	}
	if len(modes) > 0 {
		if s.sensorMode < 0 || s.sensorMode >= len(modes) {
			return camera.PipelineConfig{}, &ValidationError{Key: keySensorMode, Value: s.sensorMode, Reason: fmt.Sprintf("センサーモードは 0〜%d の範囲です", len(modes)-1)}
		}
		cfg.SensorMode = modes[s.sensorMode]
	}
	return cfg, nil
}

// Persist は現在の全グループをドキュメントに書き戻す
// ドキュメント内の未知のキーは保持する
func (s *Store) Persist() error {
	snap := s.Snapshot()
	return s.rewrite(func(doc document) error {
		if err := doc.merge(keyControls, snap.Controls); err != nil {
			return err
		}
		if err := doc.merge(keyRotation, snap.Rotation.Values()); err != nil {
			return err
		}
		if err := doc.merge(keyCaptureSettings, map[string]any{
			keyResolution:           snap.Capture.Resolution,
			keyAvailableResolutions: snap.Capture.AvailableResolutions,
			keyMakeRaw:              snap.Capture.MakeRaw,
		}); err != nil {
			return err
		}
		return doc.set(keySensorMode, snap.SensorMode)
	})
}

// PersistSensorMode はセンサーモードのみをドキュメントに書き戻す
func (s *Store) PersistSensorMode() error {
	mode := s.SensorMode()
	return s.rewrite(func(doc document) error {
		return doc.set(keySensorMode, mode)
	})
}

// rewrite はドキュメントを読み込み、update を適用してアトミックに書き戻す
func (s *Store) rewrite(update func(doc document) error) error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	doc, err := readDocument(s.path)
	if err != nil {
		return &PersistenceError{Op: "load", Path: s.path, Err: err}
	}
	if err := update(doc); err != nil {
		return &PersistenceError{Op: "save", Path: s.path, Err: err}
	}
	data, err := doc.encode()
	if err != nil {
		return &PersistenceError{Op: "save", Path: s.path, Err: err}
	}
	if err := writeFileAtomic(s.path, data); err != nil {
		return &PersistenceError{Op: "save", Path: s.path, Err: err}
	}

	s.log.Info().Str("path", s.path).Msg("設定を保存しました")
	return nil
}

// logChanges は変更されたキーをログに出す
func (s *Store) logChanges(group string, before, after map[string]any) {
	changelog, err := diff.Diff(before, after)
	if err != nil {
		s.log.Debug().Err(err).Str("group", group).Msg("変更点の計算に失敗")
		return
	}
	for _, change := range changelog {
		s.log.Info().
			Str("group", group).
			Strs("path", change.Path).
			Interface("from", change.From).
			Interface("to", change.To).
			Msg("設定を変更しました")
	}
}

// Package panel カメラ操作パネルの全ての状態を1つの所有者にまとめる
//
// HTTP ハンドラーはこのパッケージの Service だけを参照する。
// 設定の更新からデバイスへの適用までの一連の操作は Service のロックで直列化する
package panel

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/rs/zerolog"

	"kipicam/internal/camera"
	"kipicam/internal/describe"
	"kipicam/internal/events"
	"kipicam/internal/photo"
	"kipicam/internal/settings"
	"kipicam/internal/timelapse"
)

// UpdateLiveSettings が受け付けるライブコントロール以外のキー
const (
	KeyResolution = "Resolution"
	KeyMakeRaw    = "makeRaw"
	KeySensorMode = "sensor_mode"
)

// 更新結果の設定グループ名
const (
	GroupControls   = "controls"
	GroupCapture    = "capture-settings"
	GroupSensorMode = "sensor-mode"
	GroupRotation   = "rotation"
)

// Deps は Service が所有するコンポーネント
type Deps struct {
	Controller *camera.Controller
	Store      *settings.Store
	Photos     *photo.Service
	Describer  *describe.Service
	Timelapse  *timelapse.Manager
	Notifier   *events.Notifier
	Catalog    *camera.ModuleCatalog
	Logger     zerolog.Logger
}

// Service はカメラ・設定・撮影・説明・タイムラプスを所有する
type Service struct {
	mu sync.Mutex // 設定の更新とデバイスへの適用を直列化する

	ctrl      *camera.Controller
	store     *settings.Store
	photos    *photo.Service
	describer *describe.Service
	timelapse *timelapse.Manager
	notifier  *events.Notifier
	catalog   *camera.ModuleCatalog
	log       zerolog.Logger
}

// New は Service を作成する
func New(deps Deps) *Service {
	notifier := deps.Notifier
	if notifier == nil {
		notifier = events.NewNotifier(events.Noop{}, deps.Logger)
	}
	catalog := deps.Catalog
	if catalog == nil {
		catalog = &camera.ModuleCatalog{}
	}
	return &Service{
		ctrl:      deps.Controller,
		store:     deps.Store,
		photos:    deps.Photos,
		describer: deps.Describer,
		timelapse: deps.Timelapse,
		notifier:  notifier,
		catalog:   catalog,
		log:       deps.Logger,
	}
}

// Start は保存された設定でストリームを開始する
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := s.store.Pipeline(s.ctrl.SensorModes())
	if err != nil {
		return err
	}
	if err := s.ctrl.Start(ctx, cfg); err != nil {
		return err
	}

	s.log.Info().
		Str("size", cfg.Size.String()).
		Str("sensor_mode", cfg.SensorMode.Size.String()).
		Str("model", s.ctrl.Properties().Model).
		Msg("ストリームを開始しました")
	return nil
}

// Shutdown はタイムラプスを止め、デバイスを解放する
func (s *Service) Shutdown(ctx context.Context) error {
	if s.timelapse != nil {
		s.timelapse.Shutdown(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.ctrl.Close(ctx)
	if cerr := s.notifier.Close(); cerr != nil {
		s.log.Warn().Err(cerr).Msg("イベント通知のクローズに失敗")
	}
	return err
}

// Sink は現在のフレームシンクを返す
func (s *Service) Sink() *camera.FrameSink {
	return s.ctrl.Sink()
}

// State はストリームの状態を返す
func (s *Service) State() camera.State {
	return s.ctrl.State()
}

// UpdateResult は設定更新の結果
type UpdateResult struct {
	Group    string // 最後に更新したグループ
	Settings any    // そのグループの現在値
}

// UpdateLiveSettings は設定を更新してデバイスに適用する
//
// ライブコントロールはストリームを止めずに適用する。
// Resolution と sensor_mode は値が同じでも必ずストリームを再起動する。
// 未知のキーや不正な値が1つでもあれば何も変更しない
func (s *Service) UpdateLiveSettings(ctx context.Context, body map[string]any) (*UpdateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(body) == 0 {
		return nil, &settings.ValidationError{Key: "", Reason: "更新する設定がありません"}
	}

	live := map[string]any{}
	for _, key := range slices.Sorted(maps.Keys(body)) {
		switch {
		case key == KeyResolution, key == KeyMakeRaw, key == KeySensorMode:
		case s.store.IsLiveControl(key):
			live[key] = body[key]
		default:
			return nil, &settings.ValidationError{Key: key, Value: body[key], Reason: "未知の設定です"}
		}
	}

	before := s.store.Snapshot()
	result, restart, err := s.applyToStore(body, live)
	if err != nil {
		s.store.Restore(before)
		return nil, err
	}

	switch {
	case restart:
		if err := s.reconfigureLocked(ctx, "settings"); err != nil {
			return nil, err
		}
	case len(live) > 0:
		if err := s.applyLiveLocked(ctx, live); err != nil {
			return nil, err
		}
	}

	if _, ok := body[KeySensorMode]; ok {
		if err := s.store.PersistSensorMode(); err != nil {
			return nil, err
		}
	}

	return result, nil
}

// applyToStore はストアを更新し、応答するグループと再起動の要否を返す
// グループの優先順位は sensor-mode > capture-settings > controls
func (s *Service) applyToStore(body, live map[string]any) (*UpdateResult, bool, error) {
	var (
		result  *UpdateResult
		restart bool
	)

	if len(live) > 0 {
		all, err := s.store.ApplyLiveUpdate(live)
		if err != nil {
			return nil, false, err
		}
		result = &UpdateResult{Group: GroupControls, Settings: all}
	}

	if v, ok := body[KeyMakeRaw]; ok {
		capture, err := s.store.SetMakeRaw(v)
		if err != nil {
			return nil, false, err
		}
		result = &UpdateResult{Group: GroupCapture, Settings: capture}
	}

	if v, ok := body[KeyResolution]; ok {
		capture, err := s.store.ApplyResolutionChange(v)
		if err != nil {
			return nil, false, err
		}
		result = &UpdateResult{Group: GroupCapture, Settings: capture}
		restart = true
	}

	if v, ok := body[KeySensorMode]; ok {
		mode, err := s.store.ApplySensorModeChange(v, len(s.ctrl.SensorModes()))
		if err != nil {
			return nil, false, err
		}
		result = &UpdateResult{Group: GroupSensorMode, Settings: mode}
		restart = true
	}

	return result, restart, nil
}

// UpdateRestartSettings は反転設定を更新し、ストリームを再起動する
func (s *Service) UpdateRestartSettings(ctx context.Context, flags map[string]any) (settings.Rotation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	before := s.store.Snapshot()
	rot, err := s.store.ApplyRotationChange(flags)
	if err != nil {
		s.store.Restore(before)
		return settings.Rotation{}, err
	}

	if err := s.reconfigureLocked(ctx, "rotation"); err != nil {
		return settings.Rotation{}, err
	}
	return rot, nil
}

// ResetDefaults はライブコントロールを既定値に戻し、反転を解除して再起動する
// 反転が元々無効でも再起動する
func (s *Service) ResetDefaults(ctx context.Context) (map[string]any, settings.Rotation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	live, rot := s.store.ResetToDefaults()
	if err := s.reconfigureLocked(ctx, "reset"); err != nil {
		return nil, settings.Rotation{}, err
	}
	return live, rot, nil
}

// SaveSettings は現在の設定をドキュメントに保存する
func (s *Service) SaveSettings(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.Persist(); err != nil {
		return err
	}
	s.notifier.Notify(ctx, events.SettingsSaved, map[string]any{"path": s.store.Path()})
	return nil
}

// CapturePhoto はフル解像度の写真を撮影する
func (s *Service) CapturePhoto(ctx context.Context) (*photo.Photo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.photos.Capture(ctx, s.store.MakeRaw())
	if err != nil {
		return nil, err
	}
	s.notifier.Notify(ctx, events.PhotoCaptured, map[string]any{
		"id":      p.ID,
		"url":     p.URL,
		"raw_url": p.RawURL,
	})
	return p, nil
}

// DescribeLatest は最後に撮影した写真の説明を取得する
// リモート呼び出しの間はロックを保持しない
func (s *Service) DescribeLatest(ctx context.Context) (*describe.Result, error) {
	result, err := s.describer.DescribeLatest(ctx)
	if err != nil {
		return nil, err
	}
	s.notifyDescribed(ctx, result)
	return result, nil
}

// DescribePhoto は指定した写真の説明を取得する
func (s *Service) DescribePhoto(ctx context.Context, photoID string) (*describe.Result, error) {
	result, err := s.describer.Describe(ctx, photoID)
	if err != nil {
		return nil, err
	}
	s.notifyDescribed(ctx, result)
	return result, nil
}

func (s *Service) notifyDescribed(ctx context.Context, r *describe.Result) {
	s.notifier.Notify(ctx, events.PhotoDescribed, map[string]any{
		"id":   r.PhotoID,
		"text": r.Text,
	})
}

// Photos はギャラリーの写真を新しい順に返す
func (s *Service) Photos() ([]photo.Photo, error) {
	return s.photos.List()
}

// StartTimelapse はタイムラプスの録画を開始する
func (s *Service) StartTimelapse(ctx context.Context) (timelapse.StatusInfo, error) {
	if s.timelapse == nil {
		return timelapse.StatusInfo{}, errTimelapseDisabled
	}
	return s.timelapse.Start(ctx)
}

// StopTimelapse はタイムラプスの録画を止めて動画を作る
func (s *Service) StopTimelapse(ctx context.Context) (*timelapse.Video, error) {
	if s.timelapse == nil {
		return nil, errTimelapseDisabled
	}
	return s.timelapse.Stop(ctx)
}

// TimelapseStatus はタイムラプスの状態と動画一覧を返す
func (s *Service) TimelapseStatus() (timelapse.StatusInfo, []timelapse.Video, error) {
	if s.timelapse == nil {
		return timelapse.StatusInfo{}, nil, errTimelapseDisabled
	}
	videos, err := s.timelapse.Videos()
	if err != nil {
		return timelapse.StatusInfo{}, nil, err
	}
	return s.timelapse.Status(), videos, nil
}

var errTimelapseDisabled = errors.New("タイムラプスは無効です")

// Status はパネル全体の状態
type Status struct {
	State       string                        `json:"state"`
	Pipeline    camera.PipelineConfig         `json:"pipeline"`
	Settings    settings.Snapshot             `json:"settings"`
	SensorModes []camera.SensorMode           `json:"sensor_modes"`
	Controls    map[string]camera.ControlInfo `json:"controls"`
	Properties  camera.Properties             `json:"properties"`
	Module      camera.ModuleInfo             `json:"module,omitempty"`
	LastPhoto   string                        `json:"last_photo,omitempty"`
	Description *describe.Result              `json:"description,omitempty"`
	Timelapse   *timelapse.StatusInfo         `json:"timelapse,omitempty"`
}

// Status はパネル全体の状態を返す
// 操作中でもブロックしない
func (s *Service) Status() Status {
	props := s.ctrl.Properties()
	status := Status{
		State:       s.ctrl.State().String(),
		Pipeline:    s.ctrl.Pipeline(),
		Settings:    s.store.Snapshot(),
		SensorModes: s.ctrl.SensorModes(),
		Controls:    s.ctrl.Controls(),
		Properties:  props,
	}
	if m, ok := s.catalog.Lookup(props.Model); ok {
		status.Module = m
	}
	if id, ok := s.photos.Last(); ok {
		status.LastPhoto = id
	}
	if r, ok := s.describer.Latest(); ok {
		status.Description = r
	}
	if s.timelapse != nil {
		ts := s.timelapse.Status()
		status.Timelapse = &ts
	}
	return status
}

// reconfigureLocked は現在の設定でストリームを再構成する。mu を保持して呼ぶ
func (s *Service) reconfigureLocked(ctx context.Context, reason string) error {
	cfg, err := s.store.Pipeline(s.ctrl.SensorModes())
	if err != nil {
		return err
	}
	if err := s.ctrl.Reconfigure(ctx, cfg); err != nil {
		return err
	}
	s.notifier.Notify(ctx, events.StreamRestarted, map[string]any{
		"reason": reason,
		"size":   cfg.Size.String(),
		"hflip":  cfg.Transform.HFlip,
		"vflip":  cfg.Transform.VFlip,
	})
	return nil
}

// applyLiveLocked は変更したライブコントロールだけをデバイスに適用する。mu を保持して呼ぶ
// ストリームが止まっている場合はストアへの反映のみで、次回の開始時に適用される
func (s *Service) applyLiveLocked(ctx context.Context, partial map[string]any) error {
	all := s.store.Live()
	changed := make(map[string]any, len(partial))
	for key := range partial {
		changed[key] = all[key]
	}

	err := s.ctrl.ApplyLiveControls(ctx, changed)
	if errors.Is(err, camera.ErrNotRunning) {
		s.log.Info().Int("controls", len(changed)).Msg("ストリーム停止中のため次回開始時に適用します")
		return nil
	}
	if err != nil {
		return fmt.Errorf("コントロールの適用に失敗: %w", err)
	}
	return nil
}

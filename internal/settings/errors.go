package settings

import (
	"fmt"
)

// ValidationError は設定キーまたは値が不正なことを表す
// この場合ストアの状態は変化しない
type ValidationError struct {
	Key    string
	Value  any
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Value == nil {
		return fmt.Sprintf("設定 %s は無効です: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("設定 %s の値 %v は無効です: %s", e.Key, e.Value, e.Reason)
}

// PersistenceError は設定ドキュメントの読み書きの失敗を表す
type PersistenceError struct {
	Op   string // load, save
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("設定ドキュメント %s の%sに失敗: %v", e.Path, opLabel(e.Op), e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func opLabel(op string) string {
	switch op {
	case "load":
		return "読み込み"
	case "save":
		return "保存"
	default:
		return op
	}
}

// Package camera カメラデバイスの所有とライブストリームの制御を担う
//
// # 責務
// - カメラデバイスの排他的な所有（Controller）
// - ストリームの開始・停止・再構成・ライブ適用の直列化
// - 最新フレームのブロードキャスト（FrameSink）
// - フル解像度の静止画撮影
// - センサーモードとコントロール情報の取得
//
// # 使い分け
// このパッケージは以下の場合に使用する：
// - ライブ映像のフレームを複数のクライアントに配信したい
// - 解像度・センサーモード・反転を変更してストリームを再起動したい
// - 露出や明るさなどをストリームを止めずに変更したい
//
// # 仕様
//   - Controller: Stopped / Running / Reconfiguring のステートマシン
//     stop→configure→start と静止画撮影は1つのロックで直列化する
//     開始・停止・ライブ適用の後に名前付きの安定待ち時間（Delays）を入れる
//   - FrameSink: 単一スロット、最新フレームのみ保持。遅いクライアントはフレームを飛ばす
//   - RpicamDevice: rpicam-vid の MJPEG 出力をフレームに分割し、rpicam-still で静止画を撮る
//   - SimulatedDevice: テストパターンを生成する。開発環境とテストで使う
//   - 失敗は DeviceError（busy / invalid_configuration / device_io / not_running）で返す
//
// # 前提要件
//   - rpicam-apps: ストリーミング、静止画撮影、カメラ一覧に使用
//     Raspberry Pi OS: sudo apt install rpicam-apps
//   - videoグループへの参加: デバイスアクセス権限
//     sudo usermod -a -G video $USER
package camera

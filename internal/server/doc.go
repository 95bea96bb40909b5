// Package server は、カメラ操作パネルのHTTPサーバーを管理します。
//
// このパッケージは、gin によるルーティング、ミドルウェア、
// MJPEG/WebSocket のストリーミング配信、操作パネルのページ配信を担当します。
// カメラと設定の状態は全て panel.Service が所有し、ハンドラーはそれを呼ぶだけです。
//
// 責務:
//   - HTTPサーバーの起動とグレースフルシャットダウン
//   - openapi.yaml に基づくリクエストの検証
//   - 操作の失敗を success:false の応答に変換
//   - ストリーム再起動をまたいだフレーム配信
//   - 撮影画像・タイムラプス動画・埋め込みページの配信
//
// 仕様:
//   - ルーティングは internal/generated の RegisterHandlers を使用
//   - 操作の失敗は HTTP 200 で返す（API 定義に反するリクエストのみ 400）
//   - ストリームは multipart/x-mixed-replace (boundary=frame)
//   - WebSocket は1メッセージ1フレームのバイナリ
package server

package server

import (
	"embed"
	"fmt"
	"io/fs"
	"net/http"
)

//go:embed all:dist
var embedFS embed.FS

// indexHTML は操作パネルのページ
var indexHTML = mustReadIndex()

// GetAssetsFS は dist/assets の静的ファイルを返す
func GetAssetsFS() (http.FileSystem, error) {
	assetsFS, err := fs.Sub(embedFS, "dist/assets")
	if err != nil {
		return nil, fmt.Errorf("埋め込みアセットファイルシステムの作成に失敗: %w", err)
	}
	return http.FS(assetsFS), nil
}

// mustReadIndex は埋め込まれた index.html を読む
// 埋め込みはビルド時に確定するため、読めなければプログラムの誤り
func mustReadIndex() []byte {
	data, err := embedFS.ReadFile("dist/index.html")
	if err != nil {
		panic(fmt.Sprintf("埋め込みindex.htmlの読み込みに失敗: %v", err))
	}
	return data
}

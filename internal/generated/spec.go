package generated

import (
	_ "embed"
	"fmt"

	"github.com/getkin/kin-openapi/openapi3"
)

//go:embed openapi.yaml
var openapiSpec []byte

// GetSwagger は埋め込まれた OpenAPI 定義を読み込んで返す
// 呼び出しごとに新しいインスタンスを返すので、呼び出し側で変更してよい
func GetSwagger() (*openapi3.T, error) {
	loader := openapi3.NewLoader()
	swagger, err := loader.LoadFromData(openapiSpec)
	if err != nil {
		return nil, fmt.Errorf("OpenAPI 定義の読み込みに失敗: %w", err)
	}
	return swagger, nil
}

// RawSpec は埋め込まれた openapi.yaml をそのまま返す
func RawSpec() []byte {
	return openapiSpec
}

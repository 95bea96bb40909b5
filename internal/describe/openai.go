package describe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

// OpenAIConfig は OpenAIDescriber の設定
type OpenAIConfig struct {
	APIKey  string
	BaseURL string // 空なら既定のエンドポイント
	Model   string
	Timeout time.Duration
}

// OpenAIDescriber は OpenAI のチャットAPIに画像を送る
type OpenAIDescriber struct {
	client *openai.Client
	model  string
	hasKey bool
}

// NewOpenAIDescriber は OpenAIDescriber を作成する
func NewOpenAIDescriber(cfg OpenAIConfig) *OpenAIDescriber {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.Timeout > 0 {
		clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT4o
	}
	return &OpenAIDescriber{
		client: openai.NewClientWithConfig(clientCfg),
		model:  model,
		hasKey: cfg.APIKey != "",
	}
}

// Describe はプロンプトと画像を1回のユーザーメッセージとして送る
func (d *OpenAIDescriber) Describe(ctx context.Context, req Request) (string, error) {
	if !d.hasKey {
		return "", &RemoteServiceError{Err: errors.New("OpenAI APIキーが設定されていません")}
	}

	resp, err := d.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     d.model,
		MaxTokens: req.MaxTokens,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: req.Prompt},
					{
						Type:     openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{URL: req.ImageURL},
					},
				},
			},
		},
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return "", &RemoteServiceError{Err: fmt.Errorf("OpenAI API エラー (%d): %s", apiErr.HTTPStatusCode, apiErr.Message)}
		}
		return "", &RemoteServiceError{Err: err}
	}
	if len(resp.Choices) == 0 {
		return "", &RemoteServiceError{Err: errors.New("OpenAI API の応答に候補がありません")}
	}
	return resp.Choices[0].Message.Content, nil
}

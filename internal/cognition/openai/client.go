package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"AgentMarket/internal/cognition"
	xerrors "AgentMarket/internal/errors"
)

const (
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 60 * time.Second
)

// Config 描述了调用 OpenAI Chat Completions API 所需的信息。
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Client 通过 OpenAI 兼容接口完成目标与动作规划。
type Client struct {
	api   *goopenai.Client
	model string
}

// NewClient 根据配置创建 OpenAI 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, xerrors.New(xerrors.CodeInvalidConfig, "未提供 OpenAI API Key")
	}

	clientCfg := goopenai.DefaultConfig(apiKey)
	if baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); baseURL != "" {
		clientCfg.BaseURL = baseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	clientCfg.HTTPClient = &http.Client{Timeout: timeout}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}
	return &Client{api: goopenai.NewClientWithConfig(clientCfg), model: model}, nil
}

// GenerateGoal 请求大模型提出目标。
func (c *Client) GenerateGoal(ctx context.Context, req cognition.GoalRequest) (cognition.GoalProposal, error) {
	content, err := c.complete(ctx, cognition.BuildGoalPrompt(req))
	if err != nil {
		return cognition.GoalProposal{}, err
	}
	return cognition.ParseGoal(content)
}

// DecideAction 请求大模型选择动作。
func (c *Client) DecideAction(ctx context.Context, req cognition.ActionRequest) (cognition.PlannedAction, error) {
	content, err := c.complete(ctx, cognition.BuildActionPrompt(req))
	if err != nil {
		return cognition.PlannedAction{}, err
	}
	return cognition.ParseAction(content)
}

func (c *Client) complete(ctx context.Context, prompt string) (string, error) {
	resp, err := c.api.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model: c.model,
		Messages: []goopenai.ChatCompletionMessage{
			{Role: goopenai.ChatMessageRoleSystem, Content: cognition.SystemPrompt},
			{Role: goopenai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: 0.2,
		ResponseFormat: &goopenai.ChatCompletionResponseFormat{
			Type: goopenai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", xerrors.Wrap(xerrors.CodeTimeout, err, "OpenAI 请求超时")
		}
		var apiErr *goopenai.APIError
		if errors.As(err, &apiErr) {
			return "", xerrors.Wrap(xerrors.CodeCognitionFailure, err,
				fmt.Sprintf("OpenAI 返回错误状态 %d", apiErr.HTTPStatusCode))
		}
		return "", xerrors.Wrap(xerrors.CodeCognitionFailure, err, "请求 OpenAI 失败")
	}
	if len(resp.Choices) == 0 {
		return "", xerrors.New(xerrors.CodeCognitionFailure, "OpenAI 响应中没有有效的 choices")
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", xerrors.New(xerrors.CodeCognitionFailure, "OpenAI 响应内容为空")
	}
	return content, nil
}

var _ cognition.Client = (*Client)(nil)

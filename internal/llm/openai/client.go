package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	xerrors "AgentLoom/internal/errors"
	"AgentLoom/internal/llm"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 60 * time.Second
)

// Config 描述了调用 Chat Completions 兼容 API 所需的信息。
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Client 通过 HTTP 调用 OpenAI 兼容的生成后端，使用 function calling
// 传递工具目录并解析返回的工具调用。
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewClient 根据配置创建客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 API Key")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Generate 调用后端并解析回复中的文本与工具调用。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	payload, err := c.buildPayload(req)
	if err != nil {
		return nil, err
	}

	endpoint := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeGeneratorFailure, err, "构建生成请求失败")
	}

	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeGeneratorFailure, err, "请求生成后端失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, xerrors.New(xerrors.CodeGeneratorFailure,
			fmt.Sprintf("生成后端返回状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content   string `json:"content"`
				ToolCalls []struct {
					Function struct {
						Name      string `json:"name"`
						Arguments string `json:"arguments"`
					} `json:"function"`
				} `json:"tool_calls"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeGeneratorFailure, err, "解析生成响应失败")
	}
	if len(decoded.Choices) == 0 {
		return nil, xerrors.New(xerrors.CodeGeneratorFailure, "生成响应中没有有效的 choices")
	}

	message := decoded.Choices[0].Message
	out := &llm.Response{Text: strings.TrimSpace(message.Content)}
	for _, call := range message.ToolCalls {
		args, err := decodeArguments(call.Function.Arguments)
		if err != nil {
			// 参数不是合法 JSON 时仍然上报调用，由循环按畸形输出处理。
			args = map[string]string{}
		}
		out.ToolCalls = append(out.ToolCalls, llm.ToolCall{Name: call.Function.Name, Args: args})
	}
	return out, nil
}

func (c *Client) buildPayload(req llm.Request) ([]byte, error) {
	type message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
		Name    string `json:"name,omitempty"`
	}

	messages := make([]message, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, message{Role: llm.RoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		entry := message{Role: m.Role, Content: m.Content}
		if m.Role == llm.RoleTool {
			// Chat Completions 不接受独立的 tool 角色消息（缺少调用 ID 时），
			// 统一降级为带工具名前缀的 user 消息。
			entry.Role = llm.RoleUser
			entry.Content = fmt.Sprintf("[%s 的执行结果]\n%s", m.ToolName, m.Content)
		}
		messages = append(messages, entry)
	}

	body := map[string]any{
		"model":       c.model,
		"messages":    messages,
		"temperature": 0.2,
	}
	if len(req.Tools) > 0 {
		tools := make([]map[string]any, 0, len(req.Tools))
		for _, spec := range req.Tools {
			properties := make(map[string]any, len(spec.Args))
			required := make([]string, 0, len(spec.Args))
			for _, arg := range spec.Args {
				description := arg.Description
				if arg.Example != "" {
					description += " (e.g. " + arg.Example + ")"
				}
				properties[arg.Name] = map[string]any{"type": "string", "description": description}
				if arg.Required {
					required = append(required, arg.Name)
				}
			}
			tools = append(tools, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        spec.Name,
					"description": spec.Description,
					"parameters": map[string]any{
						"type":       "object",
						"properties": properties,
						"required":   required,
					},
				},
			})
		}
		body["tools"] = tools
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化生成请求失败")
	}
	return encoded, nil
}

// decodeArguments 把 function calling 的参数对象拍平为字符串映射。
func decodeArguments(raw string) (map[string]string, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]string{}, nil
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, err
	}
	args := make(map[string]string, len(decoded))
	for key, value := range decoded {
		switch v := value.(type) {
		case string:
			args[key] = v
		default:
			encoded, err := json.Marshal(v)
			if err != nil {
				return nil, err
			}
			args[key] = string(encoded)
		}
	}
	return args, nil
}

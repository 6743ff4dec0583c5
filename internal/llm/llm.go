package llm

import (
	"context"

	"AgentLoom/internal/tool"
)

// 会话消息角色。
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message 是提示历史中的一条消息。
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	// ToolName 在 Role 为 tool 时标记结果来自哪个工具。
	ToolName string `json:"tool_name,omitempty"`
}

// ToolCall 是后端请求执行的一次工具调用。
type ToolCall struct {
	Name string            `json:"name"`
	Args map[string]string `json:"args,omitempty"`
}

// Request 描述一次生成调用：系统提示、消息历史与可用工具目录。
type Request struct {
	System   string
	Messages []Message
	Tools    []tool.Spec
}

// Response 是后端的一次生成结果。Text 与 ToolCalls 可以同时出现。
type Response struct {
	Text      string
	ToolCalls []ToolCall
}

// Client 定义了调用生成后端的统一接口。
// 实现返回的 error 默认按瞬态处理，由循环负责重试。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

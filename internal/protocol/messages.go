package protocol

import "encoding/json"

// 协议方法名。
const (
	MethodInitialize = "initialize"
	MethodListTools  = "listTools"
	MethodCallTool   = "callTool"
)

// 协议错误码。已知错误码会被调用方映射为工具级失败，
// 未知错误码统一按协议失败处理。
const (
	ErrCodeUnknownTool      = "UNKNOWN_TOOL"
	ErrCodeMissingArgument  = "MISSING_ARGUMENT"
	ErrCodeToolFailed       = "TOOL_FAILED"
	ErrCodeMalformedRequest = "MALFORMED_REQUEST"
	ErrCodeUnknownMethod    = "UNKNOWN_METHOD"
	ErrCodeInternal         = "INTERNAL"
)

// Request 是一条请求消息。ID 由调用方生成，
// 在同一连接的未完成请求中必须唯一。
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response 是一条响应消息，Result 与 Error 互斥。
type Response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorBody      `json:"error,omitempty"`
}

// ErrorBody 携带协议层错误的错误码与描述。
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ArgDescriptor 描述远端工具的一个参数。
type ArgDescriptor struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Example     string `json:"example,omitempty"`
	Required    bool   `json:"required"`
}

// ToolDescriptor 描述远端声明的一个工具。
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Args        []ArgDescriptor `json:"arguments,omitempty"`
}

// InitializeParams 是握手请求的参数。
type InitializeParams struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// InitializeResult 是握手响应：对端身份与其工具目录。
type InitializeResult struct {
	Name    string           `json:"name"`
	Version string           `json:"version,omitempty"`
	Tools   []ToolDescriptor `json:"tools"`
}

// ListToolsResult 是 listTools 的响应。
type ListToolsResult struct {
	Tools []ToolDescriptor `json:"tools"`
}

// CallToolParams 是 callTool 的参数。
type CallToolParams struct {
	Name string            `json:"name"`
	Args map[string]string `json:"args,omitempty"`
}

// CallToolResult 是 callTool 的响应，形态与本地工具结果一致。
type CallToolResult struct {
	OK       bool   `json:"ok"`
	Output   string `json:"output,omitempty"`
	Error    string `json:"error,omitempty"`
	ExitCode int    `json:"exit_code,omitempty"`
}

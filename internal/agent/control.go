package agent

import (
	"encoding/json"
	"strings"

	"AgentLoom/internal/llm"
	"AgentLoom/internal/tool"
)

// 控制工具由循环自身处理，不进入注册表。
// 它们始终出现在提供给后端的工具目录里，让模型能够显式终止任务。
const (
	controlComplete = "task_complete_success"
	controlFail     = "task_fail"
	controlSetVar   = "set_variable"
)

// controlSpecs 返回控制工具的目录声明。
func controlSpecs() []tool.Spec {
	return []tool.Spec{
		{
			Name:        controlComplete,
			Description: "Declare the task successfully completed. Call this when the goal has been reached.",
			Args: []tool.ArgSpec{
				{Name: "reason", Description: "A short summary of how the task was accomplished", Required: false},
			},
			Shell: "-", // 占位绑定，控制工具从不经注册表执行
		},
		{
			Name:        controlFail,
			Description: "Declare the task failed. Call this when the goal cannot be reached.",
			Args: []tool.ArgSpec{
				{Name: "reason", Description: "Why the task cannot be completed", Required: false},
			},
			Shell: "-",
		},
		{
			Name:        controlSetVar,
			Description: "Store a named value in the shared state for later steps.",
			Args: []tool.ArgSpec{
				{Name: "name", Description: "Variable name", Required: true},
				{Name: "value", Description: "Variable value", Required: true},
			},
			Shell: "-",
		},
	}
}

func isControlTool(name string) bool {
	switch name {
	case controlComplete, controlFail, controlSetVar:
		return true
	}
	return false
}

// parseInlineCalls 从纯文本输出中解析工具调用，
// 兼容不支持 function calling 的后端。每行一个
// {"tool": ..., "args": {...}} 对象。dropped 统计形似工具调用
// 却无法解码的行数，由循环计入畸形输出预算。
func parseInlineCalls(text string) (calls []llm.ToolCall, dropped int) {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "{") || !strings.Contains(line, "\"tool\"") {
			continue
		}
		var decoded struct {
			Tool string            `json:"tool"`
			Args map[string]string `json:"args"`
		}
		if err := json.Unmarshal([]byte(line), &decoded); err != nil || decoded.Tool == "" {
			dropped++
			continue
		}
		calls = append(calls, llm.ToolCall{Name: decoded.Tool, Args: decoded.Args})
	}
	return calls, dropped
}

package agent

import (
	"AgentLoom/internal/tool"
)

// Status 表示一次运行在生命周期中的状态。
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
)

// Terminal 判断状态是否为终止态。进入终止态后 State 不再变化。
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusTimedOut
}

// 历史条目的角色。
const (
	TurnAssistant  = "assistant"
	TurnTool       = "tool"
	TurnCorrection = "correction"
)

// ToolCallRecord 是历史中一次工具调用的完整记录。
type ToolCallRecord struct {
	Tool   string            `json:"tool"`
	Args   map[string]string `json:"args,omitempty"`
	Result tool.Result       `json:"result"`
}

// Turn 是历史中的一轮：后端的文本输出、工具调用结果或纠正提示。
type Turn struct {
	Role      string           `json:"role"`
	Content   string           `json:"content,omitempty"`
	Calls     []ToolCallRecord `json:"calls,omitempty"`
	CreatedAt int64            `json:"created_at"`
}

// State 是一次运行的全部可变状态，由唯一的循环实例独占持有，
// 进入终止态后只读。它同时是交付给上层（编排器或评测工具）的结果契约。
type State struct {
	Agent string `json:"agent"`
	RunID string `json:"run_id"`

	Turns []Turn            `json:"turns"`
	Vars  map[string]string `json:"vars"`
	Step  int               `json:"step"`

	Status        Status `json:"status"`
	Output        string `json:"output,omitempty"`
	FailureCode   string `json:"failure_code,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`

	StartedAt  int64 `json:"started_at"`
	FinishedAt int64 `json:"finished_at,omitempty"`
}

// SetVar 写入变量，同名覆盖（last-write-wins）。
func (s *State) SetVar(name, value string) {
	if s.Vars == nil {
		s.Vars = make(map[string]string)
	}
	s.Vars[name] = value
}

// CloneVars 返回命名空间的浅拷贝，供编排器跨步骤合并使用。
func (s *State) CloneVars() map[string]string {
	out := make(map[string]string, len(s.Vars))
	for k, v := range s.Vars {
		out[k] = v
	}
	return out
}

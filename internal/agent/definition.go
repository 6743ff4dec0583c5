package agent

import (
	"strings"
	"time"

	xerrors "AgentLoom/internal/errors"
	"AgentLoom/internal/tool"
)

// Limits 约束一次运行的资源消耗。
type Limits struct {
	// MaxSteps 是循环的最大迭代次数，到达即失败。
	MaxSteps int `json:"max_steps" yaml:"max_steps"`
	// Timeout 是整次运行的墙钟时限，零值表示不限。
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
	// MaxRetries 是生成后端瞬态失败的最大重试次数。
	MaxRetries int `json:"max_retries" yaml:"max_retries"`
	// MaxMalformed 是容忍的连续畸形输出次数。
	MaxMalformed int `json:"max_malformed" yaml:"max_malformed"`
}

const (
	defaultMaxSteps     = 25
	defaultMaxRetries   = 2
	defaultMaxMalformed = 3
)

func (l Limits) withDefaults() Limits {
	if l.MaxSteps <= 0 {
		l.MaxSteps = defaultMaxSteps
	}
	if l.MaxRetries <= 0 {
		l.MaxRetries = defaultMaxRetries
	}
	if l.MaxMalformed <= 0 {
		l.MaxMalformed = defaultMaxMalformed
	}
	return l
}

// Definition 是一个智能体的不可变声明，由外部加载器提供，
// 运行期间只读。
type Definition struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	// Role 是系统提示模板，决定智能体的身份。
	Role string `json:"role" yaml:"role"`
	// Task 是任务提示模板。
	Task string `json:"task" yaml:"task"`
	// Tools 是该智能体声明的工具集，名称在定义内唯一。
	Tools []tool.Spec `json:"tools,omitempty" yaml:"tools,omitempty"`
	// Using 列出启用的内置工具命名空间。
	Using []string `json:"using,omitempty" yaml:"using,omitempty"`
	// Generator 是生成后端的不透明标识，如 openai/gpt-4o-mini。
	Generator string `json:"generator,omitempty" yaml:"generator,omitempty"`
	// Defaults 为初始变量提供默认值。
	Defaults map[string]string `json:"defaults,omitempty" yaml:"defaults,omitempty"`
	Limits   Limits            `json:"limits" yaml:"limits"`
}

// Validate 校验定义的结构性约束。
func (d *Definition) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "智能体名称不能为空")
	}
	if strings.TrimSpace(d.Task) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "智能体 "+d.Name+" 缺少任务模板")
	}
	seen := make(map[string]struct{}, len(d.Tools))
	for i := range d.Tools {
		if err := d.Tools[i].Validate(); err != nil {
			return err
		}
		if _, ok := seen[d.Tools[i].Name]; ok {
			return xerrors.New(xerrors.CodeDuplicateTool, "工具 "+d.Tools[i].Name+" 在定义中重复")
		}
		seen[d.Tools[i].Name] = struct{}{}
	}
	return nil
}

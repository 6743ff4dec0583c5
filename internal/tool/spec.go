package tool

import (
	"context"
	"strings"
	"time"

	xerrors "AgentLoom/internal/errors"
)

// ArgSpec 描述工具的一个参数。Example 仅作为提示语的示例，
// 绝不会被当作默认值填充。
type ArgSpec struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
	Example     string `json:"example,omitempty" yaml:"example,omitempty"`
	Required    bool   `json:"required" yaml:"required"`
}

// BindingKind 表示工具的执行绑定类型。
type BindingKind string

const (
	BindingShell  BindingKind = "shell"
	BindingLocal  BindingKind = "local"
	BindingRemote BindingKind = "remote"
)

// LocalFunc 是进程内工具的执行函数。返回 error 表示工具级失败，
// 会被注册表捕获并转换为失败结果，不会向上抛出。
type LocalFunc func(ctx context.Context, args map[string]string) (string, error)

// RemoteRef 指向一个远程工具：协议端点加上远端的工具名。
type RemoteRef struct {
	Endpoint string `json:"endpoint" yaml:"endpoint"`
	Tool     string `json:"tool" yaml:"tool"`
}

// Spec 是一个工具的完整声明。三种绑定（Shell、Local、Remote）
// 必须恰好设置一种。
type Spec struct {
	Name        string    `json:"name" yaml:"name"`
	Description string    `json:"description" yaml:"description"`
	Args        []ArgSpec `json:"arguments,omitempty" yaml:"arguments,omitempty"`

	Shell  string     `json:"shell,omitempty" yaml:"shell,omitempty"`
	Local  LocalFunc  `json:"-" yaml:"-"`
	Remote *RemoteRef `json:"remote,omitempty" yaml:"remote,omitempty"`

	// Timeout 约束单次执行时长，零值使用注册表默认值。
	Timeout time.Duration `json:"-" yaml:"-"`
	// CompleteTask 表示该工具成功执行后任务即告完成。
	CompleteTask bool `json:"complete_task,omitempty" yaml:"complete_task,omitempty"`
}

// Binding 返回声明的绑定类型。
func (s *Spec) Binding() BindingKind {
	switch {
	case s.Local != nil:
		return BindingLocal
	case s.Remote != nil:
		return BindingRemote
	default:
		return BindingShell
	}
}

// Validate 校验声明的结构性约束。
func (s *Spec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "工具名不能为空")
	}
	bindings := 0
	if strings.TrimSpace(s.Shell) != "" {
		bindings++
	}
	if s.Local != nil {
		bindings++
	}
	if s.Remote != nil {
		bindings++
	}
	if bindings != 1 {
		return xerrors.New(xerrors.CodeInvalidArgument, "工具 "+s.Name+" 必须且只能声明一种执行绑定")
	}
	seen := make(map[string]struct{}, len(s.Args))
	for _, arg := range s.Args {
		if strings.TrimSpace(arg.Name) == "" {
			return xerrors.New(xerrors.CodeInvalidArgument, "工具 "+s.Name+" 存在未命名参数")
		}
		if _, ok := seen[arg.Name]; ok {
			return xerrors.New(xerrors.CodeInvalidArgument, "工具 "+s.Name+" 的参数 "+arg.Name+" 重复声明")
		}
		seen[arg.Name] = struct{}{}
	}
	return nil
}

// Result 是一次工具执行的统一结果。工具级失败（非零退出码、
// 进程内异常、远端错误响应）体现为 OK=false，绝不会变成注册表错误。
type Result struct {
	OK       bool   `json:"ok"`
	Output   string `json:"output,omitempty"`
	Error    string `json:"error,omitempty"`
	ExitCode int    `json:"exit_code,omitempty"`
}

// Invocation 记录一次完整的工具调用：请求与结果。
// 它只在一次循环迭代内产生和消费，之后仅作为历史条目保留。
type Invocation struct {
	Tool   string            `json:"tool"`
	Args   map[string]string `json:"args,omitempty"`
	Result Result            `json:"result"`
}

// RemoteResult 是远程调用方返回的结果。
type RemoteResult struct {
	OK       bool
	Output   string
	Error    string
	ExitCode int
}

// RemoteCaller 抽象一条可调用远端工具的协议连接。
type RemoteCaller interface {
	CallTool(ctx context.Context, name string, args map[string]string) (RemoteResult, error)
}

// Dialer 负责按端点建立协议连接。注册表在首次使用某个
// 端点时才会拨号，并在之后复用该连接。
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (RemoteCaller, error)
}

// Renderer 渲染 shell 模板。由模板解析器实现。
type Renderer interface {
	Render(ctx context.Context, template string, namespace map[string]string) (string, error)
}

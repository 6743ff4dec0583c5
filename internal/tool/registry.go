package tool

import (
	"context"
	"fmt"
	"sync"
	"time"

	xerrors "AgentLoom/internal/errors"
)

// defaultShellTimeout 是 shell 工具未显式配置时的执行时限。
const defaultShellTimeout = 30 * time.Second

// Registry 保存工具声明并负责统一分发。
// 结构性错误（未知工具、重复注册、缺少必填参数）直接返回 error；
// 工具级失败统一写入 Result，不会中断调用方。
type Registry struct {
	mu     sync.RWMutex
	specs  map[string]*Spec
	order  []string
	conns  map[string]RemoteCaller
	connMu sync.Mutex

	renderer Renderer
	dialer   Dialer
	timeout  time.Duration
}

// Option 定义注册表的可选配置。
type Option func(*Registry)

// WithRenderer 指定 shell 模板的渲染器。
func WithRenderer(r Renderer) Option {
	return func(reg *Registry) {
		reg.renderer = r
	}
}

// WithDialer 指定远程工具的连接器。
func WithDialer(d Dialer) Option {
	return func(reg *Registry) {
		reg.dialer = d
	}
}

// WithShellTimeout 调整 shell 工具的默认执行时限。
func WithShellTimeout(timeout time.Duration) Option {
	return func(reg *Registry) {
		if timeout > 0 {
			reg.timeout = timeout
		}
	}
}

// NewRegistry 创建空的注册表。
func NewRegistry(opts ...Option) *Registry {
	reg := &Registry{
		specs:   make(map[string]*Spec),
		conns:   make(map[string]RemoteCaller),
		timeout: defaultShellTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(reg)
		}
	}
	return reg
}

// Register 注册一个工具声明。名称冲突返回 DUPLICATE_TOOL。
func (r *Registry) Register(spec Spec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.specs[spec.Name]; ok {
		return xerrors.New(xerrors.CodeDuplicateTool, "工具 "+spec.Name+" 已注册")
	}
	clone := spec
	r.specs[spec.Name] = &clone
	r.order = append(r.order, spec.Name)
	return nil
}

// Lookup 返回指定名称的声明。
func (r *Registry) Lookup(name string) (*Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[name]
	return spec, ok
}

// Specs 按注册顺序返回全部声明。
func (r *Registry) Specs() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Spec, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, *r.specs[name])
	}
	return out
}

// Invoke 校验参数并按绑定类型分发执行。
func (r *Registry) Invoke(ctx context.Context, name string, rawArgs map[string]string) (*Invocation, error) {
	spec, ok := r.Lookup(name)
	if !ok {
		return nil, xerrors.New(xerrors.CodeUnknownTool, "工具 "+name+" 未注册")
	}

	args, err := bindArgs(spec, rawArgs)
	if err != nil {
		return nil, err
	}

	inv := &Invocation{Tool: name, Args: args}
	switch spec.Binding() {
	case BindingShell:
		inv.Result = r.runShell(ctx, spec, args)
	case BindingLocal:
		inv.Result = r.runLocal(ctx, spec, args)
	case BindingRemote:
		inv.Result = r.runRemote(ctx, spec, args)
	}
	return inv, nil
}

// InvokeInline 供模板解析器在渲染期间同步调用工具。
// 工具级失败以失败文本的形式写回模板，结构性错误照常返回。
func (r *Registry) InvokeInline(ctx context.Context, name string, args map[string]string) (string, error) {
	inv, err := r.Invoke(ctx, name, args)
	if err != nil {
		return "", err
	}
	if inv.Result.OK {
		return inv.Result.Output, nil
	}
	return inv.Result.Error, nil
}

// bindArgs 按声明校验入参：缺少必填参数报 MISSING_ARGUMENT，
// 多余参数直接丢弃。示例值只是文档提示，不作为默认值。
func bindArgs(spec *Spec, rawArgs map[string]string) (map[string]string, error) {
	args := make(map[string]string, len(spec.Args))
	for _, arg := range spec.Args {
		value, ok := rawArgs[arg.Name]
		if !ok {
			if arg.Required {
				return nil, xerrors.New(xerrors.CodeMissingArgument,
					fmt.Sprintf("工具 %s 缺少必填参数 %s", spec.Name, arg.Name))
			}
			continue
		}
		args[arg.Name] = value
	}
	return args, nil
}

func (r *Registry) runLocal(ctx context.Context, spec *Spec, args map[string]string) (result Result) {
	// 进程内工具的 panic 与 error 都收敛为工具级失败。
	defer func() {
		if rec := recover(); rec != nil {
			result = Result{OK: false, Error: fmt.Sprintf("tool panic: %v", rec), ExitCode: -1}
		}
	}()
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}
	output, err := spec.Local(ctx, args)
	if err != nil {
		return Result{OK: false, Error: err.Error(), ExitCode: -1}
	}
	return Result{OK: true, Output: output}
}

func (r *Registry) runRemote(ctx context.Context, spec *Spec, args map[string]string) Result {
	caller, err := r.remoteCaller(ctx, spec.Remote.Endpoint)
	if err != nil {
		return Result{OK: false, Error: err.Error(), ExitCode: -1}
	}
	remote, err := caller.CallTool(ctx, spec.Remote.Tool, args)
	if err != nil {
		// 连接或协议错误同样归为工具级失败，循环据此继续推进。
		return Result{OK: false, Error: err.Error(), ExitCode: -1}
	}
	return Result{OK: remote.OK, Output: remote.Output, Error: remote.Error, ExitCode: remote.ExitCode}
}

// remoteCaller 返回端点对应的连接，首次使用时才拨号。
func (r *Registry) remoteCaller(ctx context.Context, endpoint string) (RemoteCaller, error) {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	if caller, ok := r.conns[endpoint]; ok {
		return caller, nil
	}
	if r.dialer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置远程工具连接器")
	}
	caller, err := r.dialer.Dial(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	r.conns[endpoint] = caller
	return caller, nil
}

// Close 关闭所有已建立的远程连接。
func (r *Registry) Close() error {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	var err error
	for endpoint, caller := range r.conns {
		if closer, ok := caller.(interface{ Close() error }); ok {
			if cerr := closer.Close(); cerr != nil {
				err = cerr
			}
		}
		delete(r.conns, endpoint)
	}
	return err
}

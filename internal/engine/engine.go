// Package engine 把声明加载、工具注册与循环执行装配成一个可调度的整体。
// 它实现运行处理器的 Executor 接口与工作流编排器的 Runner 接口，
// 是守护进程内所有运行请求的唯一入口。
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"AgentLoom/internal/agent"
	xerrors "AgentLoom/internal/errors"
	"AgentLoom/internal/llm"
	"AgentLoom/internal/run"
	"AgentLoom/internal/template"
	"AgentLoom/internal/tool"
	"AgentLoom/internal/workflow"
	"AgentLoom/pkg/logger"
)

// Engine 按名称持有全部已装配的代理与工作流。
type Engine struct {
	agents     map[string]*agent.Definition
	workflows  map[string]*workflow.Definition
	registries map[string]*tool.Registry
	resolvers  map[string]*template.Resolver
	loops      map[string]*agent.Loop
	// overrides 缓存按 (代理, 生成后端引用) 预装配的循环，
	// 供工作流步骤覆盖生成后端时使用。
	overrides map[string]*agent.Loop

	generators   *llm.Registry
	orchestrator *workflow.Orchestrator
	logger       *slog.Logger
}

// Option 配置 Engine。
type Option func(*settings)

type settings struct {
	dialer       tool.Dialer
	shellTimeout time.Duration
	baseDir      string
	logger       *slog.Logger
}

// WithDialer 指定远程工具的协议连接器。
func WithDialer(d tool.Dialer) Option {
	return func(s *settings) {
		s.dialer = d
	}
}

// WithShellTimeout 调整 shell 工具的默认执行时限。
func WithShellTimeout(timeout time.Duration) Option {
	return func(s *settings) {
		if timeout > 0 {
			s.shellTimeout = timeout
		}
	}
}

// WithBaseDir 指定模板 include 指令的根目录。
func WithBaseDir(dir string) Option {
	return func(s *settings) {
		s.baseDir = dir
	}
}

// WithLogger 覆盖默认日志器。
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.logger = l
		}
	}
}

// New 装配引擎：为每个代理构建工具注册表、模板解析器与循环实例。
// generators 是生成后端注册表，每个代理按其声明的 Generator 引用
// 解析后端，空引用落到默认后端；未注册的引用在装配阶段即报错。
func New(
	agents map[string]*agent.Definition,
	workflows map[string]*workflow.Definition,
	generators *llm.Registry,
	opts ...Option,
) (*Engine, error) {
	if generators == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "generator registry is required")
	}

	s := settings{logger: logger.Named("engine")}
	for _, opt := range opts {
		opt(&s)
	}

	e := &Engine{
		agents:     make(map[string]*agent.Definition, len(agents)),
		workflows:  make(map[string]*workflow.Definition, len(workflows)),
		registries: make(map[string]*tool.Registry, len(agents)),
		resolvers:  make(map[string]*template.Resolver, len(agents)),
		loops:      make(map[string]*agent.Loop, len(agents)),
		overrides:  make(map[string]*agent.Loop),
		generators: generators,
		logger:     s.logger,
	}

	for name, def := range agents {
		if def == nil {
			continue
		}
		client, err := generators.Resolve(def.Generator)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeOf(err), err,
				"代理 "+name+" 声明的生成后端不可用")
		}
		registry, err := buildRegistry(def, s)
		if err != nil {
			return nil, err
		}
		resolver := template.NewResolver(
			template.WithTools(registry),
			template.WithBaseDir(s.baseDir),
		)
		loop, err := agent.NewLoop(def, client, registry, resolver, agent.WithLogger(s.logger))
		if err != nil {
			return nil, err
		}
		e.agents[name] = def
		e.registries[name] = registry
		e.resolvers[name] = resolver
		e.loops[name] = loop
	}

	for name, def := range workflows {
		if def == nil {
			continue
		}
		for _, step := range def.Steps {
			if _, ok := e.agents[step.Agent]; !ok {
				return nil, xerrors.New(xerrors.CodeNotFound,
					"工作流 "+name+" 引用了未定义的代理 "+step.Agent)
			}
			// 步骤级覆盖也在装配阶段解析并缓存，引用错误提前暴露。
			if step.Generator != "" {
				if _, err := e.buildOverride(step.Agent, step.Generator, s); err != nil {
					return nil, xerrors.Wrap(xerrors.CodeOf(err), err,
						"工作流 "+name+" 中代理 "+step.Agent+" 的生成后端覆盖不可用")
				}
			}
		}
		e.workflows[name] = def
	}

	orchestrator, err := workflow.NewOrchestrator(e, workflow.WithLogger(s.logger))
	if err != nil {
		return nil, err
	}
	e.orchestrator = orchestrator
	return e, nil
}

// buildOverride 为 (代理, 生成后端引用) 装配一个覆盖循环并缓存。
// 复用该代理既有的注册表与解析器，只替换生成后端。
func (e *Engine) buildOverride(name, generator string, s settings) (*agent.Loop, error) {
	key := name + "\x00" + generator
	if loop, ok := e.overrides[key]; ok {
		return loop, nil
	}
	def, ok := e.agents[name]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, "代理 "+name+" 未定义")
	}
	client, err := e.generators.Resolve(generator)
	if err != nil {
		return nil, err
	}
	loop, err := agent.NewLoop(def, client, e.registries[name], e.resolvers[name], agent.WithLogger(s.logger))
	if err != nil {
		return nil, err
	}
	e.overrides[key] = loop
	return loop, nil
}

// buildRegistry 为单个代理构建工具注册表：
// 先注册 using 声明的内置命名空间，再注册定义内的工具。
func buildRegistry(def *agent.Definition, s settings) (*tool.Registry, error) {
	// shell 模板只引用调用参数，渲染器不开放内联工具调用。
	shellRenderer := template.NewResolver(template.WithBaseDir(s.baseDir))

	regOpts := []tool.Option{tool.WithRenderer(shellRenderer)}
	if s.dialer != nil {
		regOpts = append(regOpts, tool.WithDialer(s.dialer))
	}
	if s.shellTimeout > 0 {
		regOpts = append(regOpts, tool.WithShellTimeout(s.shellTimeout))
	}
	registry := tool.NewRegistry(regOpts...)

	for _, ns := range def.Using {
		if err := registry.RegisterNamespace(ns); err != nil {
			return nil, err
		}
	}
	for _, spec := range def.Tools {
		if err := registry.Register(spec); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// Agents 返回全部代理定义，按名称索引。
func (e *Engine) Agents() map[string]*agent.Definition {
	out := make(map[string]*agent.Definition, len(e.agents))
	for name, def := range e.agents {
		out[name] = def
	}
	return out
}

// Workflows 返回全部工作流定义，按名称索引。
func (e *Engine) Workflows() map[string]*workflow.Definition {
	out := make(map[string]*workflow.Definition, len(e.workflows))
	for name, def := range e.workflows {
		out[name] = def
	}
	return out
}

// RunAgent 实现 workflow.Runner。generator 非空时改用指定的
// 生成后端运行该代理，工作流步骤的覆盖即经此传入。
func (e *Engine) RunAgent(ctx context.Context, name, generator string, vars map[string]string) (*agent.State, error) {
	loop, err := e.loopFor(name, generator)
	if err != nil {
		return nil, err
	}
	return loop.Run(ctx, vars)
}

// loopFor 选取循环实例：无覆盖时用代理自身的循环，
// 有覆盖时优先命中装配阶段的缓存。
func (e *Engine) loopFor(name, generator string) (*agent.Loop, error) {
	if generator == "" {
		loop, ok := e.loops[name]
		if !ok {
			return nil, xerrors.New(xerrors.CodeNotFound, "代理 "+name+" 未定义")
		}
		return loop, nil
	}
	if loop, ok := e.overrides[name+"\x00"+generator]; ok {
		return loop, nil
	}
	// 声明过的覆盖都在装配阶段缓存过；走到这里说明是临时指定的
	// 引用，直接装配一次，不回写缓存以避免并发写。
	def, ok := e.agents[name]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, "代理 "+name+" 未定义")
	}
	client, err := e.generators.Resolve(generator)
	if err != nil {
		return nil, err
	}
	return agent.NewLoop(def, client, e.registries[name], e.resolvers[name], agent.WithLogger(e.logger))
}

// RunWorkflow 按名称执行一条工作流。
func (e *Engine) RunWorkflow(ctx context.Context, name string, vars map[string]string) (*workflow.Result, error) {
	def, ok := e.workflows[name]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, "工作流 "+name+" 未定义")
	}
	return e.orchestrator.Run(ctx, def, vars)
}

// Execute 实现 run.Executor：把排队的运行解析为代理或工作流并执行。
// 非成功终态转换为带错误码的 error，由处理器决定重试或告警。
func (e *Engine) Execute(ctx context.Context, r *run.Run) (*run.Outcome, error) {
	switch r.Kind {
	case run.KindWorkflow:
		return e.executeWorkflow(ctx, r)
	default:
		return e.executeAgent(ctx, r)
	}
}

func (e *Engine) executeAgent(ctx context.Context, r *run.Run) (*run.Outcome, error) {
	state, err := e.RunAgent(ctx, r.Target, "", r.Vars)
	if err != nil {
		return nil, err
	}
	switch state.Status {
	case agent.StatusSucceeded:
		return &run.Outcome{
			Output: state.Output,
			Steps:  state.Step,
			Vars:   state.CloneVars(),
		}, nil
	case agent.StatusTimedOut:
		return nil, xerrors.New(xerrors.CodeTimeout,
			fmt.Sprintf("代理 %s 运行超时: %s", r.Target, state.FailureReason))
	default:
		code := xerrors.Code(state.FailureCode)
		if code == "" {
			code = xerrors.CodeUnknown
		}
		return nil, xerrors.New(code,
			fmt.Sprintf("代理 %s 运行失败: %s", r.Target, state.FailureReason))
	}
}

func (e *Engine) executeWorkflow(ctx context.Context, r *run.Run) (*run.Outcome, error) {
	result, err := e.RunWorkflow(ctx, r.Target, r.Vars)
	if err != nil {
		return nil, err
	}
	if result.Status != agent.StatusSucceeded {
		code := xerrors.CodeUnknown
		reason := "工作流中止"
		if n := len(result.Steps); n > 0 {
			last := result.Steps[n-1].State
			if last.FailureCode != "" {
				code = xerrors.Code(last.FailureCode)
			}
			if last.FailureReason != "" {
				reason = last.FailureReason
			}
		}
		if result.Status == agent.StatusTimedOut {
			code = xerrors.CodeTimeout
		}
		return nil, xerrors.New(code,
			fmt.Sprintf("工作流 %s 未完成: %s", r.Target, reason))
	}

	steps := 0
	output := ""
	for _, step := range result.Steps {
		steps += step.State.Step
		if step.State.Output != "" {
			output = step.State.Output
		}
	}
	vars := make(map[string]string, len(result.Vars))
	for k, v := range result.Vars {
		vars[k] = v
	}
	return &run.Outcome{Output: output, Steps: steps, Vars: vars}, nil
}

// Close 释放所有注册表持有的远程连接。
func (e *Engine) Close() error {
	var firstErr error
	for name, registry := range e.registries {
		if err := registry.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("关闭代理 %s 的注册表失败: %w", name, err)
		}
	}
	return firstErr
}

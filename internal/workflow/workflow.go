// Package workflow 提供多代理的顺序编排。
// 工作流按声明顺序依次运行各个代理，前序代理写入的变量
// 对后续代理可见，任一代理失败或超时则整条工作流停止。
package workflow

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"AgentLoom/internal/agent"
	apperr "AgentLoom/internal/errors"
	"AgentLoom/pkg/logger"
)

// Step 是工作流中的一步：引用一个代理，可携带该步骤特有的变量，
// 并可为这一步覆盖代理声明的生成后端。
type Step struct {
	Agent string            `json:"agent" yaml:"agent"`
	Vars  map[string]string `json:"vars,omitempty" yaml:"vars,omitempty"`
	// Generator 非空时覆盖代理自身的生成后端引用，仅对本步生效。
	Generator string `json:"generator,omitempty" yaml:"generator,omitempty"`
}

// Definition 是一条工作流的声明。
type Definition struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Steps       []Step `json:"steps" yaml:"steps"`
}

// Validate 校验工作流声明的结构性约束。
func (d *Definition) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return apperr.New(apperr.CodeInvalidArgument, "工作流必须有名称")
	}
	if len(d.Steps) == 0 {
		return apperr.New(apperr.CodeInvalidArgument, "工作流 "+d.Name+" 不含任何步骤")
	}
	for i, step := range d.Steps {
		if strings.TrimSpace(step.Agent) == "" {
			return apperr.New(apperr.CodeInvalidArgument,
				"工作流 "+d.Name+" 的第 "+strconv.Itoa(i+1)+" 步未指定代理")
		}
	}
	return nil
}

// StepResult 是单步的执行结果，内含该代理的完整运行状态。
type StepResult struct {
	Agent string       `json:"agent"`
	State *agent.State `json:"state"`
}

// Result 是整条工作流的结果。Steps 保留已执行步骤的完整状态，
// 中途停止时为部分结果；Vars 是所有步骤累计后的最终命名空间。
type Result struct {
	Workflow string            `json:"workflow"`
	RunID    string            `json:"run_id"`
	Status   agent.Status      `json:"status"`
	Steps    []StepResult      `json:"steps"`
	Vars     map[string]string `json:"vars"`

	StartedAt  int64 `json:"started_at"`
	FinishedAt int64 `json:"finished_at"`
}

// Runner 按名称运行一个代理。generator 非空时覆盖代理声明的
// 生成后端引用。由引擎层实现，编排器不关心代理如何构造。
type Runner interface {
	RunAgent(ctx context.Context, name, generator string, vars map[string]string) (*agent.State, error)
}

// Orchestrator 顺序执行工作流。
type Orchestrator struct {
	runner Runner
	logger *slog.Logger
	now    func() time.Time
}

// Option 配置 Orchestrator。
type Option func(*Orchestrator)

// WithLogger 覆盖默认日志器。
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock 注入时钟，便于测试。
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// NewOrchestrator 创建编排器。
func NewOrchestrator(runner Runner, opts ...Option) (*Orchestrator, error) {
	if runner == nil {
		return nil, apperr.New(apperr.CodeInvalidArgument, "runner is required")
	}
	o := &Orchestrator{
		runner: runner,
		logger: logger.Named("workflow"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Run 顺序执行工作流的每一步。变量命名空间单调累积：
// 初始变量、各步骤自带变量与前序代理写入的变量依次合并，
// 同名以后写入者为准。任一步骤失败或超时，工作流立即停止
// 并返回已执行步骤的部分结果。
func (o *Orchestrator) Run(ctx context.Context, def *Definition, initialVars map[string]string) (*Result, error) {
	if def == nil {
		return nil, apperr.New(apperr.CodeInvalidArgument, "workflow definition is required")
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}

	result := &Result{
		Workflow:  def.Name,
		RunID:     uuid.New().String(),
		Status:    agent.StatusRunning,
		Vars:      make(map[string]string, len(initialVars)),
		StartedAt: o.now().Unix(),
	}
	for k, v := range initialVars {
		result.Vars[k] = v
	}

	log := o.logger.With("workflow", def.Name, "run_id", result.RunID)
	log.Info("工作流启动", "steps", len(def.Steps))

	for i, step := range def.Steps {
		if err := ctx.Err(); err != nil {
			result.Status = agent.StatusFailed
			result.FinishedAt = o.now().Unix()
			return result, apperr.Wrap(apperr.CodeTimeout, err, "workflow canceled")
		}

		vars := make(map[string]string, len(result.Vars)+len(step.Vars))
		for k, v := range result.Vars {
			vars[k] = v
		}
		for k, v := range step.Vars {
			vars[k] = v
		}

		log.Info("执行工作流步骤", "index", i, "agent", step.Agent, "generator", step.Generator)
		state, err := o.runner.RunAgent(ctx, step.Agent, step.Generator, vars)
		if state != nil {
			result.Steps = append(result.Steps, StepResult{Agent: step.Agent, State: state})
			for k, v := range state.CloneVars() {
				result.Vars[k] = v
			}
		}
		if err != nil {
			result.Status = agent.StatusFailed
			result.FinishedAt = o.now().Unix()
			return result, err
		}
		if state.Status != agent.StatusSucceeded {
			result.Status = state.Status
			result.FinishedAt = o.now().Unix()
			log.Warn("工作流中止", "agent", step.Agent, "status", string(state.Status))
			return result, nil
		}
	}

	result.Status = agent.StatusSucceeded
	result.FinishedAt = o.now().Unix()
	log.Info("工作流完成", "steps", len(result.Steps))
	return result, nil
}

package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	apperr "AgentLoom/internal/errors"
	"AgentLoom/internal/llm"
	"AgentLoom/internal/template"
	"AgentLoom/internal/tool"
	"AgentLoom/pkg/logger"
)

// Loop 驱动单个代理的生成-调用循环。
// 每一步向生成后端渲染提示词、请求输出、执行其中的工具调用，
// 并把结果折叠回对话历史，直到任务完成或预算耗尽。
type Loop struct {
	def       *Definition
	generator llm.Client
	registry  *tool.Registry
	resolver  *template.Resolver
	logger    *slog.Logger
	backoff   time.Duration
	sleep     func(context.Context, time.Duration) error
	now       func() time.Time
}

// Option 配置 Loop。
type Option func(*Loop)

// WithLogger 覆盖默认日志器。
func WithLogger(l *slog.Logger) Option {
	return func(lp *Loop) {
		if l != nil {
			lp.logger = l
		}
	}
}

// WithBackoff 设置生成重试的基础退避间隔。
func WithBackoff(d time.Duration) Option {
	return func(lp *Loop) {
		if d > 0 {
			lp.backoff = d
		}
	}
}

// WithClock 注入时钟，便于测试。
func WithClock(now func() time.Time) Option {
	return func(lp *Loop) {
		if now != nil {
			lp.now = now
		}
	}
}

// WithSleep 注入休眠函数，便于测试跳过真实等待。
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(lp *Loop) {
		if sleep != nil {
			lp.sleep = sleep
		}
	}
}

// NewLoop 创建代理循环。definition 与 generator 不能为空；
// registry 为空时代理只剩控制工具可用。
func NewLoop(def *Definition, generator llm.Client, registry *tool.Registry, resolver *template.Resolver, opts ...Option) (*Loop, error) {
	if def == nil {
		return nil, apperr.New(apperr.CodeInvalidArgument, "agent definition is required")
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if generator == nil {
		return nil, apperr.New(apperr.CodeInvalidArgument, "generator client is required")
	}
	if resolver == nil {
		resolver = template.NewResolver()
	}
	lp := &Loop{
		def:       def,
		generator: generator,
		registry:  registry,
		resolver:  resolver,
		logger:    logger.Named("agent"),
		backoff:   500 * time.Millisecond,
		sleep:     sleepCtx,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(lp)
	}
	return lp, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run 执行循环直到终态。initialVars 覆盖定义中的 Defaults。
// 返回的 State 总是非空；err 仅在结构性失败(如渲染错误)时返回,
// 正常的失败与超时通过 State.Status 表达。
func (lp *Loop) Run(ctx context.Context, initialVars map[string]string) (*State, error) {
	limits := lp.def.Limits.withDefaults()

	state := &State{
		Agent:     lp.def.Name,
		RunID:     uuid.New().String(),
		Vars:      make(map[string]string),
		Status:    StatusRunning,
		StartedAt: lp.now().Unix(),
	}
	for k, v := range lp.def.Defaults {
		state.Vars[k] = v
	}
	for k, v := range initialVars {
		state.Vars[k] = v
	}

	if limits.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, limits.Timeout)
		defer cancel()
	}

	log := lp.logger.With("agent", lp.def.Name, "run_id", state.RunID)
	log.Info("代理循环启动", "max_steps", limits.MaxSteps)

	malformed := 0
	for {
		if err := ctx.Err(); err != nil {
			lp.finishDeadline(state, err, log)
			return state, nil
		}
		if state.Step >= limits.MaxSteps {
			lp.finish(state, StatusFailed, apperr.CodeStepLimitExceeded,
				fmt.Sprintf("step limit of %d reached without completion", limits.MaxSteps), log)
			return state, nil
		}

		req, err := lp.buildRequest(ctx, state)
		if err != nil {
			lp.finish(state, StatusFailed, apperr.CodeOf(err), err.Error(), log)
			return state, err
		}

		resp, err := lp.generate(ctx, req, limits, log)
		if err != nil {
			if ctx.Err() != nil {
				lp.finishDeadline(state, ctx.Err(), log)
				return state, nil
			}
			lp.finish(state, StatusFailed, apperr.CodeOf(err), err.Error(), log)
			return state, nil
		}

		calls := resp.ToolCalls
		dropped := 0
		if len(calls) == 0 && resp.Text != "" {
			calls, dropped = parseInlineCalls(resp.Text)
		}

		// 空响应与只含无法解码的工具调用行的响应同属畸形输出，
		// 共享同一份纠正预算。
		if len(calls) == 0 && (resp.Text == "" || dropped > 0) {
			malformed++
			log.Warn("生成输出畸形", "malformed", malformed, "dropped_calls", dropped)
			if malformed >= limits.MaxMalformed {
				lp.finish(state, StatusFailed, apperr.CodeMalformedOutput,
					fmt.Sprintf("generator produced %d consecutive malformed responses", malformed), log)
				return state, nil
			}
			notice := "Your previous response was empty. Respond with text or call one of the available tools."
			if dropped > 0 {
				notice = fmt.Sprintf(
					"Your previous response contained %d tool call line(s) that could not be parsed. "+
						`Emit each call as a single-line JSON object: {"tool": "...", "args": {...}}.`, dropped)
			}
			state.Turns = append(state.Turns, Turn{
				Role:      TurnCorrection,
				Content:   notice,
				CreatedAt: lp.now().Unix(),
			})
			state.Step++
			continue
		}
		malformed = 0

		turn := Turn{Role: TurnAssistant, Content: resp.Text, CreatedAt: lp.now().Unix()}
		done, records := lp.dispatch(ctx, state, calls, log)
		turn.Calls = records
		state.Turns = append(state.Turns, turn)
		for _, rec := range records {
			content := rec.Result.Output
			if !rec.Result.OK && rec.Result.Error != "" {
				content = rec.Result.Error
			}
			state.Turns = append(state.Turns, Turn{
				Role:      TurnTool,
				Content:   content,
				Calls:     []ToolCallRecord{rec},
				CreatedAt: lp.now().Unix(),
			})
		}
		state.Step++

		if done {
			return state, nil
		}
	}
}

// buildRequest 渲染系统提示与任务并组装生成请求。
func (lp *Loop) buildRequest(ctx context.Context, state *State) (llm.Request, error) {
	role, err := lp.resolver.Render(ctx, lp.def.Role, state.Vars)
	if err != nil {
		return llm.Request{}, err
	}
	task, err := lp.resolver.Render(ctx, lp.def.Task, state.Vars)
	if err != nil {
		return llm.Request{}, err
	}

	req := llm.Request{System: role, Tools: lp.catalog()}
	req.Messages = append(req.Messages, llm.Message{Role: llm.RoleUser, Content: task})
	for _, turn := range state.Turns {
		switch turn.Role {
		case TurnAssistant:
			req.Messages = append(req.Messages, llm.Message{Role: llm.RoleAssistant, Content: turn.Content})
		case TurnTool:
			name := ""
			if len(turn.Calls) > 0 {
				name = turn.Calls[0].Tool
			}
			req.Messages = append(req.Messages, llm.Message{Role: llm.RoleTool, Content: turn.Content, ToolName: name})
		case TurnCorrection:
			req.Messages = append(req.Messages, llm.Message{Role: llm.RoleUser, Content: turn.Content})
		}
	}
	return req, nil
}

// catalog 返回提供给后端的完整工具目录：注册表工具加控制工具。
func (lp *Loop) catalog() []tool.Spec {
	var specs []tool.Spec
	if lp.registry != nil {
		specs = append(specs, lp.registry.Specs()...)
	}
	specs = append(specs, controlSpecs()...)
	return specs
}

// generate 带重试地调用生成后端。重试次数与退避由 Limits 控制。
func (lp *Loop) generate(ctx context.Context, req llm.Request, limits Limits, log *slog.Logger) (*llm.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= limits.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := lp.sleep(ctx, lp.backoff*time.Duration(attempt)); err != nil {
				return nil, err
			}
			log.Warn("重试生成请求", "attempt", attempt, "error", lastErr)
		}
		resp, err := lp.generator.Generate(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, apperr.Wrap(apperr.CodeRetriesExhausted, lastErr,
		fmt.Sprintf("generator failed after %d attempts", limits.MaxRetries+1))
}

// dispatch 按声明顺序执行工具调用。控制工具在此拦截，
// 不经注册表。返回是否进入终态以及调用记录。
func (lp *Loop) dispatch(ctx context.Context, state *State, calls []llm.ToolCall, log *slog.Logger) (bool, []ToolCallRecord) {
	var (
		records  []ToolCallRecord
		complete bool
		failed   bool
		reason   string
	)
	for _, call := range calls {
		if isControlTool(call.Name) {
			rec := lp.dispatchControl(state, call, &complete, &failed, &reason)
			records = append(records, rec)
			logger.Audit().Info("control tool invoked",
				"run_id", state.RunID, "tool", call.Name, "args", call.Args)
			continue
		}

		var rec ToolCallRecord
		rec.Tool = call.Name
		rec.Args = call.Args
		if lp.registry == nil {
			rec.Result = tool.Result{OK: false, Error: fmt.Sprintf("unknown tool %q", call.Name)}
		} else {
			inv, err := lp.registry.Invoke(ctx, call.Name, call.Args)
			if err != nil {
				// 结构性错误(未知工具、缺参)折叠为失败结果，
				// 让模型在下一步看到并纠正。
				rec.Result = tool.Result{OK: false, Error: err.Error()}
			} else {
				rec.Result = inv.Result
				if spec, ok := lp.registry.Lookup(call.Name); ok && spec.CompleteTask && inv.Result.OK {
					complete = true
					reason = inv.Result.Output
				}
			}
		}
		records = append(records, rec)
		logger.Audit().Info("tool invoked",
			"run_id", state.RunID, "tool", call.Name, "ok", rec.Result.OK)
	}

	// 完成标志在所有调用执行之后才生效，保证同一批次内
	// 排在完成调用之后的副作用不会被跳过。
	switch {
	case failed:
		lp.finish(state, StatusFailed, apperr.CodeUnknown, reason, log)
		return true, records
	case complete:
		state.Output = reason
		lp.finish(state, StatusSucceeded, "", reason, log)
		return true, records
	}
	return false, records
}

func (lp *Loop) dispatchControl(state *State, call llm.ToolCall, complete, failed *bool, reason *string) ToolCallRecord {
	rec := ToolCallRecord{Tool: call.Name, Args: call.Args}
	switch call.Name {
	case controlComplete:
		*complete = true
		if r, ok := call.Args["reason"]; ok {
			*reason = r
		}
		for k, v := range call.Args {
			if k != "reason" {
				state.SetVar(k, v)
			}
		}
		rec.Result = tool.Result{OK: true, Output: "task marked complete"}
	case controlFail:
		*failed = true
		*reason = call.Args["reason"]
		if *reason == "" {
			*reason = "task marked failed by generator"
		}
		rec.Result = tool.Result{OK: true, Output: "task marked failed"}
	case controlSetVar:
		name, value := call.Args["name"], call.Args["value"]
		if name == "" {
			rec.Result = tool.Result{OK: false, Error: "set_variable requires a name"}
			break
		}
		state.SetVar(name, value)
		rec.Result = tool.Result{OK: true, Output: fmt.Sprintf("variable %q stored", name)}
	}
	return rec
}

func (lp *Loop) finish(state *State, status Status, code apperr.Code, reason string, log *slog.Logger) {
	state.Status = status
	state.FinishedAt = lp.now().Unix()
	if status != StatusSucceeded {
		state.FailureCode = string(code)
		state.FailureReason = reason
	}
	logger.Audit().Info("run finished",
		"run_id", state.RunID, "agent", state.Agent, "status", string(status), "steps", state.Step)
	log.Info("代理循环结束", "status", string(status), "steps", state.Step, "reason", reason)
}

// finishDeadline 区分预算超时与外部取消。
func (lp *Loop) finishDeadline(state *State, err error, log *slog.Logger) {
	if err == context.DeadlineExceeded {
		lp.finish(state, StatusTimedOut, apperr.CodeTimeout, "run deadline exceeded", log)
		return
	}
	lp.finish(state, StatusFailed, apperr.CodeUnknown, fmt.Sprintf("run canceled: %v", err), log)
}

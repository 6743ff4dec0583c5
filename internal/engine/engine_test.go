package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"AgentLoom/internal/agent"
	xerrors "AgentLoom/internal/errors"
	"AgentLoom/internal/llm"
	"AgentLoom/internal/llm/scripted"
	"AgentLoom/internal/run"
	"AgentLoom/internal/tool"
	"AgentLoom/internal/workflow"
)

func completeCall(reason string, extra map[string]string) llm.ToolCall {
	args := map[string]string{"reason": reason}
	for k, v := range extra {
		args[k] = v
	}
	return llm.ToolCall{Name: "task_complete_success", Args: args}
}

func testAgents() map[string]*agent.Definition {
	return map[string]*agent.Definition{
		"greeter": {
			Name: "greeter",
			Role: "You greet people.",
			Task: "Greet {{ who | stranger }}.",
			Tools: []tool.Spec{
				{
					Name: "shout",
					Args: []tool.ArgSpec{{Name: "text", Required: true}},
					Local: func(_ context.Context, args map[string]string) (string, error) {
						return args["text"] + "!", nil
					},
				},
			},
			Limits: agent.Limits{MaxSteps: 5},
		},
		"finisher": {
			Name:   "finisher",
			Role:   "You finish workflows.",
			Task:   "Wrap up.",
			Limits: agent.Limits{MaxSteps: 3},
		},
	}
}

func TestNewRejectsUnknownWorkflowAgent(t *testing.T) {
	workflows := map[string]*workflow.Definition{
		"broken": {Name: "broken", Steps: []workflow.Step{{Agent: "nobody"}}},
	}
	_, err := New(testAgents(), workflows, llm.NewRegistry(scripted.New()))
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeNotFound, xerrors.CodeOf(err))
}

func TestNewRejectsUnregisteredAgentGenerator(t *testing.T) {
	agents := testAgents()
	agents["greeter"].Generator = "anthropic/claude-x"

	_, err := New(agents, nil, llm.NewRegistry(scripted.New()))
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeNotFound, xerrors.CodeOf(err))
	assert.Contains(t, err.Error(), "anthropic/claude-x")
}

func TestAgentGeneratorReferenceSelectsBackend(t *testing.T) {
	fallback := scripted.New()
	named := scripted.New(
		llm.Response{ToolCalls: []llm.ToolCall{completeCall("done", nil)}},
	)
	generators := llm.NewRegistry(fallback)
	require.NoError(t, generators.Register("anthropic/claude-x", named))

	agents := testAgents()
	agents["greeter"].Generator = "anthropic/claude-x"
	e, err := New(agents, nil, generators)
	require.NoError(t, err)

	_, err = e.Execute(context.Background(), &run.Run{Target: "greeter", Kind: run.KindAgent})
	require.NoError(t, err)
	// 声明引用的后端承接运行，默认后端不被触碰。
	assert.Equal(t, 1, named.Calls())
	assert.Zero(t, fallback.Calls())
}

func TestNewRejectsUnregisteredStepGenerator(t *testing.T) {
	workflows := map[string]*workflow.Definition{
		"pipeline": {Name: "pipeline", Steps: []workflow.Step{
			{Agent: "greeter", Generator: "nobody/nothing"},
		}},
	}
	_, err := New(testAgents(), workflows, llm.NewRegistry(scripted.New()))
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeNotFound, xerrors.CodeOf(err))
}

func TestWorkflowStepGeneratorOverride(t *testing.T) {
	fallback := scripted.New(
		llm.Response{ToolCalls: []llm.ToolCall{completeCall("first done", nil)}},
	)
	override := scripted.New(
		llm.Response{ToolCalls: []llm.ToolCall{completeCall("second done", nil)}},
	)
	generators := llm.NewRegistry(fallback)
	require.NoError(t, generators.Register("openai/gpt-4o", override))

	workflows := map[string]*workflow.Definition{
		"pipeline": {Name: "pipeline", Steps: []workflow.Step{
			{Agent: "greeter"},
			{Agent: "finisher", Generator: "openai/gpt-4o"},
		}},
	}
	e, err := New(testAgents(), workflows, generators)
	require.NoError(t, err)

	outcome, err := e.Execute(context.Background(), &run.Run{
		Target: "pipeline",
		Kind:   run.KindWorkflow,
	})
	require.NoError(t, err)
	assert.Equal(t, "second done", outcome.Output)
	// 第一步走默认后端，第二步走覆盖后端，各承接一次调用。
	assert.Equal(t, 1, fallback.Calls())
	assert.Equal(t, 1, override.Calls())
}

func TestExecuteAgentRun(t *testing.T) {
	client := scripted.New(
		llm.Response{ToolCalls: []llm.ToolCall{
			{Name: "shout", Args: map[string]string{"text": "hello"}},
		}},
		llm.Response{ToolCalls: []llm.ToolCall{
			completeCall("greeted", map[string]string{"greeting": "hello!"}),
		}},
	)
	e, err := New(testAgents(), nil, llm.NewRegistry(client))
	require.NoError(t, err)
	defer e.Close()

	outcome, err := e.Execute(context.Background(), &run.Run{
		Target: "greeter",
		Kind:   run.KindAgent,
		Vars:   map[string]string{"who": "team"},
	})
	require.NoError(t, err)
	assert.Equal(t, "greeted", outcome.Output)
	assert.Equal(t, 2, outcome.Steps)
	assert.Equal(t, "hello!", outcome.Vars["greeting"])
}

func TestExecuteAgentFailureCarriesCode(t *testing.T) {
	client := scripted.New(
		llm.Response{ToolCalls: []llm.ToolCall{
			{Name: "task_fail", Args: map[string]string{"reason": "nothing to greet"}},
		}},
	)
	e, err := New(testAgents(), nil, llm.NewRegistry(client))
	require.NoError(t, err)

	_, err = e.Execute(context.Background(), &run.Run{Target: "greeter", Kind: run.KindAgent})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeUnknown, xerrors.CodeOf(err))
	assert.Contains(t, err.Error(), "nothing to greet")
}

func TestExecuteAgentStepLimitMapsToCode(t *testing.T) {
	client := scripted.New(
		llm.Response{Text: "one"},
		llm.Response{Text: "two"},
		llm.Response{Text: "three"},
		llm.Response{Text: "four"},
		llm.Response{Text: "five"},
	)
	e, err := New(testAgents(), nil, llm.NewRegistry(client))
	require.NoError(t, err)

	_, err = e.Execute(context.Background(), &run.Run{Target: "greeter", Kind: run.KindAgent})
	require.Error(t, err)
	// 步数耗尽是不可重试的失败，处理器不会重投。
	assert.Equal(t, xerrors.CodeStepLimitExceeded, xerrors.CodeOf(err))
}

func TestExecuteUnknownTarget(t *testing.T) {
	e, err := New(testAgents(), nil, llm.NewRegistry(scripted.New()))
	require.NoError(t, err)

	_, err = e.Execute(context.Background(), &run.Run{Target: "ghost", Kind: run.KindAgent})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeNotFound, xerrors.CodeOf(err))
}

func TestExecuteWorkflowRun(t *testing.T) {
	client := scripted.New(
		llm.Response{ToolCalls: []llm.ToolCall{
			completeCall("first done", map[string]string{"handoff": "value"}),
		}},
		llm.Response{ToolCalls: []llm.ToolCall{
			completeCall("all done", nil),
		}},
	)
	workflows := map[string]*workflow.Definition{
		"pipeline": {Name: "pipeline", Steps: []workflow.Step{
			{Agent: "greeter"},
			{Agent: "finisher"},
		}},
	}
	e, err := New(testAgents(), workflows, llm.NewRegistry(client))
	require.NoError(t, err)

	outcome, err := e.Execute(context.Background(), &run.Run{
		Target: "pipeline",
		Kind:   run.KindWorkflow,
	})
	require.NoError(t, err)
	assert.Equal(t, "all done", outcome.Output)
	assert.Equal(t, 2, outcome.Steps)
	// 第一步写入的变量保留在最终结果里。
	assert.Equal(t, "value", outcome.Vars["handoff"])
}

func TestExecuteWorkflowHaltPropagatesFailure(t *testing.T) {
	client := scripted.New(
		llm.Response{ToolCalls: []llm.ToolCall{
			{Name: "task_fail", Args: map[string]string{"reason": "first step broke"}},
		}},
	)
	workflows := map[string]*workflow.Definition{
		"pipeline": {Name: "pipeline", Steps: []workflow.Step{
			{Agent: "greeter"},
			{Agent: "finisher"},
		}},
	}
	e, err := New(testAgents(), workflows, llm.NewRegistry(client))
	require.NoError(t, err)

	_, err = e.Execute(context.Background(), &run.Run{Target: "pipeline", Kind: run.KindWorkflow})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "first step broke")
}

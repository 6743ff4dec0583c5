package tool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "AgentLoom/internal/errors"
)

// fakeCaller 以预置回答模拟一条远程协议连接。
type fakeCaller struct {
	result RemoteResult
	err    error
	calls  []string
	closed bool
}

func (f *fakeCaller) CallTool(_ context.Context, name string, _ map[string]string) (RemoteResult, error) {
	f.calls = append(f.calls, name)
	if f.err != nil {
		return RemoteResult{}, f.err
	}
	return f.result, nil
}

func (f *fakeCaller) Close() error {
	f.closed = true
	return nil
}

// fakeDialer 记录拨号次数，验证连接按端点复用。
type fakeDialer struct {
	caller *fakeCaller
	dials  int
}

func (f *fakeDialer) Dial(_ context.Context, _ string) (RemoteCaller, error) {
	f.dials++
	return f.caller, nil
}

func TestRegistryRegisterValidation(t *testing.T) {
	reg := NewRegistry()
	spec := Spec{
		Name:  "echo",
		Shell: "echo hi",
	}
	require.NoError(t, reg.Register(spec))

	err := reg.Register(spec)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeDuplicateTool, xerrors.CodeOf(err))

	err = reg.Register(Spec{Name: "both", Shell: "true", Local: func(context.Context, map[string]string) (string, error) { return "", nil }})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))

	err = reg.Register(Spec{Name: "none"})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}

func TestRegistryInvokeUnknownTool(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Invoke(context.Background(), "nope", nil)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeUnknownTool, xerrors.CodeOf(err))
}

func TestRegistryArgBinding(t *testing.T) {
	var got map[string]string
	reg := NewRegistry()
	require.NoError(t, reg.Register(Spec{
		Name: "capture",
		Args: []ArgSpec{
			{Name: "required", Required: true},
			{Name: "optional", Example: "never-used"},
		},
		Local: func(_ context.Context, args map[string]string) (string, error) {
			got = args
			return "ok", nil
		},
	}))

	// 缺少必填参数是结构性错误。
	_, err := reg.Invoke(context.Background(), "capture", map[string]string{"optional": "x"})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeMissingArgument, xerrors.CodeOf(err))

	// 未声明的参数被丢弃，示例值不会被当作默认值。
	inv, err := reg.Invoke(context.Background(), "capture", map[string]string{
		"required": "a",
		"extra":    "dropped",
	})
	require.NoError(t, err)
	assert.True(t, inv.Result.OK)
	assert.Equal(t, map[string]string{"required": "a"}, got)
	assert.NotContains(t, got, "optional")
}

func TestRegistryLocalFailureAndPanic(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Spec{
		Name: "failing",
		Local: func(context.Context, map[string]string) (string, error) {
			return "", errors.New("disk full")
		},
	}))
	require.NoError(t, reg.Register(Spec{
		Name: "panicking",
		Local: func(context.Context, map[string]string) (string, error) {
			panic("boom")
		},
	}))

	inv, err := reg.Invoke(context.Background(), "failing", nil)
	require.NoError(t, err, "工具级失败不应成为注册表错误")
	assert.False(t, inv.Result.OK)
	assert.Equal(t, "disk full", inv.Result.Error)
	assert.Equal(t, -1, inv.Result.ExitCode)

	inv, err = reg.Invoke(context.Background(), "panicking", nil)
	require.NoError(t, err)
	assert.False(t, inv.Result.OK)
	assert.Contains(t, inv.Result.Error, "boom")
}

func TestRegistryShellExecution(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Spec{Name: "greet", Shell: "echo hello"}))
	require.NoError(t, reg.Register(Spec{Name: "broken", Shell: "exit 3"}))

	inv, err := reg.Invoke(context.Background(), "greet", nil)
	require.NoError(t, err)
	assert.True(t, inv.Result.OK)
	assert.Equal(t, "hello", inv.Result.Output)

	inv, err = reg.Invoke(context.Background(), "broken", nil)
	require.NoError(t, err)
	assert.False(t, inv.Result.OK)
	assert.Equal(t, 3, inv.Result.ExitCode)
}

func TestRegistryShellTimeout(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Spec{
		Name:    "slow",
		Shell:   "sleep 5",
		Timeout: 100 * time.Millisecond,
	}))

	start := time.Now()
	inv, err := reg.Invoke(context.Background(), "slow", nil)
	require.NoError(t, err)
	assert.False(t, inv.Result.OK)
	assert.Contains(t, inv.Result.Error, "超时")
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestRegistryRemoteDialReuse(t *testing.T) {
	caller := &fakeCaller{result: RemoteResult{OK: true, Output: "remote says hi"}}
	dialer := &fakeDialer{caller: caller}
	reg := NewRegistry(WithDialer(dialer))
	require.NoError(t, reg.Register(Spec{
		Name:   "remote_a",
		Remote: &RemoteRef{Endpoint: "127.0.0.1:9090", Tool: "alpha"},
	}))
	require.NoError(t, reg.Register(Spec{
		Name:   "remote_b",
		Remote: &RemoteRef{Endpoint: "127.0.0.1:9090", Tool: "beta"},
	}))

	inv, err := reg.Invoke(context.Background(), "remote_a", nil)
	require.NoError(t, err)
	assert.True(t, inv.Result.OK)
	assert.Equal(t, "remote says hi", inv.Result.Output)

	_, err = reg.Invoke(context.Background(), "remote_b", nil)
	require.NoError(t, err)

	assert.Equal(t, 1, dialer.dials, "同一端点的连接应被复用")
	assert.Equal(t, []string{"alpha", "beta"}, caller.calls)

	require.NoError(t, reg.Close())
	assert.True(t, caller.closed)
}

func TestRegistryRemoteErrorBecomesToolFailure(t *testing.T) {
	caller := &fakeCaller{err: errors.New("connection reset")}
	reg := NewRegistry(WithDialer(&fakeDialer{caller: caller}))
	require.NoError(t, reg.Register(Spec{
		Name:   "flaky",
		Remote: &RemoteRef{Endpoint: "127.0.0.1:9090", Tool: "flaky"},
	}))

	inv, err := reg.Invoke(context.Background(), "flaky", nil)
	require.NoError(t, err)
	assert.False(t, inv.Result.OK)
	assert.Contains(t, inv.Result.Error, "connection reset")
}

func TestRegistryRemoteWithoutDialer(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Spec{
		Name:   "orphan",
		Remote: &RemoteRef{Endpoint: "127.0.0.1:9090", Tool: "orphan"},
	}))

	inv, err := reg.Invoke(context.Background(), "orphan", nil)
	require.NoError(t, err)
	assert.False(t, inv.Result.OK)
}

func TestRegistryNamespaces(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.RegisterNamespace("shell"))
	require.Error(t, reg.RegisterNamespace("nonexistent"))

	spec, ok := reg.Lookup("execute_shell_command")
	require.True(t, ok)
	assert.Equal(t, BindingShell, spec.Binding())

	specs := reg.Specs()
	require.Len(t, specs, 1)
	assert.Equal(t, "execute_shell_command", specs[0].Name)
}

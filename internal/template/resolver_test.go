package template

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "AgentLoom/internal/errors"
)

// countingInvoker 记录每次内联调用的工具名与参数，用于验证去重行为。
type countingInvoker struct {
	calls  int
	output string
	err    error
}

func (c *countingInvoker) InvokeInline(_ context.Context, name string, args map[string]string) (string, error) {
	c.calls++
	if c.err != nil {
		return "", c.err
	}
	if c.output != "" {
		return c.output, nil
	}
	return name, nil
}

func TestResolverVariables(t *testing.T) {
	r := NewResolver()
	ctx := context.Background()

	out, err := r.Render(ctx, "hello {{ name }}", map[string]string{"name": "world"})
	require.NoError(t, err)
	assert.Equal(t, "hello world", out)

	out, err = r.Render(ctx, "{{ region | us-east-1 }}", nil)
	require.NoError(t, err)
	assert.Equal(t, "us-east-1", out)

	// 命名空间中的空字符串优先于默认值。
	out, err = r.Render(ctx, "{{ region | us-east-1 }}", map[string]string{"region": ""})
	require.NoError(t, err)
	assert.Equal(t, "", out)

	_, err = r.Render(ctx, "{{ missing }}", nil)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeUndefinedVariable, xerrors.CodeOf(err))
}

func TestResolverRenderDeterministic(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	invoker := &countingInvoker{output: "4 files"}
	r := NewResolver(
		WithTools(invoker),
		WithClock(func() time.Time { return fixed }),
	)
	ctx := context.Background()
	tpl := "{{ who }} saw {{ tool:count k=v }} on {{ @date }} in {{ region | us-east-1 }}"
	ns := map[string]string{"who": "alice"}

	first, err := r.Render(ctx, tpl, ns)
	require.NoError(t, err)
	second, err := r.Render(ctx, tpl, ns)
	require.NoError(t, err)

	// 相同命名空间下两次渲染逐字节一致。
	assert.Equal(t, first, second)
	assert.Equal(t, "alice saw 4 files on 2026-03-01 in us-east-1", first)
}

func TestResolverUnclosedDirective(t *testing.T) {
	r := NewResolver()
	out, err := r.Render(context.Background(), "prefix {{ name", map[string]string{"name": "x"})
	require.NoError(t, err)
	assert.Equal(t, "prefix {{ name", out)
}

func TestResolverBuiltinStablePerRender(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	tick := 0
	r := NewResolver(WithClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}))
	ctx := context.Background()

	out, err := r.Render(ctx, "{{ @timestamp }}|{{ @timestamp }}", nil)
	require.NoError(t, err)
	parts := [2]string{out[:len(out)/2], out[len(out)/2+1:]}
	assert.Equal(t, parts[0], parts[1], "同一次渲染内时间戳应保持一致")

	// 新的渲染会重新求值。
	next, err := r.Render(ctx, "{{ @timestamp }}", nil)
	require.NoError(t, err)
	assert.NotEqual(t, parts[0], next)

	_, err = r.Render(ctx, "{{ @nope }}", nil)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeUndefinedVariable, xerrors.CodeOf(err))
}

func TestResolverToolMemoization(t *testing.T) {
	invoker := &countingInvoker{output: "42"}
	r := NewResolver(WithTools(invoker))
	ctx := context.Background()

	out, err := r.Render(ctx, `{{ tool:count dir=/tmp }} {{ tool:count dir=/tmp }} {{ tool:count dir=/var }}`, nil)
	require.NoError(t, err)
	assert.Equal(t, "42 42 42", out)
	assert.Equal(t, 2, invoker.calls, "相同参数的调用应只执行一次")

	// 下一次渲染不复用缓存。
	_, err = r.Render(ctx, `{{ tool:count dir=/tmp }}`, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, invoker.calls)
}

func TestResolverToolExprParsing(t *testing.T) {
	invoker := &countingInvoker{output: "ok"}
	r := NewResolver(WithTools(invoker))
	ctx := context.Background()

	out, err := r.Render(ctx, `{{ tool:search query="hello world" limit=5 }}`, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", out)

	_, err = r.Render(ctx, `{{ tool:search query="unterminated }}`, nil)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))

	_, err = r.Render(ctx, `{{ tool: }}`, nil)
	require.Error(t, err)
}

func TestResolverToolWithoutInvoker(t *testing.T) {
	r := NewResolver()
	_, err := r.Render(context.Background(), `{{ tool:anything }}`, nil)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeInitializationFailure, xerrors.CodeOf(err))
}

func TestResolverInclude(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "inner.txt"), []byte("inner {{ name }}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "outer.txt"), []byte("outer [{{ include:inner.txt }}]"), 0o644))

	r := NewResolver(WithBaseDir(dir))
	out, err := r.Render(context.Background(), "{{ include:outer.txt }}", map[string]string{"name": "x"})
	require.NoError(t, err)
	assert.Equal(t, "outer [inner x]", out)

	_, err = r.Render(context.Background(), "{{ include:missing.txt }}", nil)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeInclusionFailed, xerrors.CodeOf(err))
}

func TestResolverIncludeDepthLimit(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "loop.txt"), []byte("{{ include:loop.txt }}"), 0o644))

	r := NewResolver(WithBaseDir(dir), WithMaxDepth(3))
	_, err := r.Render(context.Background(), "{{ include:loop.txt }}", nil)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeInclusionDepthExceeded, xerrors.CodeOf(err))
}

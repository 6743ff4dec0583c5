package protocol

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "AgentLoom/internal/errors"
	"AgentLoom/internal/tool"
)

// newPipeSession 用内存管道把客户端连接到一个服务端实例。
func newPipeSession(t *testing.T, registry Invoker, opts ...ConnOption) (*Conn, context.CancelFunc) {
	t.Helper()
	clientSide, serverSide := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	server := NewServer("test-server", registry)
	go server.ServeConn(ctx, serverSide)
	conn := NewConn(clientSide, opts...)
	t.Cleanup(func() {
		cancel()
		_ = conn.Close()
	})
	return conn, cancel
}

func newTestRegistry(t *testing.T) *tool.Registry {
	t.Helper()
	reg := tool.NewRegistry()
	require.NoError(t, reg.Register(tool.Spec{
		Name:        "echo",
		Description: "echo back the given text",
		Args: []tool.ArgSpec{
			{Name: "text", Required: true},
		},
		Local: func(_ context.Context, args map[string]string) (string, error) {
			return args["text"], nil
		},
	}))
	require.NoError(t, reg.Register(tool.Spec{
		Name: "fail",
		Local: func(context.Context, map[string]string) (string, error) {
			return "", errors.New("intentional failure")
		},
	}))
	require.NoError(t, reg.Register(tool.Spec{
		Name: "slow",
		Args: []tool.ArgSpec{
			{Name: "ms", Required: true},
		},
		Local: func(_ context.Context, args map[string]string) (string, error) {
			ms, _ := strconv.Atoi(args["ms"])
			time.Sleep(time.Duration(ms) * time.Millisecond)
			return "slept " + args["ms"], nil
		},
	}))
	return reg
}

func TestInitializeReturnsCatalog(t *testing.T) {
	conn, _ := newPipeSession(t, newTestRegistry(t), WithClientName("test-client"))

	result, err := conn.Initialize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "test-server", result.Name)
	require.Len(t, result.Tools, 3)
	assert.Equal(t, "echo", result.Tools[0].Name)
	require.Len(t, result.Tools[0].Args, 1)
	assert.True(t, result.Tools[0].Args[0].Required)

	// 目录在握手后被缓存。
	cached := conn.Tools()
	assert.Equal(t, result.Tools, cached)
}

func TestCallToolRoundTrip(t *testing.T) {
	conn, _ := newPipeSession(t, newTestRegistry(t))
	ctx := context.Background()

	result, err := conn.CallTool(ctx, "echo", map[string]string{"text": "ping"})
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.Equal(t, "ping", result.Output)

	// 工具级失败跨连接后仍是失败结果，不是错误。
	result, err = conn.CallTool(ctx, "fail", nil)
	require.NoError(t, err)
	assert.False(t, result.OK)
	assert.Contains(t, result.Error, "intentional failure")

	// 未知工具与缺参同样映射为失败结果。
	result, err = conn.CallTool(ctx, "nonexistent", nil)
	require.NoError(t, err)
	assert.False(t, result.OK)

	result, err = conn.CallTool(ctx, "echo", nil)
	require.NoError(t, err)
	assert.False(t, result.OK)
}

func TestConcurrentCallsCorrelateByID(t *testing.T) {
	conn, _ := newPipeSession(t, newTestRegistry(t))
	ctx := context.Background()

	// 先发的慢调用与后发的快调用同时在途，
	// 响应乱序返回也必须各自对上。
	var wg sync.WaitGroup
	results := make([]tool.RemoteResult, 2)
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		results[0], errs[0] = conn.CallTool(ctx, "slow", map[string]string{"ms": "200"})
	}()
	go func() {
		defer wg.Done()
		time.Sleep(20 * time.Millisecond)
		results[1], errs[1] = conn.CallTool(ctx, "echo", map[string]string{"text": "fast"})
	}()
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, "slept 200", results[0].Output)
	assert.Equal(t, "fast", results[1].Output)
}

func TestCallTimeout(t *testing.T) {
	// 对端只收不回，调用应在时限内以超时错误返回。
	clientSide, serverSide := net.Pipe()
	go func() {
		scanner := bufio.NewScanner(serverSide)
		for scanner.Scan() {
		}
	}()
	conn := NewConn(clientSide, WithCallTimeout(100*time.Millisecond))
	defer conn.Close()

	_, err := conn.CallTool(context.Background(), "echo", nil)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeProtocolTimeout, xerrors.CodeOf(err))
}

func TestConnectionLostFailsPendingCalls(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	go func() {
		scanner := bufio.NewScanner(serverSide)
		if scanner.Scan() {
			_ = serverSide.Close()
		}
	}()
	conn := NewConn(clientSide, WithCallTimeout(2*time.Second))
	defer conn.Close()

	_, err := conn.CallTool(context.Background(), "echo", nil)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeConnectionLost, xerrors.CodeOf(err))

	// 失效连接上的后续调用立即失败。
	_, err = conn.CallTool(context.Background(), "echo", nil)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeConnectionLost, xerrors.CodeOf(err))
}

func TestServerRejectsMalformedRequests(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	server := NewServer("test-server", newTestRegistry(t))
	go server.ServeConn(ctx, serverSide)
	defer clientSide.Close()

	writer := json.NewEncoder(clientSide)
	scanner := bufio.NewScanner(clientSide)

	// 非 JSON 行。
	_, err := clientSide.Write([]byte("this is not json\n"))
	require.NoError(t, err)
	require.True(t, scanner.Scan())
	var resp Response
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeMalformedRequest, resp.Error.Code)

	// 未知方法。
	require.NoError(t, writer.Encode(Request{ID: "r1", Method: "bogus"}))
	require.True(t, scanner.Scan())
	resp = Response{}
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &resp))
	assert.Equal(t, "r1", resp.ID)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeUnknownMethod, resp.Error.Code)

	// callTool 参数缺失。
	require.NoError(t, writer.Encode(Request{ID: "r2", Method: MethodCallTool, Params: json.RawMessage(`{}`)}))
	require.True(t, scanner.Scan())
	resp = Response{}
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeMalformedRequest, resp.Error.Code)
}

func TestRefreshTools(t *testing.T) {
	registry := newTestRegistry(t)
	conn, _ := newPipeSession(t, registry)
	ctx := context.Background()

	_, err := conn.Initialize(ctx)
	require.NoError(t, err)
	require.Len(t, conn.Tools(), 3)

	require.NoError(t, registry.Register(tool.Spec{
		Name:  "late_arrival",
		Shell: "true",
	}))
	tools, err := conn.RefreshTools(ctx)
	require.NoError(t, err)
	assert.Len(t, tools, 4)
	assert.Len(t, conn.Tools(), 4)
}

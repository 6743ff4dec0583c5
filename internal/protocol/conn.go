package protocol

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "AgentLoom/internal/errors"
	"AgentLoom/internal/tool"
)

// defaultCallTimeout 是单次协议调用的默认时限。
const defaultCallTimeout = 30 * time.Second

// Conn 是到一个远程方的协议连接（客户端角色）。
// 同一连接允许多个在途请求，按请求 ID 而非顺序关联响应。
type Conn struct {
	transport io.ReadWriteCloser

	writeMu sync.Mutex
	encoder *json.Encoder

	mu       sync.Mutex
	pending  map[string]chan *Response
	catalog  []ToolDescriptor
	peerName string
	dead     bool
	deadErr  error

	selfName    string
	callTimeout time.Duration
}

// ConnOption 定义连接的可选配置。
type ConnOption func(*Conn)

// WithCallTimeout 调整单次调用的时限。
func WithCallTimeout(timeout time.Duration) ConnOption {
	return func(c *Conn) {
		if timeout > 0 {
			c.callTimeout = timeout
		}
	}
}

// WithClientName 设置握手时上报的本方名称。
func WithClientName(name string) ConnOption {
	return func(c *Conn) {
		if name != "" {
			c.selfName = name
		}
	}
}

// NewConn 在给定传输上建立客户端连接并启动读循环。
func NewConn(transport io.ReadWriteCloser, opts ...ConnOption) *Conn {
	c := &Conn{
		transport:   transport,
		encoder:     json.NewEncoder(transport),
		pending:     make(map[string]chan *Response),
		selfName:    "agentloom",
		callTimeout: defaultCallTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	go c.readLoop()
	return c
}

// readLoop 逐行读取响应并按 ID 路由。传输断开后连接标记为失效，
// 所有在途请求以 CONNECTION_LOST 收场。
func (c *Conn) readLoop() {
	scanner := bufio.NewScanner(c.transport)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp Response
		if err := json.Unmarshal(line, &resp); err != nil {
			// 无法解析的入站消息直接丢弃，等待对应请求超时。
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- &resp
		}
	}

	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	c.markDead(err)
}

func (c *Conn) markDead(cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dead {
		return
	}
	c.dead = true
	c.deadErr = xerrors.Wrap(xerrors.CodeConnectionLost, cause, "协议连接已断开")
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
}

// call 发送一条请求并等待匹配的响应或超时。
func (c *Conn) call(ctx context.Context, method string, params any) (*Response, error) {
	var raw json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化协议参数失败")
		}
		raw = encoded
	}

	id := uuid.NewString()
	req := Request{ID: id, Method: method, Params: raw}
	ch := make(chan *Response, 1)

	c.mu.Lock()
	if c.dead {
		err := c.deadErr
		c.mu.Unlock()
		return nil, err
	}
	c.pending[id] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	err := c.encoder.Encode(&req)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		c.markDead(err)
		return nil, xerrors.Wrap(xerrors.CodeConnectionLost, err, "写入协议请求失败")
	}

	timer := time.NewTimer(c.callTimeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			c.mu.Lock()
			err := c.deadErr
			c.mu.Unlock()
			return nil, err
		}
		return resp, nil
	case <-timer.C:
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, xerrors.New(xerrors.CodeProtocolTimeout, method+" 调用超时")
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Initialize 执行握手并缓存远端的工具目录。
// 目录在连接存续期内不会重新拉取，除非显式调用 RefreshTools。
func (c *Conn) Initialize(ctx context.Context) (*InitializeResult, error) {
	resp, err := c.call(ctx, MethodInitialize, InitializeParams{Name: c.selfName, Version: "1"})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, xerrors.New(xerrors.CodeProtocolError, resp.Error.Code+": "+resp.Error.Message)
	}
	var result InitializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProtocolError, err, "解析握手响应失败")
	}
	c.mu.Lock()
	c.catalog = result.Tools
	c.peerName = result.Name
	c.mu.Unlock()
	return &result, nil
}

// Tools 返回握手时缓存的远端工具目录。
func (c *Conn) Tools() []ToolDescriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ToolDescriptor, len(c.catalog))
	copy(out, c.catalog)
	return out
}

// RefreshTools 重新拉取远端目录并更新缓存。
func (c *Conn) RefreshTools(ctx context.Context) ([]ToolDescriptor, error) {
	resp, err := c.call(ctx, MethodListTools, nil)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, xerrors.New(xerrors.CodeProtocolError, resp.Error.Code+": "+resp.Error.Message)
	}
	var result ListToolsResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProtocolError, err, "解析工具目录失败")
	}
	c.mu.Lock()
	c.catalog = result.Tools
	c.mu.Unlock()
	return result.Tools, nil
}

// CallTool 调用远端工具。已知错误码映射为工具级失败结果，
// 未知错误码与传输故障作为错误返回。
func (c *Conn) CallTool(ctx context.Context, name string, args map[string]string) (tool.RemoteResult, error) {
	resp, err := c.call(ctx, MethodCallTool, CallToolParams{Name: name, Args: args})
	if err != nil {
		return tool.RemoteResult{}, err
	}
	if resp.Error != nil {
		switch resp.Error.Code {
		case ErrCodeUnknownTool, ErrCodeMissingArgument, ErrCodeToolFailed:
			return tool.RemoteResult{OK: false, Error: resp.Error.Message, ExitCode: -1}, nil
		default:
			return tool.RemoteResult{}, xerrors.New(xerrors.CodeProtocolError,
				resp.Error.Code+": "+resp.Error.Message)
		}
	}
	var result CallToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return tool.RemoteResult{}, xerrors.Wrap(xerrors.CodeProtocolError, err, "解析工具调用响应失败")
	}
	return tool.RemoteResult{OK: result.OK, Output: result.Output, Error: result.Error, ExitCode: result.ExitCode}, nil
}

// Close 关闭底层传输。
func (c *Conn) Close() error {
	err := c.transport.Close()
	c.markDead(io.ErrClosedPipe)
	return err
}

package protocol

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"

	xerrors "AgentLoom/internal/errors"
	"AgentLoom/internal/tool"
	"AgentLoom/pkg/logger"
)

// Invoker 是服务端分发所需的本地工具能力，由工具注册表实现。
type Invoker interface {
	Invoke(ctx context.Context, name string, args map[string]string) (*tool.Invocation, error)
	Specs() []tool.Spec
}

// Server 以服务端角色把本地注册表暴露给远程调用方。
type Server struct {
	name     string
	registry Invoker
	logger   *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	sessions map[io.Closer]struct{}
	shutdown bool
}

// NewServer 创建协议服务端。
func NewServer(name string, registry Invoker) *Server {
	return &Server{
		name:     name,
		registry: registry,
		logger:   logger.Named("protocol"),
		sessions: make(map[io.Closer]struct{}),
	}
}

// Listen 在 TCP 地址上接受连接，直到上下文取消。
func (s *Server) Listen(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "协议端口监听失败")
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.track(conn)
		go func() {
			defer s.untrack(conn)
			s.ServeConn(ctx, conn)
		}()
	}
}

// ServeConn 在单个传输上处理请求，直到对端关闭或上下文取消。
// 每个请求由独立协程处理，响应顺序因此可能与请求顺序不同。
func (s *Server) ServeConn(ctx context.Context, transport io.ReadWriteCloser) {
	defer transport.Close()

	var writeMu sync.Mutex
	encoder := json.NewEncoder(transport)
	respond := func(resp *Response) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := encoder.Encode(resp); err != nil {
			s.logger.Debug("写入协议响应失败", slog.Any("error", err))
		}
	}

	scanner := bufio.NewScanner(transport)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var wg sync.WaitGroup
	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil || req.Method == "" {
			// 畸形消息回一个协议级错误，而不是断开连接。
			respond(&Response{ID: req.ID, Error: &ErrorBody{
				Code:    ErrCodeMalformedRequest,
				Message: "request is not a valid protocol message",
			}})
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			respond(s.handle(ctx, &req))
		}()
	}
	wg.Wait()
}

func (s *Server) handle(ctx context.Context, req *Request) *Response {
	switch req.Method {
	case MethodInitialize:
		return &Response{ID: req.ID, Result: mustMarshal(InitializeResult{
			Name:    s.name,
			Version: "1",
			Tools:   s.describeTools(),
		})}
	case MethodListTools:
		return &Response{ID: req.ID, Result: mustMarshal(ListToolsResult{Tools: s.describeTools()})}
	case MethodCallTool:
		return s.handleCallTool(ctx, req)
	default:
		return &Response{ID: req.ID, Error: &ErrorBody{
			Code:    ErrCodeUnknownMethod,
			Message: "unknown method: " + req.Method,
		}}
	}
}

func (s *Server) handleCallTool(ctx context.Context, req *Request) *Response {
	var params CallToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return &Response{ID: req.ID, Error: &ErrorBody{
			Code:    ErrCodeMalformedRequest,
			Message: "invalid callTool params",
		}}
	}

	inv, err := s.registry.Invoke(ctx, params.Name, params.Args)
	if err != nil {
		code := ErrCodeInternal
		switch xerrors.CodeOf(err) {
		case xerrors.CodeUnknownTool:
			code = ErrCodeUnknownTool
		case xerrors.CodeMissingArgument:
			code = ErrCodeMissingArgument
		}
		return &Response{ID: req.ID, Error: &ErrorBody{Code: code, Message: err.Error()}}
	}

	logger.Audit().Info("远程工具调用",
		slog.String("tool", params.Name),
		slog.Bool("ok", inv.Result.OK),
	)
	return &Response{ID: req.ID, Result: mustMarshal(CallToolResult{
		OK:       inv.Result.OK,
		Output:   inv.Result.Output,
		Error:    inv.Result.Error,
		ExitCode: inv.Result.ExitCode,
	})}
}

// describeTools 将注册表声明转换为协议目录。
func (s *Server) describeTools() []ToolDescriptor {
	specs := s.registry.Specs()
	out := make([]ToolDescriptor, 0, len(specs))
	for _, spec := range specs {
		descriptor := ToolDescriptor{Name: spec.Name, Description: spec.Description}
		for _, arg := range spec.Args {
			descriptor.Args = append(descriptor.Args, ArgDescriptor{
				Name:        arg.Name,
				Description: arg.Description,
				Example:     arg.Example,
				Required:    arg.Required,
			})
		}
		out = append(out, descriptor)
	}
	return out
}

func (s *Server) track(conn io.Closer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[conn] = struct{}{}
}

func (s *Server) untrack(conn io.Closer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, conn)
}

// Close 停止监听并关闭所有活动会话。
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return nil
	}
	s.shutdown = true
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for conn := range s.sessions {
		_ = conn.Close()
		delete(s.sessions, conn)
	}
	return err
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

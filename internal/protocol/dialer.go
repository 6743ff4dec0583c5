package protocol

import (
	"context"
	"io"
	"net"
	"os/exec"
	"strings"
	"time"

	xerrors "AgentLoom/internal/errors"
	"AgentLoom/internal/tool"
)

// Dialer 按端点描述建立协议连接并完成握手。
// 支持两种传输：
//
//	tcp://host:port          TCP 套接字
//	stdio://command args...  子进程的标准输入输出管道
type Dialer struct {
	CallTimeout time.Duration
	ClientName  string
}

// Dial 实现 tool.Dialer。
func (d *Dialer) Dial(ctx context.Context, endpoint string) (tool.RemoteCaller, error) {
	transport, err := d.openTransport(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	opts := []ConnOption{}
	if d.CallTimeout > 0 {
		opts = append(opts, WithCallTimeout(d.CallTimeout))
	}
	if d.ClientName != "" {
		opts = append(opts, WithClientName(d.ClientName))
	}
	conn := NewConn(transport, opts...)
	if _, err := conn.Initialize(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

func (d *Dialer) openTransport(ctx context.Context, endpoint string) (io.ReadWriteCloser, error) {
	switch {
	case strings.HasPrefix(endpoint, "tcp://"):
		var dialer net.Dialer
		conn, err := dialer.DialContext(ctx, "tcp", strings.TrimPrefix(endpoint, "tcp://"))
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeConnectionLost, err, "连接协议端点失败: "+endpoint)
		}
		return conn, nil
	case strings.HasPrefix(endpoint, "stdio://"):
		return startCommandTransport(ctx, strings.TrimPrefix(endpoint, "stdio://"))
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "不支持的协议端点: "+endpoint)
	}
}

// commandTransport 把子进程的标准输入输出封装为一条传输。
type commandTransport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func startCommandTransport(ctx context.Context, commandLine string) (*commandTransport, error) {
	fields := strings.Fields(commandLine)
	if len(fields) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "stdio 端点缺少命令")
	}
	cmd := exec.CommandContext(ctx, fields[0], fields[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConnectionLost, err, "创建子进程输入管道失败")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConnectionLost, err, "创建子进程输出管道失败")
	}
	if err := cmd.Start(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConnectionLost, err, "启动协议子进程失败")
	}
	return &commandTransport{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

func (t *commandTransport) Read(p []byte) (int, error) {
	return t.stdout.Read(p)
}

func (t *commandTransport) Write(p []byte) (int, error) {
	return t.stdin.Write(p)
}

func (t *commandTransport) Close() error {
	_ = t.stdin.Close()
	_ = t.stdout.Close()
	if t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
	}
	return t.cmd.Wait()
}

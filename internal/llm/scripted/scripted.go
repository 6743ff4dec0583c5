// Package scripted provides a deterministic llm.Client that replays a fixed
// sequence of responses. It backs loop tests and offline dry runs.
package scripted

import (
	"context"
	"sync"

	xerrors "AgentLoom/internal/errors"
	"AgentLoom/internal/llm"
)

type step struct {
	resp llm.Response
	err  error
}

// Client 按脚本顺序返回预置的响应，并记录收到的请求。
type Client struct {
	mu       sync.Mutex
	steps    []step
	cursor   int
	requests []llm.Request
}

// New 创建脚本客户端。
func New(responses ...llm.Response) *Client {
	c := &Client{}
	for _, resp := range responses {
		c.steps = append(c.steps, step{resp: resp})
	}
	return c
}

// PushResponse 在脚本末尾追加一次成功的调用。
func (c *Client) PushResponse(resp llm.Response) *Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steps = append(c.steps, step{resp: resp})
	return c
}

// PushError 在脚本末尾追加一次失败的调用。
func (c *Client) PushError(err error) *Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steps = append(c.steps, step{err: err})
	return c
}

// Generate 实现 llm.Client。脚本耗尽后返回生成失败。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if c.cursor >= len(c.steps) {
		return nil, xerrors.New(xerrors.CodeGeneratorFailure, "脚本响应已耗尽")
	}
	next := c.steps[c.cursor]
	c.cursor++
	if next.err != nil {
		return nil, next.err
	}
	resp := next.resp
	return &resp, nil
}

// Requests 返回目前为止收到的全部请求。
func (c *Client) Requests() []llm.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]llm.Request, len(c.requests))
	copy(out, c.requests)
	return out
}

// Calls 返回已消费的脚本步数。
func (c *Client) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor
}

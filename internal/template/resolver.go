package template

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "AgentLoom/internal/errors"
)

// defaultMaxDepth 限制文件嵌套包含的层数，防止自引用模板无限展开。
const defaultMaxDepth = 8

// ToolInvoker 供渲染期间的内联工具调用使用，由工具注册表实现。
type ToolInvoker interface {
	InvokeInline(ctx context.Context, name string, args map[string]string) (string, error)
}

// Resolver 将模板字符串渲染为最终文本。
// 指令语法：
//
//	{{ name }}            变量引用，未定义时渲染失败
//	{{ name | fallback }} 带默认值的变量引用
//	{{ @builtin }}        内置变量（时间戳、本机地址等）
//	{{ include:path }}    文件包含，可嵌套，深度有上限
//	{{ tool:name k=v }}   内联工具调用，单次渲染内按参数去重
type Resolver struct {
	tools    ToolInvoker
	baseDir  string
	maxDepth int
	now      func() time.Time
}

// ResolverOption 定义解析器的可选配置。
type ResolverOption func(*Resolver)

// WithTools 注入内联工具调用的执行方。
func WithTools(invoker ToolInvoker) ResolverOption {
	return func(r *Resolver) {
		r.tools = invoker
	}
}

// WithBaseDir 指定 include 相对路径的基准目录。
func WithBaseDir(dir string) ResolverOption {
	return func(r *Resolver) {
		r.baseDir = dir
	}
}

// WithMaxDepth 调整文件包含的最大嵌套深度。
func WithMaxDepth(depth int) ResolverOption {
	return func(r *Resolver) {
		if depth > 0 {
			r.maxDepth = depth
		}
	}
}

// WithClock 替换时间来源，主要用于测试。
func WithClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

// NewResolver 创建解析器。
func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{maxDepth: defaultMaxDepth, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// session 保存一次 Render 调用内的临时状态：内置变量在首次求值后
// 固定不变，工具调用结果按（工具名，参数）为键去重。
type session struct {
	builtins map[string]string
	toolMemo map[string]string
	depth    int
	stack    []string
}

// Render 以给定命名空间渲染模板。
func (r *Resolver) Render(ctx context.Context, template string, namespace map[string]string) (string, error) {
	sess := &session{
		builtins: make(map[string]string),
		toolMemo: make(map[string]string),
	}
	return r.render(ctx, template, namespace, sess)
}

func (r *Resolver) render(ctx context.Context, template string, namespace map[string]string, sess *session) (string, error) {
	var out strings.Builder
	rest := template
	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			out.WriteString(rest)
			return out.String(), nil
		}
		out.WriteString(rest[:start])
		end := strings.Index(rest[start:], "}}")
		if end < 0 {
			// 未闭合的指令原样输出。
			out.WriteString(rest[start:])
			return out.String(), nil
		}
		directive := strings.TrimSpace(rest[start+2 : start+end])
		rest = rest[start+end+2:]

		value, err := r.resolveDirective(ctx, directive, namespace, sess)
		if err != nil {
			return "", err
		}
		out.WriteString(value)
	}
}

func (r *Resolver) resolveDirective(ctx context.Context, directive string, namespace map[string]string, sess *session) (string, error) {
	switch {
	case strings.HasPrefix(directive, "include:"):
		return r.resolveInclude(ctx, strings.TrimSpace(strings.TrimPrefix(directive, "include:")), namespace, sess)
	case strings.HasPrefix(directive, "tool:"):
		return r.resolveToolCall(ctx, strings.TrimSpace(strings.TrimPrefix(directive, "tool:")), sess)
	case strings.HasPrefix(directive, "@"):
		return r.resolveBuiltin(directive, sess)
	default:
		return resolveVariable(directive, namespace)
	}
}

// resolveVariable 处理 `name` 与 `name | default` 两种形式。
func resolveVariable(directive string, namespace map[string]string) (string, error) {
	name := directive
	fallback := ""
	hasFallback := false
	if idx := strings.Index(directive, "|"); idx >= 0 {
		name = strings.TrimSpace(directive[:idx])
		fallback = strings.TrimSpace(directive[idx+1:])
		hasFallback = true
	}
	if value, ok := namespace[name]; ok {
		return value, nil
	}
	if hasFallback {
		return fallback, nil
	}
	return "", xerrors.New(xerrors.CodeUndefinedVariable, "变量 "+name+" 未定义且没有默认值")
}

// resolveBuiltin 惰性求值内置变量，且在同一次渲染内保持不变。
func (r *Resolver) resolveBuiltin(directive string, sess *session) (string, error) {
	name := strings.TrimPrefix(directive, "@")
	if value, ok := sess.builtins[name]; ok {
		return value, nil
	}

	var value string
	switch name {
	case "timestamp":
		value = r.now().Format(time.RFC3339)
	case "date":
		value = r.now().Format("2006-01-02")
	case "local_addr":
		value = localAddress()
	case "hostname":
		host, err := os.Hostname()
		if err != nil {
			host = "localhost"
		}
		value = host
	case "username":
		if current, err := user.Current(); err == nil {
			value = current.Username
		}
	case "os":
		value = runtime.GOOS
	case "random_id":
		value = uuid.NewString()
	default:
		return "", xerrors.New(xerrors.CodeUndefinedVariable, "未知的内置变量 @"+name)
	}
	sess.builtins[name] = value
	return value, nil
}

// resolveInclude 读取并递归渲染被包含的文件。
func (r *Resolver) resolveInclude(ctx context.Context, path string, namespace map[string]string, sess *session) (string, error) {
	if sess.depth >= r.maxDepth {
		return "", xerrors.New(xerrors.CodeInclusionDepthExceeded,
			fmt.Sprintf("包含嵌套超过 %d 层: %s", r.maxDepth, strings.Join(sess.stack, " -> ")))
	}
	resolved := path
	if !filepath.IsAbs(path) && r.baseDir != "" {
		resolved = filepath.Join(r.baseDir, path)
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInclusionFailed, err, "无法读取包含文件 "+path)
	}

	sess.depth++
	sess.stack = append(sess.stack, path)
	defer func() {
		sess.depth--
		sess.stack = sess.stack[:len(sess.stack)-1]
	}()
	return r.render(ctx, string(data), namespace, sess)
}

// resolveToolCall 解析 `name k=v ...` 并经注册表同步执行。
// 同一次渲染内相同的（工具名，参数）组合只执行一次。
func (r *Resolver) resolveToolCall(ctx context.Context, expr string, sess *session) (string, error) {
	if r.tools == nil {
		return "", xerrors.New(xerrors.CodeInitializationFailure, "解析器未配置工具执行方")
	}
	name, args, err := parseToolExpr(expr)
	if err != nil {
		return "", err
	}

	key := memoKey(name, args)
	if value, ok := sess.toolMemo[key]; ok {
		return value, nil
	}
	output, err := r.tools.InvokeInline(ctx, name, args)
	if err != nil {
		return "", err
	}
	sess.toolMemo[key] = output
	return output, nil
}

// parseToolExpr 解析工具调用表达式，参数值允许双引号包裹空格。
func parseToolExpr(expr string) (string, map[string]string, error) {
	fields, err := splitFields(expr)
	if err != nil {
		return "", nil, err
	}
	if len(fields) == 0 {
		return "", nil, xerrors.New(xerrors.CodeInvalidArgument, "工具调用表达式为空")
	}
	name := fields[0]
	args := make(map[string]string, len(fields)-1)
	for _, field := range fields[1:] {
		idx := strings.Index(field, "=")
		if idx <= 0 {
			return "", nil, xerrors.New(xerrors.CodeInvalidArgument, "非法的工具参数: "+field)
		}
		args[field[:idx]] = field[idx+1:]
	}
	return name, args, nil
}

// splitFields 按空白切分，双引号内的空白保留。
func splitFields(expr string) ([]string, error) {
	var fields []string
	var current strings.Builder
	inQuote := false
	for _, ch := range expr {
		switch {
		case ch == '"':
			inQuote = !inQuote
		case !inQuote && (ch == ' ' || ch == '\t'):
			if current.Len() > 0 {
				fields = append(fields, current.String())
				current.Reset()
			}
		default:
			current.WriteRune(ch)
		}
	}
	if inQuote {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "工具调用表达式存在未闭合的引号")
	}
	if current.Len() > 0 {
		fields = append(fields, current.String())
	}
	return fields, nil
}

// memoKey 以工具名加排序后的参数拼出去重键。
func memoKey(name string, args map[string]string) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteByte(0)
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(args[k])
	}
	return b.String()
}

// localAddress 返回本机对外通信使用的地址。
func localAddress() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "127.0.0.1"
}

package llm

import (
	"strings"
	"sync"

	xerrors "AgentLoom/internal/errors"
)

// Registry 按引用字符串索引生成后端。引用形如 provider/model
// (如 openai/gpt-4o-mini)，对注册表来说是不透明的键。
// 空引用解析为默认后端。
type Registry struct {
	mu       sync.RWMutex
	fallback Client
	clients  map[string]Client
}

// NewRegistry 创建注册表。fallback 是空引用解析到的默认后端。
func NewRegistry(fallback Client) *Registry {
	return &Registry{
		fallback: fallback,
		clients:  make(map[string]Client),
	}
}

// Register 以引用字符串注册一个后端。同一引用重复注册是配置错误。
func (r *Registry) Register(ref string, client Client) error {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "生成后端引用不能为空")
	}
	if client == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "生成后端 "+ref+" 的客户端为空")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[ref]; ok {
		return xerrors.New(xerrors.CodeConflict, "生成后端 "+ref+" 重复注册")
	}
	r.clients[ref] = client
	return nil
}

// Resolve 把引用解析为后端。空引用返回默认后端；
// 未注册的引用是错误，让错误的声明在装配阶段就暴露，
// 而不是悄悄落回默认后端。
func (r *Registry) Resolve(ref string) (Client, error) {
	ref = strings.TrimSpace(ref)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if ref == "" {
		if r.fallback == nil {
			return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置默认生成后端")
		}
		return r.fallback, nil
	}
	if client, ok := r.clients[ref]; ok {
		return client, nil
	}
	return nil, xerrors.New(xerrors.CodeNotFound, "生成后端 "+ref+" 未注册")
}

// Refs 返回全部已注册的引用，不含默认后端。
func (r *Registry) Refs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	refs := make([]string, 0, len(r.clients))
	for ref := range r.clients {
		refs = append(refs, ref)
	}
	return refs
}

package chain

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Registry 按名称管理多条链的客户端与定义。
type Registry struct {
	defaultChain string
	clients      map[string]Client
	defs         map[string]Definition
}

// RegistryConfig 描述注册表的构建参数。
type RegistryConfig struct {
	ConfigPath   string
	DefaultChain string
	RPCURL       string
}

// NewRegistry 加载链定义并为每条链建立客户端连接。
func NewRegistry(ctx context.Context, cfg RegistryConfig) (*Registry, error) {
	defs, err := LoadDefinitions(cfg.ConfigPath)
	if err != nil {
		return nil, err
	}

	clients := make(map[string]Client)
	definitions := make(map[string]Definition)
	for name, def := range defs.Chains {
		rpcURL := def.RPCURL
		if name == cfg.DefaultChain && strings.TrimSpace(cfg.RPCURL) != "" {
			rpcURL = cfg.RPCURL
		}
		client, err := Dial(ctx, name, rpcURL)
		if err != nil {
			return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
		}
		clients[name] = client
		definitions[name] = def
	}

	if len(clients) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}

	defaultChain := cfg.DefaultChain
	if defaultChain == "" {
		names := make([]string, 0, len(clients))
		for name := range clients {
			names = append(names, name)
		}
		sort.Strings(names)
		defaultChain = names[0]
	}
	if _, ok := clients[defaultChain]; !ok {
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", defaultChain)
	}

	return &Registry{defaultChain: defaultChain, clients: clients, defs: definitions}, nil
}

// NewStaticRegistry 由既有客户端和定义直接组装注册表，便于测试注入。
func NewStaticRegistry(defaultChain string, clients map[string]Client, defs map[string]Definition) *Registry {
	return &Registry{defaultChain: defaultChain, clients: clients, defs: defs}
}

// DefaultChain 返回默认链的名称。
func (r *Registry) DefaultChain() string {
	if r == nil {
		return ""
	}
	return r.defaultChain
}

// DefaultClient 返回默认链的客户端。
func (r *Registry) DefaultClient() (Client, error) {
	if r == nil {
		return nil, errors.New("未初始化的链客户端注册表")
	}
	client, ok := r.clients[r.defaultChain]
	if !ok {
		return nil, fmt.Errorf("默认链 %s 未在注册表中", r.defaultChain)
	}
	return client, nil
}

// Client 返回指定链的客户端。
func (r *Registry) Client(name string) (Client, bool) {
	if r == nil {
		return nil, false
	}
	client, ok := r.clients[name]
	return client, ok
}

// Definition 返回指定链的定义。
func (r *Registry) Definition(name string) (Definition, bool) {
	if r == nil {
		return Definition{}, false
	}
	def, ok := r.defs[name]
	return def, ok
}

// DefaultDefinition 返回默认链的定义。
func (r *Registry) DefaultDefinition() (Definition, error) {
	if r == nil {
		return Definition{}, errors.New("未初始化的链客户端注册表")
	}
	def, ok := r.defs[r.defaultChain]
	if !ok {
		return Definition{}, fmt.Errorf("默认链 %s 缺少定义", r.defaultChain)
	}
	return def, nil
}

// Chains 返回已注册的链名称列表。
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close 释放注册表持有的所有客户端连接。
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, client := range r.clients {
		if client != nil {
			client.Close()
		}
		delete(r.clients, name)
	}
}

package rpc

import (
	"context"
	stdErrors "errors"
	"fmt"
	"sort"
	"strings"
)

// Registry manages ledger clients keyed by node name.
type Registry struct {
	defaultNode string
	clients     map[string]*Client
}

// NewRegistry loads node definitions and dials every declared node.
func NewRegistry(ctx context.Context, nodeConfig, defaultNode, fallbackURL string) (*Registry, error) {
	defs, err := LoadNodeDefinitions(nodeConfig)
	if err != nil {
		return nil, err
	}

	clients := make(map[string]*Client)
	for name, node := range defs.Nodes {
		nodeType := strings.ToLower(strings.TrimSpace(node.Type))
		if nodeType == "" {
			nodeType = "jsonrpc"
		}
		if nodeType != "jsonrpc" {
			closeAll(clients)
			return nil, fmt.Errorf("节点 %s 使用了不支持的类型 %s", name, node.Type)
		}
		client, err := NewClient(ctx, Config{Name: name, RPCURL: node.RPCURL, Namespace: node.Namespace, Notes: node.Description})
		if err != nil {
			closeAll(clients)
			return nil, fmt.Errorf("初始化节点 %s 失败: %w", name, err)
		}
		clients[name] = client
	}

	if len(clients) == 0 && strings.TrimSpace(fallbackURL) != "" {
		client, err := NewClient(ctx, Config{Name: "default", RPCURL: fallbackURL})
		if err != nil {
			return nil, err
		}
		clients["default"] = client
		if defaultNode == "" {
			defaultNode = "default"
		}
	}
	if len(clients) == 0 {
		return nil, stdErrors.New("未配置任何账本节点")
	}

	if defaultNode == "" {
		defaultNode = sortedNames(clients)[0]
	}
	if _, ok := clients[defaultNode]; !ok {
		closeAll(clients)
		return nil, fmt.Errorf("默认节点 %s 未在配置中找到", defaultNode)
	}
	return &Registry{defaultNode: defaultNode, clients: clients}, nil
}

// Default returns the default node client.
func (r *Registry) Default() *Client {
	if r == nil {
		return nil
	}
	return r.clients[r.defaultNode]
}

// Client returns the node client identified by name.
func (r *Registry) Client(name string) (*Client, bool) {
	if r == nil {
		return nil, false
	}
	client, ok := r.clients[name]
	return client, ok
}

// Nodes returns the registered node names.
func (r *Registry) Nodes() []string {
	if r == nil {
		return nil
	}
	return sortedNames(r.clients)
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	closeAll(r.clients)
}

func closeAll(clients map[string]*Client) {
	for name, client := range clients {
		client.Close()
		delete(clients, name)
	}
}

func sortedNames(clients map[string]*Client) []string {
	names := make([]string, 0, len(clients))
	for name := range clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

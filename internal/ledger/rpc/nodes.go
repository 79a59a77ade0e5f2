package rpc

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// NodeDefinitions models the structure of configs/ledger.yaml.
type NodeDefinitions struct {
	Nodes map[string]NodeDefinition `yaml:"nodes"`
}

// NodeDefinition describes a single ledger node endpoint.
type NodeDefinition struct {
	Type        string `yaml:"type"`
	RPCURL      string `yaml:"rpc_url"`
	Namespace   string `yaml:"namespace"`
	Description string `yaml:"description"`
}

// LoadNodeDefinitions parses the YAML file listing ledger nodes.
func LoadNodeDefinitions(path string) (NodeDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return NodeDefinitions{Nodes: map[string]NodeDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return NodeDefinitions{}, fmt.Errorf("读取节点配置失败: %w", err)
	}

	var defs NodeDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return NodeDefinitions{}, fmt.Errorf("解析节点配置失败: %w", err)
	}
	if defs.Nodes == nil {
		defs.Nodes = map[string]NodeDefinition{}
	}
	return defs, nil
}

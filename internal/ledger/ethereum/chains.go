package ethereum

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ChainDefinitions 对应链配置文件 chains.yaml 的结构。
type ChainDefinitions struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition 描述单条链的接入信息。
type ChainDefinition struct {
	Type        string `yaml:"type"`
	RPCURL      string `yaml:"rpc_url"`
	Decimals    int32  `yaml:"decimals"`
	Description string `yaml:"description"`
}

// LoadChainDefinitions 解析链配置文件，路径为空时返回空集合。
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return ChainDefinitions{Chains: map[string]ChainDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}

	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	return defs, nil
}

// Select 返回名为 name 的 EVM 链；name 为空时按名称排序选择第一条。
func (d ChainDefinitions) Select(name string) (string, ChainDefinition, error) {
	evm := make([]string, 0, len(d.Chains))
	for n, chain := range d.Chains {
		chainType := strings.ToLower(strings.TrimSpace(chain.Type))
		if chainType != "" && chainType != "evm" {
			continue
		}
		evm = append(evm, n)
	}
	if len(evm) == 0 {
		return "", ChainDefinition{}, fmt.Errorf("链配置中没有可用的 EVM 链")
	}
	sort.Strings(evm)

	if name == "" {
		name = evm[0]
	}
	chain, ok := d.Chains[name]
	if !ok {
		return "", ChainDefinition{}, fmt.Errorf("默认链 %s 未在配置中找到", name)
	}
	if t := strings.ToLower(strings.TrimSpace(chain.Type)); t != "" && t != "evm" {
		return "", ChainDefinition{}, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, chain.Type)
	}
	return name, chain, nil
}

package sentiment

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Provider 根据市场问题检索情绪提示。
type Provider interface {
	Query(question string) []Hint
}

// Hint 是一条情绪提示，Score 位于 [-1,1]，正值表示倾向第一个结果。
type Hint struct {
	Topic    string   `yaml:"topic" json:"topic"`
	Summary  string   `yaml:"summary" json:"summary"`
	Score    float64  `yaml:"score" json:"score"`
	Keywords []string `yaml:"keywords" json:"keywords"`
}

// StaticProvider 从静态文件提供情绪提示，按关键词做简单匹配。
type StaticProvider struct {
	items      []Hint
	maxResults int
}

// NewStaticProvider 创建静态情绪源。
func NewStaticProvider(items []Hint, maxResults int) *StaticProvider {
	if maxResults <= 0 {
		maxResults = 3
	}
	for i := range items {
		items[i].Score = clamp(items[i].Score)
	}
	return &StaticProvider{items: items, maxResults: maxResults}
}

// LoadStaticProvider 从 YAML 或 JSON 文件加载情绪条目。
func LoadStaticProvider(path string, maxResults int) (*StaticProvider, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("情绪数据文件路径不能为空")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析情绪数据路径失败: %w", err)
	}
	content, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取情绪数据文件失败: %w", err)
	}

	var entries []Hint
	if err := yaml.Unmarshal(content, &entries); err != nil {
		return nil, fmt.Errorf("解析情绪数据文件失败: %w", err)
	}
	return NewStaticProvider(entries, maxResults), nil
}

// Query 返回与问题关键词匹配的提示；没有关键词的条目视为通用提示。
func (p *StaticProvider) Query(question string) []Hint {
	if p == nil {
		return nil
	}
	question = strings.ToLower(strings.TrimSpace(question))

	results := make([]Hint, 0, p.maxResults)
	for _, item := range p.items {
		if matches(item, question) {
			results = append(results, item)
			if len(results) >= p.maxResults {
				break
			}
		}
	}
	return results
}

func matches(hint Hint, question string) bool {
	if len(hint.Keywords) == 0 {
		return true
	}
	for _, keyword := range hint.Keywords {
		normalized := strings.ToLower(strings.TrimSpace(keyword))
		if normalized != "" && strings.Contains(question, normalized) {
			return true
		}
	}
	return false
}

// Average 返回提示得分的平均值，没有提示时为 0。
func Average(hints []Hint) float64 {
	if len(hints) == 0 {
		return 0
	}
	total := 0.0
	for _, h := range hints {
		total += h.Score
	}
	return total / float64(len(hints))
}

func clamp(score float64) float64 {
	if score < -1 {
		return -1
	}
	if score > 1 {
		return 1
	}
	return score
}

var _ Provider = (*StaticProvider)(nil)

package delegation

import (
	"regexp"
	"strings"
)

// techKeywords 技术关键词，每命中一个复杂度加 5 分，封顶 25
var techKeywords = []string{
	"api", "database", "migration", "concurrency", "distributed",
	"algorithm", "optimization", "security", "refactor", "integration",
	"protocol", "cache", "transaction", "encryption", "schema",
}

// scopeTerms 范围词，每命中一个复杂度加 5 分，封顶 15
var scopeTerms = []string{
	"entire", "all", "every", "across", "complete", "end-to-end", "system-wide",
}

// listItemRe 匹配描述中的编号项与列表项
var listItemRe = regexp.MustCompile(`(?m)^\s*(\d+[.)]|[-*•])\s+`)

// computeFactors 从任务与代理视图抽取六项因子
func computeFactors(task Task, agent Agent, opts DecideOptions, cfg Config) Factors {
	return Factors{
		Complexity:         complexityScore(task),
		ContextUtilization: contextUtilization(agent, opts),
		SubtaskCount:       subtaskCount(task),
		AgentConfidence:    agentConfidence(task, agent),
		AgentLoad:          agentLoad(agent, cfg),
		DepthRemaining:     depthRemaining(agent, cfg),
	}
}

// complexityScore 复杂度打分
// 描述长度、技术关键词、范围词、依赖数、验收条目数与工时各占一档，
// 合计截断在 100。
func complexityScore(task Task) int {
	score := 0

	switch n := len(task.Description); {
	case n <= 50:
		score += 5
	case n <= 200:
		score += 10
	default:
		score += 20
	}

	text := strings.ToLower(task.Title + " " + task.Description)
	score += keywordPoints(text, techKeywords, 5, 25)
	score += keywordPoints(text, scopeTerms, 5, 15)

	score += capped(len(task.DependsOn)*3, 15)
	score += capped(len(task.AcceptanceCriteria)*2, 15)

	switch {
	case task.EstimatedHours >= 8:
		score += 15
	case task.EstimatedHours >= 4:
		score += 10
	case task.EstimatedHours >= 2:
		score += 5
	}

	return capped(score, 100)
}

// keywordPoints 统计命中的关键词数并按单价计分，重复词只算一次
func keywordPoints(text string, words []string, per, limit int) int {
	hits := 0
	for _, w := range words {
		if strings.Contains(text, w) {
			hits++
		}
	}
	return capped(hits*per, limit)
}

// contextUtilization 上下文占用百分比
// 调用方给出的优先，其次按 token 用量推算，都没有时取 50。
func contextUtilization(agent Agent, opts DecideOptions) int {
	if opts.ContextUtilization > 0 {
		return clamp(opts.ContextUtilization, 0, 100)
	}
	if agent.MaxTokens > 0 {
		return clamp(int(agent.TokensUsed*100/agent.MaxTokens), 0, 100)
	}
	return 50
}

// subtaskCount 取验收条目数与描述列表项数中的较大者
func subtaskCount(task Task) int {
	fromList := len(listItemRe.FindAllString(task.Description, -1))
	if n := len(task.AcceptanceCriteria); n > fromList {
		return n
	}
	return fromList
}

// agentConfidence 代理置信度
// 自报优先；否则按能力覆盖率推算；再否则按阶段匹配给 85 或 60；
// 全都缺省时取 75。
func agentConfidence(task Task, agent Agent) int {
	if agent.Confidence > 0 {
		return clamp(agent.Confidence, 0, 100)
	}

	if len(task.RequiredCapabilities) > 0 && len(agent.Capabilities) > 0 {
		have := make(map[string]struct{}, len(agent.Capabilities))
		for _, c := range agent.Capabilities {
			have[strings.ToLower(c)] = struct{}{}
		}
		matched := 0
		for _, c := range task.RequiredCapabilities {
			if _, ok := have[strings.ToLower(c)]; ok {
				matched++
			}
		}
		return matched * 100 / len(task.RequiredCapabilities)
	}

	if agent.PrimaryPhase != "" && task.Phase != "" {
		if strings.EqualFold(agent.PrimaryPhase, task.Phase) {
			return 85
		}
		return 60
	}

	return 75
}

// agentLoad 代理负载百分比，队列口径优先于子代理口径
func agentLoad(agent Agent, cfg Config) int {
	if agent.MaxQueueDepth > 0 {
		return clamp(agent.QueueDepth*100/agent.MaxQueueDepth, 0, 100)
	}
	if agent.ChildCount > 0 && cfg.MaxChildren > 0 {
		return clamp(agent.ChildCount*100/cfg.MaxChildren, 0, 100)
	}
	return 0
}

// depthRemaining 剩余可委托层数
func depthRemaining(agent Agent, cfg Config) int {
	remaining := cfg.MaxDepth - agent.CurrentDepth
	if remaining < 0 {
		return 0
	}
	return remaining
}

func capped(v, limit int) int {
	if v > limit {
		return limit
	}
	return v
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

package delegation

import "strings"

// patternKeywords 各模式的触发词，命中一个加 2 分
var patternKeywords = map[Pattern][]string{
	PatternParallel:   {"parallel", "concurrent", "independent", "simultaneously", "fan out"},
	PatternSequential: {"sequential", "pipeline", "step by step", "in order", "one after another"},
	PatternDebate:     {"debate", "discuss", "tradeoff", "compare", "pros and cons", "alternatives"},
	PatternReview:     {"review", "audit", "verify", "validate", "inspect", "double-check"},
	PatternEnsemble:   {"ensemble", "vote", "consensus", "multiple approaches", "cross-check"},
}

// phaseHints 阶段对模式的加分
var phaseHints = map[string][]Pattern{
	"implementation": {PatternParallel, PatternSequential},
	"research":       {PatternDebate},
	"planning":       {PatternDebate},
	"design":         {PatternReview},
	"validation":     {PatternReview},
}

// selectPattern 为任务挑选执行模式
// 关键词命中打底，再按子任务独立性、依赖数、低置信度与阶段调整，
// 最高分胜出，平分按声明序。
func selectPattern(task Task, factors Factors) Pattern {
	text := strings.ToLower(task.Title + " " + task.Description)

	scores := make(map[Pattern]int, len(patternOrder))
	for _, p := range patternOrder {
		for _, w := range patternKeywords[p] {
			if strings.Contains(text, w) {
				scores[p] += 2
			}
		}
	}

	// 多个互不依赖的子任务适合并行
	if factors.SubtaskCount >= 4 && len(task.DependsOn) == 0 {
		scores[PatternParallel] += 3
	}
	// 依赖越多越偏串行
	scores[PatternSequential] += len(task.DependsOn)
	// 低置信度引入辩论与合议
	if factors.AgentConfidence < 60 {
		scores[PatternDebate] += 2
		scores[PatternEnsemble]++
	}
	for _, p := range phaseHints[strings.ToLower(task.Phase)] {
		scores[p] += 2
	}

	best := patternOrder[0]
	for _, p := range patternOrder[1:] {
		if scores[p] > scores[best] {
			best = p
		}
	}
	return best
}

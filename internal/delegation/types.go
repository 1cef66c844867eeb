// Package delegation 实现委托决策器
// 对任务与候选代理抽取六项因子，按归一化权重打分，
// 过硬性门槛后给出是否委托、建议执行模式与决策置信度，
// 结果按 (taskID, agentID) 缓存。
package delegation

import (
	"errors"
	"time"
)

// Pattern 委托执行模式
type Pattern string

const (
	PatternParallel   Pattern = "parallel"
	PatternSequential Pattern = "sequential"
	PatternDebate     Pattern = "debate"
	PatternReview     Pattern = "review"
	PatternEnsemble   Pattern = "ensemble"
)

// patternOrder 模式声明序，平分时靠前者胜
var patternOrder = []Pattern{
	PatternParallel, PatternSequential, PatternDebate, PatternReview, PatternEnsemble,
}

// ErrDependencyCycle 任务依赖成环，无法给出串行顺序
var ErrDependencyCycle = errors.New("dependency cycle detected")

// Task 待委托任务的视图
type Task struct {
	ID                   string   `json:"id"`
	Title                string   `json:"title"`
	Description          string   `json:"description"`
	Phase                string   `json:"phase,omitempty"`
	DependsOn            []string `json:"depends_on,omitempty"`
	AcceptanceCriteria   []string `json:"acceptance_criteria,omitempty"`
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`
	EstimatedHours       float64  `json:"estimated_hours,omitempty"`

	// HasChildren 任务已被拆分过时禁止再次委托
	HasChildren bool `json:"has_children,omitempty"`
}

// Agent 候选代理的视图
type Agent struct {
	ID           string   `json:"id"`
	Capabilities []string `json:"capabilities,omitempty"`

	// Confidence 代理自报置信度，0 表示未报告
	Confidence int `json:"confidence,omitempty"`

	// 负载口径二选一：队列深度或子代理数
	QueueDepth    int `json:"queue_depth,omitempty"`
	MaxQueueDepth int `json:"max_queue_depth,omitempty"`
	ChildCount    int `json:"child_count,omitempty"`

	// CurrentDepth 代理所在的委托层级，0 为根
	CurrentDepth int `json:"current_depth"`

	// 上下文占用推算口径
	TokensUsed int64 `json:"tokens_used,omitempty"`
	MaxTokens  int64 `json:"max_tokens,omitempty"`

	// PrimaryPhase 代理的主攻阶段，用于无置信度时的推断
	PrimaryPhase string `json:"primary_phase,omitempty"`
}

// DecideOptions 决策的可选输入
type DecideOptions struct {
	// ContextUtilization 调用方直接给出的上下文占用百分比，0 表示未知
	ContextUtilization int

	// SkipCache 跳过缓存，强制重新评估
	SkipCache bool
}

// Factors 六项因子的原始取值
// Complexity、ContextUtilization、AgentConfidence、AgentLoad 为 0 到 100，
// SubtaskCount 与 DepthRemaining 为计数。
type Factors struct {
	Complexity         int `json:"complexity"`
	ContextUtilization int `json:"context_utilization"`
	SubtaskCount       int `json:"subtask_count"`
	AgentConfidence    int `json:"agent_confidence"`
	AgentLoad          int `json:"agent_load"`
	DepthRemaining     int `json:"depth_remaining"`
}

// Decision 一次委托决策
type Decision struct {
	TaskID           string    `json:"task_id"`
	AgentID          string    `json:"agent_id"`
	ShouldDelegate   bool      `json:"should_delegate"`
	Score            int       `json:"score"`
	Confidence       int       `json:"confidence"`
	SuggestedPattern Pattern   `json:"suggested_pattern"`
	Factors          Factors   `json:"factors"`
	Reasons          []string  `json:"reasons,omitempty"`
	Cached           bool      `json:"cached"`
	DecidedAt        time.Time `json:"decided_at"`
}

// Weights 评分权重
// 置信度项取反向：置信度越低，委托得分越高。
type Weights struct {
	Complexity         float64 `json:"complexity"`
	ContextUtilization float64 `json:"context_utilization"`
	SubtaskCount       float64 `json:"subtask_count"`
	AgentConfidence    float64 `json:"agent_confidence"`
	AgentLoad          float64 `json:"agent_load"`
	DepthRemaining     float64 `json:"depth_remaining"`
}

// DefaultWeights 默认权重
var DefaultWeights = Weights{
	Complexity:         0.30,
	ContextUtilization: 0.20,
	SubtaskCount:       0.15,
	AgentConfidence:    0.15,
	AgentLoad:          0.10,
	DepthRemaining:     0.10,
}

func (w Weights) sum() float64 {
	return w.Complexity + w.ContextUtilization + w.SubtaskCount +
		w.AgentConfidence + w.AgentLoad + w.DepthRemaining
}

// Config 决策器配置
type Config struct {
	// MaxDepth 最大委托深度，默认 3
	MaxDepth int

	// MaxChildren 单个代理的子代理上限，默认 7
	MaxChildren int

	// MinScore 委托所需的最低得分，默认 60
	MinScore int

	// CacheMaxAge 决策缓存有效期，默认 60 秒
	CacheMaxAge time.Duration

	// Weights 评分权重，零值用 DefaultWeights
	Weights Weights
}

// DefaultConfig 默认决策器配置
func DefaultConfig() Config {
	return Config{
		MaxDepth:    3,
		MaxChildren: 7,
		MinScore:    60,
		CacheMaxAge: 60 * time.Second,
		Weights:     DefaultWeights,
	}
}

// normalize 补全零值字段
func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.MaxDepth <= 0 {
		c.MaxDepth = def.MaxDepth
	}
	if c.MaxChildren <= 0 {
		c.MaxChildren = def.MaxChildren
	}
	if c.MinScore <= 0 {
		c.MinScore = def.MinScore
	}
	if c.CacheMaxAge <= 0 {
		c.CacheMaxAge = def.CacheMaxAge
	}
	if c.Weights.sum() <= 0 {
		c.Weights = def.Weights
	}
	return c
}

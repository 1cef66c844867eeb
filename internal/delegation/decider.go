package delegation

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// 线性化阈值：因子达到阈值即记满分
const (
	complexityTarget  = 70
	utilizationTarget = 80
	subtaskTarget     = 5
	confidenceBand    = 50
	loadTarget        = 80
)

// cacheEvictThreshold 缓存超过该条数时顺带清理过期项
const cacheEvictThreshold = 100

type cacheEntry struct {
	decision  Decision
	expiresAt time.Time
}

// Decider 委托决策器，决策按 (taskID, agentID) 缓存
type Decider struct {
	mu    sync.Mutex
	cfg   Config
	cache map[string]cacheEntry
	now   func() time.Time
}

// New 创建决策器，配置零值字段回落到默认值
func New(cfg Config) *Decider {
	return &Decider{
		cfg:   cfg.normalize(),
		cache: make(map[string]cacheEntry),
		now:   time.Now,
	}
}

// Decide 评估是否把任务委托给候选代理
// 缓存命中直接返回上次的决策并置 Cached，SkipCache 强制重评。
func (d *Decider) Decide(task Task, agent Agent, opts DecideOptions) Decision {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := task.ID + "|" + agent.ID
	if !opts.SkipCache {
		if ent, ok := d.cache[key]; ok && d.now().Before(ent.expiresAt) {
			dec := ent.decision
			dec.Cached = true
			return dec
		}
	}

	dec := d.evaluate(task, agent, opts)
	d.cache[key] = cacheEntry{decision: dec, expiresAt: d.now().Add(d.cfg.CacheMaxAge)}
	if len(d.cache) > cacheEvictThreshold {
		d.evictExpired()
	}
	return dec
}

// UpdateConfig 替换配置并清空决策缓存
func (d *Decider) UpdateConfig(cfg Config) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg = cfg.normalize()
	d.cache = make(map[string]cacheEntry)
	log.Debug().
		Int("max_depth", d.cfg.MaxDepth).
		Int("min_score", d.cfg.MinScore).
		Msg("delegation config updated, decision cache flushed")
}

// Config 返回当前生效的配置
func (d *Decider) Config() Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

func (d *Decider) evaluate(task Task, agent Agent, opts DecideOptions) Decision {
	f := computeFactors(task, agent, opts, d.cfg)
	score := d.score(f)

	// 硬性门槛，任一不满足则禁止委托
	reasons := make([]string, 0, 4)
	if f.DepthRemaining <= 0 {
		reasons = append(reasons, "max delegation depth reached")
	}
	if task.HasChildren {
		reasons = append(reasons, "task already has children")
	}
	if f.SubtaskCount < 2 {
		reasons = append(reasons, "fewer than 2 identifiable subtasks")
	}
	if agent.ChildCount >= d.cfg.MaxChildren {
		reasons = append(reasons, fmt.Sprintf("agent at child limit %d", d.cfg.MaxChildren))
	}

	should := len(reasons) == 0 && score >= d.cfg.MinScore
	switch {
	case should:
		reasons = append(reasons, fmt.Sprintf("score %d meets minimum %d", score, d.cfg.MinScore))
	case len(reasons) == 0:
		reasons = append(reasons, fmt.Sprintf("score %d below minimum %d", score, d.cfg.MinScore))
	}

	dec := Decision{
		TaskID:           task.ID,
		AgentID:          agent.ID,
		ShouldDelegate:   should,
		Score:            score,
		Confidence:       decisionConfidence(f, score),
		SuggestedPattern: selectPattern(task, f),
		Factors:          f,
		Reasons:          reasons,
		DecidedAt:        d.now(),
	}

	log.Debug().
		Str("task", task.ID).
		Str("agent", agent.ID).
		Int("score", score).
		Bool("delegate", should).
		Str("pattern", string(dec.SuggestedPattern)).
		Msg("delegation decision")

	return dec
}

// score 六项因子线性化后按权重合成，四舍五入取整
// 置信度项取反向：置信度越低越该委托出去。
func (d *Decider) score(f Factors) int {
	w := d.cfg.Weights
	total := w.Complexity*linearize(f.Complexity, complexityTarget) +
		w.ContextUtilization*linearize(f.ContextUtilization, utilizationTarget) +
		w.SubtaskCount*linearize(f.SubtaskCount, subtaskTarget) +
		w.AgentConfidence*linearize(100-f.AgentConfidence, confidenceBand) +
		w.AgentLoad*linearize(f.AgentLoad, loadTarget) +
		w.DepthRemaining*linearize(f.DepthRemaining, d.cfg.MaxDepth)
	return int(math.Round(total / w.sum()))
}

// decisionConfidence 决策置信度
// 因子越极端越有把握：基准 50，每个极端因子加分，封顶 100。
func decisionConfidence(f Factors, score int) int {
	conf := 50
	if extreme(f.Complexity) {
		conf += 15
	}
	if f.SubtaskCount >= 8 || f.SubtaskCount <= 2 {
		conf += 10
	}
	if extreme(f.AgentConfidence) {
		conf += 10
	}
	if extreme(f.ContextUtilization) {
		conf += 10
	}
	if extreme(score) {
		conf += 15
	}
	return capped(conf, 100)
}

func extreme(v int) bool {
	return v > 80 || v < 20
}

// linearize 把因子值按阈值线性放大到 0 到 100，超出截断
func linearize(v, target int) float64 {
	if target <= 0 {
		return 0
	}
	lin := float64(v) * 100 / float64(target)
	if lin > 100 {
		return 100
	}
	if lin < 0 {
		return 0
	}
	return lin
}

// evictExpired 清掉已过期的缓存项，仅在插入撑大缓存时顺带执行
func (d *Decider) evictExpired() {
	now := d.now()
	for k, ent := range d.cache {
		if !now.Before(ent.expiresAt) {
			delete(d.cache, k)
		}
	}
}

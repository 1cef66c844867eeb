// Package ratelimit 实现外部调用的限流治理
// 三个滚动窗口（分钟、小时、天）跟踪请求数与 token 数，
// 准入判定取五项约束中最高的占用率并映射到分级动作。
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Level 准入级别
type Level string

const (
	LevelOK        Level = "OK"
	LevelWarning   Level = "WARNING"
	LevelCritical  Level = "CRITICAL"
	LevelEmergency Level = "EMERGENCY"
)

// Action 建议动作，随级别返回
type Action string

const (
	ActionProceed Action = "PROCEED"
	ActionCaution Action = "PROCEED_WITH_CAUTION"
	ActionWrapUp  Action = "WRAP_UP_NOW"
	ActionHalt    Action = "HALT_IMMEDIATELY"
)

// Thresholds 级别阈值，边界取闭区间
type Thresholds struct {
	Warning   float64
	Critical  float64
	Emergency float64
}

// DefaultThresholds 默认阈值
var DefaultThresholds = Thresholds{Warning: 0.80, Critical: 0.90, Emergency: 0.95}

// Decision 一次准入判定的结果
type Decision struct {
	Safe           bool    `json:"safe"`
	Level          Level   `json:"level"`
	Action         Action  `json:"action"`
	Utilization    float64 `json:"utilization"`
	LimitingFactor string  `json:"limiting_factor"`
	TimeToResetMS  int64   `json:"time_to_reset_ms"`
}

// RateLimitError 占用率达到临界或紧急档位时的准入错误
type RateLimitError struct {
	Level    Level
	Decision Decision
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit %s: %s at %.1f%% utilization, reset in %dms",
		e.Level, e.Decision.LimitingFactor, e.Decision.Utilization*100, e.Decision.TimeToResetMS)
}

// window 单个滚动窗口
// 到期后计数清零，resetAt 前移一个窗口长度。
type window struct {
	duration time.Duration
	calls    int64
	tokens   int64
	resetAt  time.Time
}

func (w *window) advance(now time.Time) {
	if now.Before(w.resetAt) {
		return
	}
	w.calls = 0
	w.tokens = 0
	w.resetAt = now.Add(w.duration)
}

func (w *window) remaining(now time.Time) time.Duration {
	d := w.resetAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Governor 限流治理器
// 所有方法持同一把互斥锁，窗口推进与判定在锁内完成。
type Governor struct {
	mu         sync.Mutex
	plan       string
	limits     Limits
	thresholds Thresholds
	budgetUSD  float64
	spentUSD   float64
	minute     window
	hour       window
	day        window
	lastLevel  Level
	now        func() time.Time
}

// Options 治理器构造参数
type Options struct {
	// Plan 计划名，空值用 pro
	Plan string
	// Thresholds 级别阈值，零值字段取默认
	Thresholds Thresholds
	// BudgetDailyUSD 日预算，0 表示不限制
	BudgetDailyUSD float64
	// Now 时钟注入，测试用
	Now func() time.Time
}

// New 创建治理器，未知计划名返回 ErrInvalidTier
func New(opts Options) (*Governor, error) {
	plan := opts.Plan
	if plan == "" {
		plan = PlanPro
	}
	limits, err := PlanLimits(plan)
	if err != nil {
		return nil, err
	}

	th := opts.Thresholds
	if th.Warning <= 0 {
		th.Warning = DefaultThresholds.Warning
	}
	if th.Critical <= 0 {
		th.Critical = DefaultThresholds.Critical
	}
	if th.Emergency <= 0 {
		th.Emergency = DefaultThresholds.Emergency
	}

	nowFn := opts.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	now := nowFn()

	return &Governor{
		plan:       plan,
		limits:     limits,
		thresholds: th,
		budgetUSD:  opts.BudgetDailyUSD,
		minute:     window{duration: time.Minute, resetAt: now.Add(time.Minute)},
		hour:       window{duration: time.Hour, resetAt: now.Add(time.Hour)},
		day:        window{duration: 24 * time.Hour, resetAt: now.Add(24 * time.Hour)},
		lastLevel:  LevelOK,
		now:        nowFn,
	}, nil
}

// advance 推进所有过期窗口，日窗口翻转时清零当日支出
func (g *Governor) advance(now time.Time) {
	g.minute.advance(now)
	g.hour.advance(now)
	if !now.Before(g.day.resetAt) {
		g.spentUSD = 0
	}
	g.day.advance(now)
}

// CanMakeCall 判定下一次调用是否可以放行
// 先推进过期窗口，再把下一次调用投影进五项约束，取最高占用率。
func (g *Governor) CanMakeCall(estimatedTokens int64) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.advance(now)
	d := g.evaluate(now, 1, estimatedTokens)

	// 级别升档时告警一次，避免逐次刷日志
	if levelRank(d.Level) > levelRank(g.lastLevel) {
		log.Warn().
			Str("level", string(d.Level)).
			Float64("utilization", d.Utilization).
			Str("limiting", d.LimitingFactor).
			Msg("rate limit level escalated")
	}
	g.lastLevel = d.Level

	return d
}

// Admit 是 CanMakeCall 的错误化包装
// 临界及以上返回 *RateLimitError，判定结果仍随错误一起给出。
func (g *Governor) Admit(estimatedTokens int64) (Decision, error) {
	d := g.CanMakeCall(estimatedTokens)
	if !d.Safe {
		return d, &RateLimitError{Level: d.Level, Decision: d}
	}
	return d, nil
}

// RecordCall 记录一次已发生的调用，所有窗口同时递增
func (g *Governor) RecordCall(tokens int64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.advance(now)

	if tokens < 0 {
		tokens = 0
	}
	g.minute.calls++
	g.minute.tokens += tokens
	g.hour.calls++
	g.hour.tokens += tokens
	g.day.calls++
	g.day.tokens += tokens
}

// TimeUntilAvailable 返回恢复可用还需等待的时间
// OK 或 WARNING 时为 0，否则为限制窗口的剩余时间。
func (g *Governor) TimeUntilAvailable() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.advance(now)
	d := g.evaluate(now, 1, 0)

	if d.Level == LevelOK || d.Level == LevelWarning {
		return 0
	}
	return time.Duration(d.TimeToResetMS) * time.Millisecond
}

// constraint 单项约束的投影
type constraint struct {
	name  string
	used  int64
	limit int64
	win   *window
}

// evaluate 在锁内对五项约束求最高占用率并映射级别
func (g *Governor) evaluate(now time.Time, projCalls, projTokens int64) Decision {
	if projTokens < 0 {
		projTokens = 0
	}

	constraints := []constraint{
		{"requests_per_minute", g.minute.calls + projCalls, g.limits.RequestsPerMinute, &g.minute},
		{"requests_per_hour", g.hour.calls + projCalls, g.limits.RequestsPerHour, &g.hour},
		{"requests_per_day", g.day.calls + projCalls, g.limits.RequestsPerDay, &g.day},
		{"tokens_per_minute", g.minute.tokens + projTokens, g.limits.TokensPerMinute, &g.minute},
		{"tokens_per_day", g.day.tokens + projTokens, g.limits.TokensPerDay, &g.day},
	}

	var maxUtil float64
	limiting := constraints[0]
	for _, c := range constraints {
		if c.limit <= 0 {
			continue
		}
		util := float64(c.used) / float64(c.limit)
		if util > maxUtil {
			maxUtil = util
			limiting = c
		}
	}

	level := LevelOK
	action := ActionProceed
	switch {
	case maxUtil >= g.thresholds.Emergency:
		level = LevelEmergency
		action = ActionHalt
	case maxUtil >= g.thresholds.Critical:
		level = LevelCritical
		action = ActionWrapUp
	case maxUtil >= g.thresholds.Warning:
		level = LevelWarning
		action = ActionCaution
	}

	return Decision{
		Safe:           level == LevelOK || level == LevelWarning,
		Level:          level,
		Action:         action,
		Utilization:    maxUtil,
		LimitingFactor: limiting.name,
		TimeToResetMS:  limiting.win.remaining(now).Milliseconds(),
	}
}

func levelRank(l Level) int {
	switch l {
	case LevelWarning:
		return 1
	case LevelCritical:
		return 2
	case LevelEmergency:
		return 3
	default:
		return 0
	}
}

// WindowUsage 单个窗口的占用明细
type WindowUsage struct {
	Calls        int64   `json:"calls"`
	CallLimit    int64   `json:"call_limit"`
	Tokens       int64   `json:"tokens"`
	TokenLimit   int64   `json:"token_limit,omitempty"`
	CallPercent  float64 `json:"call_percent"`
	TokenPercent float64 `json:"token_percent,omitempty"`
	ResetInMS    int64   `json:"reset_in_ms"`
}

// Usage 治理器当前占用快照
type Usage struct {
	Plan      string      `json:"plan"`
	Level     Level       `json:"level"`
	Minute    WindowUsage `json:"minute"`
	Hour      WindowUsage `json:"hour"`
	Day       WindowUsage `json:"day"`
	SpentUSD  float64     `json:"spent_usd"`
	BudgetUSD float64     `json:"budget_usd,omitempty"`
}

// GetUsage 返回三个窗口的占用情况，供 usage 命令与网关展示
func (g *Governor) GetUsage() Usage {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.advance(now)

	// 展示不投影下一次调用，反映当前真实占用
	d := g.evaluate(now, 0, 0)

	return Usage{
		Plan:      g.plan,
		Level:     d.Level,
		Minute:    windowUsage(&g.minute, g.limits.RequestsPerMinute, g.limits.TokensPerMinute, now),
		Hour:      windowUsage(&g.hour, g.limits.RequestsPerHour, 0, now),
		Day:       windowUsage(&g.day, g.limits.RequestsPerDay, g.limits.TokensPerDay, now),
		SpentUSD:  g.spentUSD,
		BudgetUSD: g.budgetUSD,
	}
}

func windowUsage(w *window, callLimit, tokenLimit int64, now time.Time) WindowUsage {
	u := WindowUsage{
		Calls:      w.calls,
		CallLimit:  callLimit,
		Tokens:     w.tokens,
		TokenLimit: tokenLimit,
		ResetInMS:  w.remaining(now).Milliseconds(),
	}
	if callLimit > 0 {
		u.CallPercent = float64(w.calls*100) / float64(callLimit)
	}
	if tokenLimit > 0 {
		u.TokenPercent = float64(w.tokens*100) / float64(tokenLimit)
	}
	return u
}

// SetPlan 切换计划，窗口计数保留
func (g *Governor) SetPlan(name string) error {
	limits, err := PlanLimits(name)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.plan = name
	g.limits = limits
	return nil
}

// Plan 返回当前计划名
func (g *Governor) Plan() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.plan
}

// SetThresholds 更新级别阈值，零值字段保持默认
func (g *Governor) SetThresholds(th Thresholds) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if th.Warning > 0 {
		g.thresholds.Warning = th.Warning
	}
	if th.Critical > 0 {
		g.thresholds.Critical = th.Critical
	}
	if th.Emergency > 0 {
		g.thresholds.Emergency = th.Emergency
	}
}

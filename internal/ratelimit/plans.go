package ratelimit

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Limits 一个计划在五项约束上的上限
type Limits struct {
	RequestsPerMinute int64 `json:"requests_per_minute"`
	RequestsPerHour   int64 `json:"requests_per_hour"`
	RequestsPerDay    int64 `json:"requests_per_day"`
	TokensPerMinute   int64 `json:"tokens_per_minute"`
	TokensPerDay      int64 `json:"tokens_per_day"`
}

// ErrInvalidTier 未知的计划名
var ErrInvalidTier = errors.New("invalid plan tier")

// 计划名
const (
	PlanPro    = "pro"
	PlanMax5x  = "max_5x"
	PlanMax20x = "max_20x"
)

// 预设限额，max 档按 pro 的倍数放大
var planPresets = map[string]Limits{
	PlanPro: {
		RequestsPerMinute: 50,
		RequestsPerHour:   500,
		RequestsPerDay:    1000,
		TokensPerMinute:   40_000,
		TokensPerDay:      2_000_000,
	},
	PlanMax5x: {
		RequestsPerMinute: 250,
		RequestsPerHour:   2_500,
		RequestsPerDay:    5_000,
		TokensPerMinute:   200_000,
		TokensPerDay:      10_000_000,
	},
	PlanMax20x: {
		RequestsPerMinute: 1_000,
		RequestsPerHour:   10_000,
		RequestsPerDay:    20_000,
		TokensPerMinute:   800_000,
		TokensPerDay:      40_000_000,
	},
}

// PlanLimits 按名字取计划限额，未知名字返回 ErrInvalidTier
func PlanLimits(name string) (Limits, error) {
	l, ok := planPresets[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Limits{}, fmt.Errorf("%w: %q", ErrInvalidTier, name)
	}
	return l, nil
}

// Plans 返回所有已知计划名，字典序
func Plans() []string {
	names := make([]string, 0, len(planPresets))
	for name := range planPresets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

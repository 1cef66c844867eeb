package ratelimit

import (
	"errors"
	"fmt"
	"strings"
)

// ModelPrice 每百万 token 的美元单价
type ModelPrice struct {
	InputUSD  float64 `json:"input_usd"`
	OutputUSD float64 `json:"output_usd"`
}

// ErrUnknownModel 价格表里没有的模型
var ErrUnknownModel = errors.New("unknown model")

// 价格表按模型家族命名，完整模型 id 里含家族名即可命中
var modelPrices = map[string]ModelPrice{
	"opus":   {InputUSD: 15.0, OutputUSD: 75.0},
	"sonnet": {InputUSD: 3.0, OutputUSD: 15.0},
	"haiku":  {InputUSD: 0.80, OutputUSD: 4.0},
}

// EstimateCost 估算一次调用的美元成本
func EstimateCost(model string, inputTokens, outputTokens int64) (float64, error) {
	price, err := lookupPrice(model)
	if err != nil {
		return 0, err
	}
	if inputTokens < 0 {
		inputTokens = 0
	}
	if outputTokens < 0 {
		outputTokens = 0
	}
	return float64(inputTokens)/1e6*price.InputUSD + float64(outputTokens)/1e6*price.OutputUSD, nil
}

func lookupPrice(model string) (ModelPrice, error) {
	m := strings.ToLower(strings.TrimSpace(model))
	if p, ok := modelPrices[m]; ok {
		return p, nil
	}
	for family, p := range modelPrices {
		if strings.Contains(m, family) {
			return p, nil
		}
	}
	return ModelPrice{}, fmt.Errorf("%w: %q", ErrUnknownModel, model)
}

// BudgetError 预计支出超过日预算
type BudgetError struct {
	ProjectedUSD float64
	BudgetUSD    float64
}

func (e *BudgetError) Error() string {
	return fmt.Sprintf("daily budget exceeded: projected $%.2f over budget $%.2f", e.ProjectedUSD, e.BudgetUSD)
}

// CheckBudget 检查一笔新支出会不会击穿日预算
// 预算为 0 表示不设限；超限返回 *BudgetError。
func (g *Governor) CheckBudget(costUSD float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.advance(now)

	if g.budgetUSD <= 0 {
		return nil
	}
	projected := g.spentUSD + costUSD
	if projected > g.budgetUSD {
		return &BudgetError{ProjectedUSD: projected, BudgetUSD: g.budgetUSD}
	}
	return nil
}

// RecordSpend 计入一笔实际支出，随日窗口翻转清零
func (g *Governor) RecordSpend(costUSD float64) {
	if costUSD <= 0 {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.advance(now)
	g.spentUSD += costUSD
}

// SetBudget 更新日预算，0 表示关闭预算检查
func (g *Governor) SetBudget(usd float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.budgetUSD = usd
}

package audit

import (
	"sync"

	"github.com/joelkehle/assetaudit/internal/asset"
)

const (
	DefaultPromptPriceCNY     = 2.0
	DefaultCompletionPriceCNY = 8.0
)

// CostTracker accumulates exact token usage for a run and prices it in
// CNY per million tokens. It only ever grows; nothing external (balance
// queries, telemetry) resets it.
type CostTracker struct {
	mu              sync.Mutex
	promptPrice     float64
	completionPrice float64
	total           asset.Usage
}

func NewCostTracker(promptPriceCNY, completionPriceCNY float64) *CostTracker {
	if promptPriceCNY <= 0 {
		promptPriceCNY = DefaultPromptPriceCNY
	}
	if completionPriceCNY <= 0 {
		completionPriceCNY = DefaultCompletionPriceCNY
	}
	return &CostTracker{promptPrice: promptPriceCNY, completionPrice: completionPriceCNY}
}

func (c *CostTracker) Record(u asset.Usage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.total.Add(u)
}

// Cost prices a single usage sample without recording it.
func (c *CostTracker) Cost(u asset.Usage) float64 {
	return float64(u.PromptTokens)/1e6*c.promptPrice + float64(u.CompletionTokens)/1e6*c.completionPrice
}

func (c *CostTracker) Total() (asset.Usage, float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total, float64(c.total.PromptTokens)/1e6*c.promptPrice +
		float64(c.total.CompletionTokens)/1e6*c.completionPrice
}

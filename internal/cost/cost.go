// Package cost tracks per-build LLM spend against a rate table and decides
// when projected usage must pause the build.
package cost

import (
	"context"
	"strings"
	"sync"

	"github.com/forgeguard/forgeguard/internal/store"
)

// Rate is USD per million tokens for one model.
type Rate struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// rateTable carries published per-model prices. Longest prefix wins so dated
// model ids resolve without listing every revision.
var rateTable = map[string]Rate{
	"claude-opus-4":   {InputPerMTok: 15.00, OutputPerMTok: 75.00},
	"claude-sonnet-4": {InputPerMTok: 3.00, OutputPerMTok: 15.00},
	"claude-haiku-4":  {InputPerMTok: 1.00, OutputPerMTok: 5.00},
	"gpt-4o-mini":     {InputPerMTok: 0.15, OutputPerMTok: 0.60},
	"gpt-4o":          {InputPerMTok: 2.50, OutputPerMTok: 10.00},
	"o3":              {InputPerMTok: 2.00, OutputPerMTok: 8.00},
}

// fallbackRate prices unknown models conservatively high so a missing table
// entry can never bypass a spend cap.
var fallbackRate = Rate{InputPerMTok: 15.00, OutputPerMTok: 75.00}

// RateFor resolves a model id to its price by longest matching prefix.
func RateFor(model string) Rate {
	best := ""
	for prefix := range rateTable {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return fallbackRate
	}
	return rateTable[best]
}

// Estimate prices one call.
func Estimate(model string, inputTokens, outputTokens int) float64 {
	r := RateFor(model)
	return float64(inputTokens)/1e6*r.InputPerMTok + float64(outputTokens)/1e6*r.OutputPerMTok
}

// Decision is the pre-turn cap check outcome.
type Decision int

const (
	Proceed Decision = iota
	Warn             // past the warning threshold, still under cap
	Block            // projected spend exceeds the cap
)

const warnFraction = 0.8

// Accountant accumulates one build's spend. Mutations are serialized by the
// build's accountant lock; rows are mirrored to the store ledger.
type Accountant struct {
	mu       sync.Mutex
	buildID  string
	ledger   Ledger
	total    float64
	warned   bool
	spendCap float64
	// conservative per-turn projection used before dispatch
	perTurnEstimate float64
}

// Ledger is the persistence sink for cost rows.
type Ledger interface {
	AppendCost(ctx context.Context, c store.BuildCost) error
}

// NewAccountant binds an accountant to one build. spendCap is the effective
// cap (min of user cap and server max); zero or negative means no cap.
func NewAccountant(buildID string, ledger Ledger, spendCap, perTurnEstimate float64) *Accountant {
	if perTurnEstimate <= 0 {
		perTurnEstimate = 0.05
	}
	return &Accountant{
		buildID:         buildID,
		ledger:          ledger,
		spendCap:        spendCap,
		perTurnEstimate: perTurnEstimate,
	}
}

// Seed initializes the running total from a persisted ledger sum, for builds
// rehydrated after a process restart.
func (a *Accountant) Seed(total float64) {
	a.mu.Lock()
	a.total = total
	a.mu.Unlock()
}

// Record prices and persists one LLM call, returning the row's USD amount.
// note distinguishes planner and auditor rows from builder turns.
func (a *Accountant) Record(ctx context.Context, phase int, model string, inputTokens, outputTokens int, note string) (float64, error) {
	usd := Estimate(model, inputTokens, outputTokens)
	a.mu.Lock()
	a.total += usd
	a.mu.Unlock()

	err := a.ledger.AppendCost(ctx, store.BuildCost{
		BuildID:      a.buildID,
		Phase:        phase,
		Model:        model,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		USD:          usd,
		Note:         note,
	})
	return usd, err
}

// Total returns the running spend.
func (a *Accountant) Total() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total
}

// Projected is the pre-turn projection: running total plus one conservative
// turn.
func (a *Accountant) Projected() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total + a.perTurnEstimate
}

// CheckBeforeTurn gates the next LLM dispatch. Warn fires at most once per
// build.
func (a *Accountant) CheckBeforeTurn() (Decision, float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	projected := a.total + a.perTurnEstimate
	if a.spendCap <= 0 {
		return Proceed, projected
	}
	if projected > a.spendCap {
		return Block, projected
	}
	if !a.warned && projected >= a.spendCap*warnFraction {
		a.warned = true
		return Warn, projected
	}
	return Proceed, projected
}

// Cap returns the effective spend cap, zero when uncapped.
func (a *Accountant) Cap() float64 { return a.spendCap }

// Package routing maps scored, enriched batches to an execution channel.
// The rules are evaluated top to bottom and the first match wins; rule order
// is part of the contract, so identical inputs always produce identical
// decisions.
package routing

import (
	"fixwarden/internal/logging"
	"fixwarden/internal/types"
)

// Thresholds are the tunable cut points of the decision rules. Injected from
// configuration so operators can retune without recompiling.
type Thresholds struct {
	HighComplexity   float64 // rule 2: score.total at or above routes HEAVY
	SecurityKind     float64 // rule 3: kind weight at or above routes HEAVY with sign-off
	LowConfidence    float64 // rule 4: retrieval confidence below this...
	MediumComplexity float64 // ...combined with score.total at or above this routes HEAVY
}

// DefaultThresholds returns the documented operational defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		HighComplexity:   0.70,
		SecurityKind:     0.80,
		LowConfidence:    0.30,
		MediumComplexity: 0.40,
	}
}

// Engine is the routing decision engine. Pure; safe for concurrent use.
type Engine struct {
	t Thresholds
}

// New creates an engine with the given thresholds.
func New(t Thresholds) *Engine {
	return &Engine{t: t}
}

// Decide routes a batch. Rules, first match wins:
//
//  1. any critical-severity violation        -> HUMAN (critical-severity)
//  2. score.total >= high-complexity         -> HEAVY (high-complexity)
//  3. score.kind_weight >= security          -> HEAVY (security-kind) + sign-off
//  4. low confidence and medium complexity   -> HEAVY (low-confidence-medium-complexity)
//  5. otherwise                              -> FAST  (auto-fixable)
func (e *Engine) Decide(batch types.Batch, score types.Score, retrieval types.RetrievalContext) types.RoutingDecision {
	d := types.RoutingDecision{
		Batch:     batch,
		Score:     score,
		Retrieval: retrieval,
		Mode:      types.ModeHeadless,
	}

	switch {
	case batch.HasSeverity(types.SeverityCritical):
		d.Channel = types.ChannelHuman
		d.Reason = types.ReasonCriticalSeverity
	case score.Total >= e.t.HighComplexity:
		d.Channel = types.ChannelHeavy
		d.Reason = types.ReasonHighComplexity
	case score.KindWeight >= e.t.SecurityKind:
		d.Channel = types.ChannelHeavy
		d.Reason = types.ReasonSecurityKind
		d.SignoffRequired = true
	case retrieval.Confidence < e.t.LowConfidence && score.Total >= e.t.MediumComplexity:
		d.Channel = types.ChannelHeavy
		d.Reason = types.ReasonLowConfidence
	default:
		d.Channel = types.ChannelFast
		d.Reason = types.ReasonAutoFixable
	}

	logging.Routing("batch %s -> %s (%s) total=%.3f kind=%.2f confidence=%.2f",
		batch.ID, d.Channel, d.Reason, score.Total, score.KindWeight, retrieval.Confidence)
	return d
}

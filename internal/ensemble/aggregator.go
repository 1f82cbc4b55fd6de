// Package ensemble combines per-fold risk estimates into one consensus
// prediction with dispersion diagnostics.
package ensemble

import (
	"fmt"
	"math"

	"sarcorisk/internal/cox"
	"sarcorisk/internal/ood"
)

// Error reports an internal invariant violation in the fold set: an empty
// ensemble or folds reporting different horizon grids. It indicates a
// deployment defect, not bad user input, and is surfaced as a generic
// failure by the serving layer.
type Error struct {
	Reason string
}

func (e *Error) Error() string { return fmt.Sprintf("ensemble: %s", e.Reason) }

// HorizonPoint is one point of the consensus survival curve: the horizon in
// years, the consensus survival probability, and the inter-fold dispersion
// (population standard deviation) at that horizon.
type HorizonPoint struct {
	Horizon    int     `json:"horizon_years"`
	Survival   float64 `json:"survival"`
	Risk       float64 `json:"risk"`
	Dispersion float64 `json:"dispersion"`
}

// Prediction is the final, immutable result handed to downstream report and
// visualization collaborators. It carries no timestamps or request IDs so
// that identical inputs yield bit-identical predictions.
type Prediction struct {
	RiskScore        float64        `json:"risk_score"`
	ReferenceHorizon int            `json:"reference_horizon_years"`
	Curve            []HorizonPoint `json:"survival_curve"`
	RelativeRisk     float64        `json:"relative_risk"`
	RiskCategory     string         `json:"risk_category"`
	Folds            int            `json:"folds"`
	ModelVersion     string         `json:"model_version"`
	OOD              ood.Verdict    `json:"ood"`
}

// Consensus is the aggregated fold output before the OOD verdict and risk
// category are attached by the orchestrator.
type Consensus struct {
	RiskScore        float64
	ReferenceHorizon int
	Curve            []HorizonPoint
	RelativeRisk     float64
	Folds            int
}

// Aggregator reduces fold estimates with a fixed, order-independent policy:
// arithmetic mean across folds at each horizon, with population standard
// deviation as the dispersion measure. The headline risk score is one minus
// the consensus survival at the configured reference horizon.
type Aggregator struct {
	referenceHorizon int
}

// NewAggregator configures the reference horizon the scalar risk score is
// read at. The horizon is validated against the fold grid per call, so a
// misconfigured value fails loudly instead of silently picking a default.
func NewAggregator(referenceHorizon int) *Aggregator {
	return &Aggregator{referenceHorizon: referenceHorizon}
}

// ReferenceHorizon returns the configured headline horizon in years.
func (a *Aggregator) ReferenceHorizon() int { return a.referenceHorizon }

// Aggregate reduces the per-fold estimates into a Consensus. All folds must
// share the same horizon grid; the reduction is commutative, so the result
// is independent of fold evaluation order.
func (a *Aggregator) Aggregate(estimates []cox.RiskEstimate) (*Consensus, error) {
	if len(estimates) == 0 {
		return nil, &Error{Reason: "no fold estimates to aggregate"}
	}
	horizons := estimates[0].Horizons
	for _, est := range estimates[1:] {
		if !sameHorizons(horizons, est.Horizons) {
			return nil, &Error{Reason: fmt.Sprintf("fold %d reports horizons %v, expected %v", est.Fold, est.Horizons, horizons)}
		}
	}

	refIdx := -1
	for i, h := range horizons {
		if h == a.referenceHorizon {
			refIdx = i
		}
	}
	if refIdx < 0 {
		return nil, &Error{Reason: fmt.Sprintf("reference horizon %d not in fold horizon grid %v", a.referenceHorizon, horizons)}
	}

	n := float64(len(estimates))
	curve := make([]HorizonPoint, len(horizons))
	floor := 1.0
	for i, h := range horizons {
		sum := 0.0
		for _, est := range estimates {
			sum += est.Survival[i]
		}
		mean := sum / n

		variance := 0.0
		for _, est := range estimates {
			d := est.Survival[i] - mean
			variance += d * d
		}
		sd := math.Sqrt(variance / n)

		// Averaging monotone sequences is monotone, but re-clamp anyway to
		// absorb floating-point rounding at the edges.
		mean = clamp01(mean)
		if mean > floor {
			mean = floor
		}
		floor = mean
		curve[i] = HorizonPoint{Horizon: h, Survival: mean, Risk: 1 - mean, Dispersion: sd}
	}

	rrSum := 0.0
	for _, est := range estimates {
		rrSum += est.PartialHazard
	}

	return &Consensus{
		RiskScore:        curve[refIdx].Risk,
		ReferenceHorizon: a.referenceHorizon,
		Curve:            curve,
		RelativeRisk:     rrSum / n,
		Folds:            len(estimates),
	}, nil
}

func sameHorizons(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

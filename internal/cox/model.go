// Package cox wraps fitted Cox Proportional Hazards fold models and loads
// the artifact bundle they are shipped in.
package cox

import (
	"fmt"
	"math"
	"sort"
	"strconv"

	"sarcorisk/internal/schema"
)

// maxLinearPredictor caps |η| before exponentiation so pathological inputs
// cannot overflow exp(η).
const maxLinearPredictor = 30.0

// ArtifactError reports a model artifact that does not match the feature
// schema or is internally inconsistent. It is raised at load time only and
// is fatal to process start.
type ArtifactError struct {
	Fold   int
	Reason string
}

func (e *ArtifactError) Error() string {
	return fmt.Sprintf("cox: fold %d artifact: %s", e.Fold, e.Reason)
}

// Artifact is the on-disk representation of one fold: a feature-keyed
// coefficient map and the baseline cumulative hazard step function keyed by
// yearly horizon.
type Artifact struct {
	Fold                     int                `json:"fold"`
	SchemaVersion            string             `json:"schema_version"`
	Coefficients             map[string]float64 `json:"coefficients"`
	BaselineCumulativeHazard map[string]float64 `json:"baseline_cumulative_hazard"`
}

// RiskEstimate is one fold's evaluation of a record: the linear predictor,
// the partial hazard exp(η), and a survival probability per horizon. The
// survival slice is always in [0,1] and non-increasing.
type RiskEstimate struct {
	Fold            int
	LinearPredictor float64
	PartialHazard   float64
	Horizons        []int
	Survival        []float64
}

// Model is a fold artifact bound to a schema: coefficients aligned to schema
// order and baseline survival S0(t)=exp(-H0(t)) at each horizon. Immutable
// after construction, safe for concurrent evaluation.
type Model struct {
	fold         int
	coefficients []float64
	horizons     []int
	baseSurvival []float64
}

// NewModel validates an artifact against the schema and derives the baseline
// survival curve. Every schema feature needs exactly one coefficient; the
// cumulative hazard must be finite, non-negative, and non-decreasing in time.
func NewModel(s *schema.Schema, art Artifact) (*Model, error) {
	if art.SchemaVersion != s.Version() {
		return nil, &ArtifactError{Fold: art.Fold, Reason: fmt.Sprintf("fit against schema %q, engine schema is %q", art.SchemaVersion, s.Version())}
	}
	if len(art.Coefficients) != s.Len() {
		return nil, &ArtifactError{Fold: art.Fold, Reason: fmt.Sprintf("coefficient vector has %d entries, schema declares %d", len(art.Coefficients), s.Len())}
	}
	coefs := make([]float64, 0, s.Len())
	for _, f := range s.Features() {
		c, ok := art.Coefficients[f.Name]
		if !ok {
			return nil, &ArtifactError{Fold: art.Fold, Reason: fmt.Sprintf("no coefficient for feature %q", f.Name)}
		}
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return nil, &ArtifactError{Fold: art.Fold, Reason: fmt.Sprintf("coefficient for %q is not finite", f.Name)}
		}
		coefs = append(coefs, c)
	}
	if len(art.BaselineCumulativeHazard) == 0 {
		return nil, &ArtifactError{Fold: art.Fold, Reason: "baseline cumulative hazard is empty"}
	}
	horizons := make([]int, 0, len(art.BaselineCumulativeHazard))
	for k := range art.BaselineCumulativeHazard {
		year, err := strconv.Atoi(k)
		if err != nil || year <= 0 {
			return nil, &ArtifactError{Fold: art.Fold, Reason: fmt.Sprintf("invalid horizon key %q", k)}
		}
		horizons = append(horizons, year)
	}
	sort.Ints(horizons)
	baseSurv := make([]float64, len(horizons))
	prev := 0.0
	for i, year := range horizons {
		h0 := art.BaselineCumulativeHazard[strconv.Itoa(year)]
		if math.IsNaN(h0) || math.IsInf(h0, 0) || h0 < 0 {
			return nil, &ArtifactError{Fold: art.Fold, Reason: fmt.Sprintf("baseline hazard at year %d is invalid", year)}
		}
		if h0 < prev {
			return nil, &ArtifactError{Fold: art.Fold, Reason: fmt.Sprintf("baseline cumulative hazard decreases at year %d", year)}
		}
		prev = h0
		baseSurv[i] = math.Exp(-h0)
	}
	return &Model{fold: art.Fold, coefficients: coefs, horizons: horizons, baseSurvival: baseSurv}, nil
}

// Fold returns the cross-validation fold index this model came from.
func (m *Model) Fold() int { return m.fold }

// Horizons returns the yearly horizons the model reports survival at.
func (m *Model) Horizons() []int {
	cp := make([]int, len(m.horizons))
	copy(cp, m.horizons)
	return cp
}

// Evaluate computes the fold's risk estimate for a validated record using the
// Cox relation S(t|x) = S0(t)^exp(η). Evaluation has no failure path: the
// record was validated upstream and all numeric edge cases are clamped.
func (m *Model) Evaluate(rec *schema.Record) RiskEstimate {
	vec := rec.Vector()
	eta := 0.0
	for i, c := range m.coefficients {
		eta += c * vec[i]
	}
	clamped := eta
	if clamped > maxLinearPredictor {
		clamped = maxLinearPredictor
	} else if clamped < -maxLinearPredictor {
		clamped = -maxLinearPredictor
	}
	hazardRatio := math.Exp(clamped)

	survival := make([]float64, len(m.baseSurvival))
	floor := 1.0
	for i, s0 := range m.baseSurvival {
		s := clamp01(math.Pow(s0, hazardRatio))
		// Guard against floating-point drift: survival may never rise again.
		if s > floor {
			s = floor
		}
		floor = s
		survival[i] = s
	}

	horizons := make([]int, len(m.horizons))
	copy(horizons, m.horizons)
	return RiskEstimate{
		Fold:            m.fold,
		LinearPredictor: eta,
		PartialHazard:   hazardRatio,
		Horizons:        horizons,
		Survival:        survival,
	}
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

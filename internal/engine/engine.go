// Package engine orchestrates the prediction pipeline: input validation,
// out-of-distribution detection, per-fold Cox evaluation, and ensemble
// aggregation.
package engine

import (
	"context"
	"fmt"
	"sync"

	"sarcorisk/internal/cox"
	"sarcorisk/internal/ensemble"
	"sarcorisk/internal/ood"
	"sarcorisk/internal/schema"
)

// Risk categories derived from the relative-risk thresholds shipped with the
// model bundle.
const (
	CategoryLow      = "Low Risk"
	CategoryModerate = "Moderate Risk"
	CategoryHigh     = "High Risk"
)

// Engine owns immutable references to the schema, the fold models, and the
// distribution profile. It is constructed once at process start and is safe
// for any number of concurrent Predict calls: nothing is mutated after New.
type Engine struct {
	schema     *schema.Schema
	validator  *schema.Validator
	detector   *ood.Detector
	models     []*cox.Model
	aggregator *ensemble.Aggregator
	thresholds cox.Thresholds
	name       string
	version    string
}

// Info summarizes the loaded model for the /v1/model endpoint.
type Info struct {
	Name              string   `json:"name"`
	Version           string   `json:"version"`
	SchemaVersion     string   `json:"schema_version"`
	Features          []string `json:"features"`
	Horizons          []int    `json:"horizons_years"`
	ReferenceHorizon  int      `json:"reference_horizon_years"`
	Folds             int      `json:"folds"`
	AggregationPolicy string   `json:"aggregation_policy"`
	DispersionPolicy  string   `json:"dispersion_policy"`
}

// New builds an engine from a verified artifact bundle. The reference
// horizon must be one of the horizons every fold reports; anything else is a
// configuration defect and fails construction.
func New(bundle *cox.Bundle, referenceHorizon int) (*Engine, error) {
	if len(bundle.Models) == 0 {
		return nil, fmt.Errorf("engine: bundle contains no fold models")
	}
	detector, err := ood.NewDetector(bundle.Schema, bundle.Profile)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	found := false
	for _, h := range bundle.Models[0].Horizons() {
		if h == referenceHorizon {
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("engine: reference horizon %d not reported by fold models (horizons %v)", referenceHorizon, bundle.Models[0].Horizons())
	}
	return &Engine{
		schema:     bundle.Schema,
		validator:  schema.NewValidator(bundle.Schema),
		detector:   detector,
		models:     bundle.Models,
		aggregator: ensemble.NewAggregator(referenceHorizon),
		thresholds: bundle.Thresholds,
		name:       bundle.Manifest.Name,
		version:    bundle.Manifest.Version,
	}, nil
}

// Schema returns the feature schema the engine validates against.
func (e *Engine) Schema() *schema.Schema { return e.schema }

// ModelInfo describes the loaded ensemble and its fixed policies.
func (e *Engine) ModelInfo() Info {
	return Info{
		Name:              e.name,
		Version:           e.version,
		SchemaVersion:     e.schema.Version(),
		Features:          featureNames(e.schema),
		Horizons:          e.models[0].Horizons(),
		ReferenceHorizon:  e.aggregator.ReferenceHorizon(),
		Folds:             len(e.models),
		AggregationPolicy: "mean",
		DispersionPolicy:  "stddev",
	}
}

// Predict runs the full pipeline for one raw input and returns a complete
// prediction or an error; partial results are never produced. A
// *schema.Error means the input itself is at fault and is surfaced verbatim;
// an *ensemble.Error indicates a deployment defect.
//
// Fold evaluations fan out across goroutines and join before aggregation.
// Each fold writes to its own slot, and the mean reduction is commutative,
// so the result is bit-identical to a sequential evaluation.
func (e *Engine) Predict(ctx context.Context, raw map[string]any) (*ensemble.Prediction, error) {
	rec, err := e.validator.Validate(raw)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// OOD detection and fold evaluation are independent of each other; run
	// the folds in parallel and the verdict on the request goroutine.
	estimates := make([]cox.RiskEstimate, len(e.models))
	var wg sync.WaitGroup
	for i, m := range e.models {
		wg.Add(1)
		go func(i int, m *cox.Model) {
			defer wg.Done()
			estimates[i] = m.Evaluate(rec)
		}(i, m)
	}
	verdict := e.detector.Check(rec)
	wg.Wait()

	consensus, err := e.aggregator.Aggregate(estimates)
	if err != nil {
		return nil, err
	}

	return &ensemble.Prediction{
		RiskScore:        consensus.RiskScore,
		ReferenceHorizon: consensus.ReferenceHorizon,
		Curve:            consensus.Curve,
		RelativeRisk:     consensus.RelativeRisk,
		RiskCategory:     e.categorize(consensus.RelativeRisk),
		Folds:            consensus.Folds,
		ModelVersion:     e.version,
		OOD:              verdict,
	}, nil
}

// Validate exposes input normalization on its own, so the serving layer can
// derive a cache key from the normalized record before running the models.
func (e *Engine) Validate(raw map[string]any) (*schema.Record, error) {
	return e.validator.Validate(raw)
}

func (e *Engine) categorize(relativeRisk float64) string {
	switch {
	case relativeRisk < e.thresholds.LowRisk:
		return CategoryLow
	case relativeRisk > e.thresholds.HighRisk:
		return CategoryHigh
	default:
		return CategoryModerate
	}
}

func featureNames(s *schema.Schema) []string {
	feats := s.Features()
	names := make([]string, len(feats))
	for i, f := range feats {
		names[i] = f.Name
	}
	return names
}

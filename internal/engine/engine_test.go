package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sarcorisk/internal/cox"
	"sarcorisk/internal/ood"
	"sarcorisk/internal/schema"
)

func f64(v float64) *float64 { return &v }

func testSchema(t *testing.T) *schema.Schema {
	t.Helper()
	s, err := schema.New("v1", []schema.Feature{
		{Name: "age", Label: "Age (Years)", Kind: schema.KindOrdinal},
		{Name: "sex", Kind: schema.KindBinary, Categories: []float64{1, 2}},
		{Name: "calf_circumference", Kind: schema.KindContinuous},
	})
	require.NoError(t, err)
	return s
}

func testProfile() *ood.Profile {
	return &ood.Profile{
		SchemaVersion: "v1",
		Features: map[string]ood.Bounds{
			"age":                {Min: f64(50), Max: f64(99)},
			"sex":                {Categories: []float64{1, 2}},
			"calf_circumference": {Min: f64(20), Max: f64(48)},
		},
	}
}

func hazardGrid() map[string]float64 {
	return map[string]float64{
		"1": 0.020, "2": 0.055, "3": 0.095, "4": 0.140,
		"5": 0.185, "6": 0.225, "7": 0.260,
	}
}

// testBundle builds a three-fold bundle with slightly jittered coefficients,
// the shape a cross-validated fit produces.
func testBundle(t *testing.T) *cox.Bundle {
	t.Helper()
	s := testSchema(t)
	coefs := []map[string]float64{
		{"age": 0.048, "sex": 0.21, "calf_circumference": -0.115},
		{"age": 0.051, "sex": 0.19, "calf_circumference": -0.109},
		{"age": 0.046, "sex": 0.23, "calf_circumference": -0.121},
	}
	models := make([]*cox.Model, 0, len(coefs))
	for i, c := range coefs {
		m, err := cox.NewModel(s, cox.Artifact{
			Fold:                     i + 1,
			SchemaVersion:            "v1",
			Coefficients:             c,
			BaselineCumulativeHazard: hazardGrid(),
		})
		require.NoError(t, err)
		models = append(models, m)
	}
	return &cox.Bundle{
		Manifest:   cox.Manifest{Name: "sarcopenia-cox", Version: "1.3.0", SchemaVersion: "v1"},
		Schema:     s,
		Profile:    testProfile(),
		Thresholds: cox.Thresholds{LowRisk: 0.6, HighRisk: 1.6, MaxDisplayRR: 3.0},
		Models:     models,
	}
}

func validInputs() map[string]any {
	return map[string]any{"age": 72, "sex": 2, "calf_circumference": 31.5}
}

func TestNewRejectsReferenceHorizonOutsideGrid(t *testing.T) {
	_, err := New(testBundle(t), 12)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reference horizon 12")
}

func TestPredictProducesCompleteCurve(t *testing.T) {
	eng, err := New(testBundle(t), 5)
	require.NoError(t, err)

	pred, err := eng.Predict(context.Background(), validInputs())
	require.NoError(t, err)

	assert.Equal(t, 3, pred.Folds)
	assert.Equal(t, "1.3.0", pred.ModelVersion)
	assert.Equal(t, 5, pred.ReferenceHorizon)
	require.Len(t, pred.Curve, 7)
	prev := 1.0
	for i, p := range pred.Curve {
		assert.Equal(t, i+1, p.Horizon)
		assert.GreaterOrEqual(t, p.Survival, 0.0)
		assert.LessOrEqual(t, p.Survival, prev)
		assert.InDelta(t, 1-p.Survival, p.Risk, 1e-12)
		prev = p.Survival
	}
	assert.InDelta(t, pred.Curve[4].Risk, pred.RiskScore, 1e-12)
	assert.False(t, pred.OOD.OverallOOD)
	require.Len(t, pred.OOD.Flags, 3)
}

func TestPredictIsDeterministic(t *testing.T) {
	eng, err := New(testBundle(t), 5)
	require.NoError(t, err)

	first, err := eng.Predict(context.Background(), validInputs())
	require.NoError(t, err)
	a, err := json.Marshal(first)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		next, err := eng.Predict(context.Background(), validInputs())
		require.NoError(t, err)
		b, err := json.Marshal(next)
		require.NoError(t, err)
		assert.Equal(t, string(a), string(b), "run %d diverged", i)
	}
}

func TestPredictRiskFollowsCoefficientSign(t *testing.T) {
	eng, err := New(testBundle(t), 5)
	require.NoError(t, err)
	ctx := context.Background()

	// Positive age coefficient: older means higher risk.
	young, err := eng.Predict(ctx, map[string]any{"age": 55, "sex": 1, "calf_circumference": 33})
	require.NoError(t, err)
	old, err := eng.Predict(ctx, map[string]any{"age": 95, "sex": 1, "calf_circumference": 33})
	require.NoError(t, err)
	assert.Greater(t, old.RiskScore, young.RiskScore)

	// Negative calf coefficient: more muscle mass means lower risk.
	thin, err := eng.Predict(ctx, map[string]any{"age": 72, "sex": 1, "calf_circumference": 22})
	require.NoError(t, err)
	thick, err := eng.Predict(ctx, map[string]any{"age": 72, "sex": 1, "calf_circumference": 44})
	require.NoError(t, err)
	assert.Less(t, thick.RiskScore, thin.RiskScore)
}

func TestPredictFlagsOutOfDistributionInput(t *testing.T) {
	eng, err := New(testBundle(t), 5)
	require.NoError(t, err)

	pred, err := eng.Predict(context.Background(), map[string]any{
		"age": 72, "sex": 2, "calf_circumference": 17.5,
	})
	require.NoError(t, err, "OOD input must still produce a prediction")

	assert.True(t, pred.OOD.OverallOOD)
	require.Len(t, pred.Curve, 7)
	flagged := make([]string, 0, 1)
	for _, fl := range pred.OOD.Flags {
		if !fl.InDistribution {
			flagged = append(flagged, fl.Feature)
		}
	}
	assert.Equal(t, []string{"calf_circumference"}, flagged)
}

func TestPredictSurfacesSchemaErrors(t *testing.T) {
	eng, err := New(testBundle(t), 5)
	require.NoError(t, err)

	_, err = eng.Predict(context.Background(), map[string]any{"age": 72, "sex": 2})
	var serr *schema.Error
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, "calf_circumference", serr.Feature)
}

func TestPredictHonorsCanceledContext(t *testing.T) {
	eng, err := New(testBundle(t), 5)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = eng.Predict(ctx, validInputs())
	require.ErrorIs(t, err, context.Canceled)
}

func TestRiskCategoriesFollowThresholds(t *testing.T) {
	// Single fold with a lone calf coefficient makes the relative risk easy
	// to steer: RR = exp(-0.1 * calf).
	s := testSchema(t)
	m, err := cox.NewModel(s, cox.Artifact{
		Fold:                     1,
		SchemaVersion:            "v1",
		Coefficients:             map[string]float64{"age": 0, "sex": 0, "calf_circumference": -0.1},
		BaselineCumulativeHazard: hazardGrid(),
	})
	require.NoError(t, err)
	bundle := &cox.Bundle{
		Manifest:   cox.Manifest{Name: "sarcopenia-cox", Version: "1.3.0", SchemaVersion: "v1"},
		Schema:     s,
		Profile:    &ood.Profile{SchemaVersion: "v1", Features: map[string]ood.Bounds{}},
		Thresholds: cox.Thresholds{LowRisk: 0.6, HighRisk: 1.6, MaxDisplayRR: 3.0},
		Models:     []*cox.Model{m},
	}
	eng, err := New(bundle, 5)
	require.NoError(t, err)
	ctx := context.Background()

	cases := []struct {
		calf float64
		want string
	}{
		{6, CategoryLow},      // RR = exp(-0.6) ~ 0.55
		{2, CategoryModerate}, // RR = exp(-0.2) ~ 0.82
		{-5, CategoryHigh},    // RR = exp(0.5) ~ 1.65
	}
	for _, tc := range cases {
		pred, err := eng.Predict(ctx, map[string]any{"age": 0, "sex": 1, "calf_circumference": tc.calf})
		require.NoError(t, err)
		assert.Equal(t, tc.want, pred.RiskCategory, "calf=%v rr=%v", tc.calf, pred.RelativeRisk)
	}
}

func TestModelInfo(t *testing.T) {
	eng, err := New(testBundle(t), 5)
	require.NoError(t, err)

	info := eng.ModelInfo()
	assert.Equal(t, "sarcopenia-cox", info.Name)
	assert.Equal(t, "v1", info.SchemaVersion)
	assert.Equal(t, []string{"age", "sex", "calf_circumference"}, info.Features)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7}, info.Horizons)
	assert.Equal(t, 5, info.ReferenceHorizon)
	assert.Equal(t, 3, info.Folds)
	assert.Equal(t, "mean", info.AggregationPolicy)
}

// Package ood flags inputs that fall outside the training-distribution
// envelope the models were validated on. Detection is advisory: it lowers
// trust in a prediction, it never blocks one.
package ood

import (
	"encoding/json"
	"fmt"
	"os"

	"sarcorisk/internal/schema"
)

// Bounds is the training-cohort envelope for one feature: an inclusive
// [min,max] range for continuous/ordinal features, or the set of category
// codes observed during training for discrete features.
type Bounds struct {
	Min        *float64  `json:"min,omitempty"`
	Max        *float64  `json:"max,omitempty"`
	Categories []float64 `json:"categories,omitempty"`
}

// Profile holds per-feature bounds computed once from the training cohort.
// Features without an entry are never flagged, matching the behavior of the
// cohort-boundary configuration this was derived from.
type Profile struct {
	SchemaVersion string            `json:"schema_version"`
	Features      map[string]Bounds `json:"features"`
}

// LoadProfile reads a distribution profile from a JSON artifact file.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read distribution profile: %w", err)
	}
	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse distribution profile: %w", err)
	}
	if p.Features == nil {
		p.Features = map[string]Bounds{}
	}
	return &p, nil
}

// FeatureFlag is the per-feature verdict, with the bounds echoed so the
// report layer can show the patient's position against the cohort range.
type FeatureFlag struct {
	Feature        string   `json:"feature"`
	Value          float64  `json:"value"`
	InDistribution bool     `json:"in_distribution"`
	Min            *float64 `json:"min,omitempty"`
	Max            *float64 `json:"max,omitempty"`
}

// Verdict aggregates the per-feature flags. OverallOOD is true when any
// single feature is out of distribution.
type Verdict struct {
	Flags      []FeatureFlag `json:"flags"`
	OverallOOD bool          `json:"overall_ood"`
}

// Detector checks validated records against a Profile. It reads only the
// profile and the record, never model coefficients.
type Detector struct {
	schema  *schema.Schema
	profile *Profile
}

// NewDetector pairs a profile with the schema it was computed against.
func NewDetector(s *schema.Schema, p *Profile) (*Detector, error) {
	if p.SchemaVersion != "" && p.SchemaVersion != s.Version() {
		return nil, fmt.Errorf("distribution profile schema %q does not match schema %q", p.SchemaVersion, s.Version())
	}
	for name := range p.Features {
		if _, ok := s.Feature(name); !ok {
			return nil, fmt.Errorf("distribution profile bounds for unknown feature %q", name)
		}
	}
	return &Detector{schema: s, profile: p}, nil
}

// Check produces a Verdict for a validated record. Boundary values exactly
// equal to min or max count as in-distribution.
func (d *Detector) Check(rec *schema.Record) Verdict {
	feats := d.schema.Features()
	verdict := Verdict{Flags: make([]FeatureFlag, 0, len(feats))}
	for _, f := range feats {
		val := rec.Value(f.Name)
		flag := FeatureFlag{Feature: f.Name, Value: val, InDistribution: true}
		if b, ok := d.profile.Features[f.Name]; ok {
			flag.Min, flag.Max = b.Min, b.Max
			flag.InDistribution = within(f.Kind, b, val)
		}
		if !flag.InDistribution {
			verdict.OverallOOD = true
		}
		verdict.Flags = append(verdict.Flags, flag)
	}
	return verdict
}

func within(kind schema.Kind, b Bounds, val float64) bool {
	switch kind {
	case schema.KindBinary, schema.KindCategorical:
		if len(b.Categories) == 0 {
			return true
		}
		for _, c := range b.Categories {
			if c == val {
				return true
			}
		}
		return false
	default:
		if b.Min != nil && val < *b.Min {
			return false
		}
		if b.Max != nil && val > *b.Max {
			return false
		}
		return true
	}
}

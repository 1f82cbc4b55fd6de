// Package schema defines the clinical feature schema shared by every
// component of the prediction pipeline and validates raw inputs against it.
package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strconv"
)

// Kind is the semantic type of a clinical covariate.
type Kind string

const (
	KindContinuous  Kind = "continuous"
	KindOrdinal     Kind = "ordinal"
	KindBinary      Kind = "binary"
	KindCategorical Kind = "categorical"
)

// Feature describes one covariate: its internal name, the display label used
// by the serving layer, its kind and, for discrete kinds, the allowed codes.
type Feature struct {
	Name       string    `json:"name"`
	Label      string    `json:"label,omitempty"`
	Kind       Kind      `json:"kind"`
	Unit       string    `json:"unit,omitempty"`
	Categories []float64 `json:"categories,omitempty"`
}

// Schema is the ordered, immutable set of covariates the models were fit
// against. It is loaded once at startup and shared read-only.
type Schema struct {
	version  string
	features []Feature
	index    map[string]int
}

type schemaFile struct {
	Version  string    `json:"version"`
	Features []Feature `json:"features"`
}

// Error reports a raw input that does not conform to the schema. It is the
// only failure mode a caller of Predict can correct by re-entering data.
type Error struct {
	Feature string
	Reason  string
}

func (e *Error) Error() string {
	if e.Feature == "" {
		return fmt.Sprintf("schema: %s", e.Reason)
	}
	return fmt.Sprintf("schema: feature %q: %s", e.Feature, e.Reason)
}

// New builds a schema from an ordered feature list.
func New(version string, features []Feature) (*Schema, error) {
	if version == "" {
		return nil, fmt.Errorf("schema version must not be empty")
	}
	if len(features) == 0 {
		return nil, fmt.Errorf("schema must declare at least one feature")
	}
	index := make(map[string]int, len(features))
	for i, f := range features {
		if f.Name == "" {
			return nil, fmt.Errorf("feature %d has no name", i)
		}
		if _, dup := index[f.Name]; dup {
			return nil, fmt.Errorf("duplicate feature %q", f.Name)
		}
		switch f.Kind {
		case KindContinuous, KindOrdinal:
			if len(f.Categories) != 0 {
				return nil, fmt.Errorf("feature %q: %s features must not declare categories", f.Name, f.Kind)
			}
		case KindBinary:
			if len(f.Categories) != 2 {
				return nil, fmt.Errorf("feature %q: binary features need exactly two category codes", f.Name)
			}
		case KindCategorical:
			if len(f.Categories) < 2 {
				return nil, fmt.Errorf("feature %q: categorical features need at least two category codes", f.Name)
			}
		default:
			return nil, fmt.Errorf("feature %q: unknown kind %q", f.Name, f.Kind)
		}
		index[f.Name] = i
	}
	cp := make([]Feature, len(features))
	copy(cp, features)
	return &Schema{version: version, features: cp, index: index}, nil
}

// Load reads a schema from a JSON artifact file.
func Load(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	var sf schemaFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	return New(sf.Version, sf.Features)
}

// Version returns the schema version identifier the model artifacts must match.
func (s *Schema) Version() string { return s.version }

// Len returns the number of declared features.
func (s *Schema) Len() int { return len(s.features) }

// Features returns the declared features in schema order.
func (s *Schema) Features() []Feature {
	cp := make([]Feature, len(s.features))
	copy(cp, s.features)
	return cp
}

// Feature looks up a feature by internal name.
func (s *Schema) Feature(name string) (Feature, bool) {
	i, ok := s.index[name]
	if !ok {
		return Feature{}, false
	}
	return s.features[i], true
}

// Labels returns the display-label to internal-name table consumed by the
// serving layer. The engine itself only ever sees internal names.
func (s *Schema) Labels() map[string]string {
	m := make(map[string]string, len(s.features))
	for _, f := range s.features {
		if f.Label != "" {
			m[f.Label] = f.Name
		}
	}
	return m
}

// Record is a validated patient record. Values are stored in schema order and
// never mutated after construction.
type Record struct {
	schema *Schema
	values []float64
}

// Value returns the value of a named feature. The name must exist in the
// schema; records are only ever built by the Validator.
func (r *Record) Value(name string) float64 {
	return r.values[r.schema.index[name]]
}

// Vector returns a copy of the values aligned to schema order, ready for a
// coefficient dot product.
func (r *Record) Vector() []float64 {
	cp := make([]float64, len(r.values))
	copy(cp, r.values)
	return cp
}

// Map returns the record as a name-keyed map, for audit serialization.
func (r *Record) Map() map[string]float64 {
	m := make(map[string]float64, len(r.values))
	for i, f := range r.schema.features {
		m[f.Name] = r.values[i]
	}
	return m
}

// Schema returns the schema the record was validated against.
func (r *Record) Schema() *Schema { return r.schema }

// Digest returns a stable content hash of the normalized record, suitable as
// a cache key. Identical inputs always produce identical digests.
func (r *Record) Digest() string {
	h := sha256.New()
	h.Write([]byte(r.schema.version))
	for _, v := range r.values {
		h.Write([]byte{0})
		h.Write([]byte(strconv.FormatFloat(v, 'g', -1, 64)))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Validator normalizes raw inputs into Records. It is a pure transform:
// range enforcement is deliberately left to the OOD detector so that
// borderline values still produce a (flagged) prediction.
type Validator struct {
	schema *Schema
}

func NewValidator(s *Schema) *Validator { return &Validator{schema: s} }

// Validate coerces a raw feature-name keyed mapping into a Record. Values may
// arrive as JSON numbers or as strings from an upstream form. It fails with
// *Error when a feature is missing, cannot be coerced, or a discrete value is
// outside the declared category set.
func (v *Validator) Validate(raw map[string]any) (*Record, error) {
	values := make([]float64, len(v.schema.features))
	for i, f := range v.schema.features {
		rv, ok := raw[f.Name]
		if !ok {
			return nil, &Error{Feature: f.Name, Reason: "missing required feature"}
		}
		val, err := coerce(rv)
		if err != nil {
			return nil, &Error{Feature: f.Name, Reason: err.Error()}
		}
		switch f.Kind {
		case KindOrdinal:
			if val != math.Trunc(val) {
				return nil, &Error{Feature: f.Name, Reason: fmt.Sprintf("ordinal value %v is not a whole number", val)}
			}
		case KindBinary, KindCategorical:
			if !containsCode(f.Categories, val) {
				return nil, &Error{Feature: f.Name, Reason: fmt.Sprintf("value %v not in declared category set %v", val, f.Categories)}
			}
		}
		values[i] = val
	}
	for name := range raw {
		if _, ok := v.schema.index[name]; !ok {
			return nil, &Error{Feature: name, Reason: "unknown feature"}
		}
	}
	return &Record{schema: v.schema, values: values}, nil
}

func coerce(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return 0, fmt.Errorf("value is not finite")
		}
		return x, nil
	case float32:
		return coerce(float64(x))
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return 0, fmt.Errorf("cannot parse number %q", x.String())
		}
		return coerce(f)
	case string:
		f, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return 0, fmt.Errorf("cannot parse %q as a number", x)
		}
		return coerce(f)
	default:
		return 0, fmt.Errorf("unsupported value type %T", v)
	}
}

func containsCode(codes []float64, v float64) bool {
	for _, c := range codes {
		if c == v {
			return true
		}
	}
	return false
}

package schema

import (
	"errors"
	"testing"
)

func testSchema(t *testing.T) *Schema {
	t.Helper()
	s, err := New("v1", []Feature{
		{Name: "age", Label: "Age (Years)", Kind: KindOrdinal},
		{Name: "sex", Kind: KindBinary, Categories: []float64{1, 2}},
		{Name: "calf_circumference", Kind: KindContinuous},
	})
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	return s
}

func TestValidateCoercesStringsAndNumbers(t *testing.T) {
	v := NewValidator(testSchema(t))
	rec, err := v.Validate(map[string]any{
		"age":                "72",
		"sex":                2.0,
		"calf_circumference": "33.5",
	})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if got := rec.Value("age"); got != 72 {
		t.Fatalf("age = %v, want 72", got)
	}
	if got := rec.Vector(); got[1] != 2 || got[2] != 33.5 {
		t.Fatalf("vector = %v", got)
	}
}

func TestValidateMissingFeature(t *testing.T) {
	v := NewValidator(testSchema(t))
	_, err := v.Validate(map[string]any{"age": 72, "sex": 1})
	var serr *Error
	if !errors.As(err, &serr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if serr.Feature != "calf_circumference" {
		t.Fatalf("flagged feature = %q", serr.Feature)
	}
}

func TestValidateRejectsUnknownCategory(t *testing.T) {
	v := NewValidator(testSchema(t))
	_, err := v.Validate(map[string]any{"age": 72, "sex": 3, "calf_circumference": 33})
	var serr *Error
	if !errors.As(err, &serr) || serr.Feature != "sex" {
		t.Fatalf("expected category error on sex, got %v", err)
	}
}

func TestValidateRejectsUnknownFeature(t *testing.T) {
	v := NewValidator(testSchema(t))
	_, err := v.Validate(map[string]any{"age": 72, "sex": 1, "calf_circumference": 33, "grip_strength": 28})
	var serr *Error
	if !errors.As(err, &serr) || serr.Feature != "grip_strength" {
		t.Fatalf("expected unknown feature error, got %v", err)
	}
}

func TestValidateRejectsNonWholeOrdinal(t *testing.T) {
	v := NewValidator(testSchema(t))
	if _, err := v.Validate(map[string]any{"age": 72.5, "sex": 1, "calf_circumference": 33}); err == nil {
		t.Fatal("expected error for fractional ordinal")
	}
}

func TestValidateRejectsUnparsableValue(t *testing.T) {
	v := NewValidator(testSchema(t))
	if _, err := v.Validate(map[string]any{"age": "seventy", "sex": 1, "calf_circumference": 33}); err == nil {
		t.Fatal("expected error for unparsable value")
	}
}

func TestDigestStableAcrossInputForms(t *testing.T) {
	v := NewValidator(testSchema(t))
	a, err := v.Validate(map[string]any{"age": "72", "sex": 2, "calf_circumference": "33.5"})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	b, err := v.Validate(map[string]any{"calf_circumference": 33.5, "age": 72, "sex": "2"})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if a.Digest() != b.Digest() {
		t.Fatalf("digests differ: %s vs %s", a.Digest(), b.Digest())
	}
}

func TestLabelsTable(t *testing.T) {
	s := testSchema(t)
	labels := s.Labels()
	if labels["Age (Years)"] != "age" {
		t.Fatalf("labels = %v", labels)
	}
	if _, ok := labels[""]; ok {
		t.Fatal("empty label must not be indexed")
	}
}

func TestNewRejectsBadSchemas(t *testing.T) {
	cases := []struct {
		name     string
		features []Feature
	}{
		{"duplicate", []Feature{{Name: "age", Kind: KindContinuous}, {Name: "age", Kind: KindContinuous}}},
		{"binary without codes", []Feature{{Name: "sex", Kind: KindBinary}}},
		{"unknown kind", []Feature{{Name: "age", Kind: Kind("fancy")}}},
		{"continuous with codes", []Feature{{Name: "age", Kind: KindContinuous, Categories: []float64{1}}}},
	}
	for _, tc := range cases {
		if _, err := New("v1", tc.features); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

package cox

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"sarcorisk/internal/ood"
	"sarcorisk/internal/schema"
)

// Manifest describes an artifact bundle: which fold files belong to the
// model and their checksums, and the schema version everything was fit
// against.
type Manifest struct {
	Name          string      `json:"name"`
	Version       string      `json:"version"`
	SchemaVersion string      `json:"schema_version"`
	Folds         []FoldEntry `json:"folds"`
}

// FoldEntry is one fold file reference with its expected content hash.
type FoldEntry struct {
	File   string `json:"file"`
	SHA256 string `json:"sha256"`
}

// Thresholds holds the clinically validated relative-risk cut-offs used for
// stratification, decoupled from code so they can be updated with the model.
type Thresholds struct {
	LowRisk      float64 `json:"low_risk"`
	HighRisk     float64 `json:"high_risk"`
	MaxDisplayRR float64 `json:"max_display_rr"`
}

// Bundle is a fully loaded, verified artifact set. Everything in it is
// immutable after load and shared read-only across requests.
type Bundle struct {
	Manifest   Manifest
	Schema     *schema.Schema
	Profile    *ood.Profile
	Thresholds Thresholds
	Models     []*Model
}

// LoadBundle reads and verifies an artifact bundle directory:
//
//	manifest.json    model name/version, fold list with sha256 checksums
//	schema.json      ordered feature schema
//	bounds.json      training-distribution profile
//	thresholds.json  relative-risk stratification cut-offs
//	folds/*.json     one Cox artifact per cross-validation fold
//
// Any mismatch between the schema and an artifact fails the load; a broken
// bundle must prevent process start rather than surface at request time.
func LoadBundle(dir string) (*Bundle, error) {
	manifest, err := loadManifest(filepath.Join(dir, "manifest.json"))
	if err != nil {
		return nil, err
	}
	s, err := schema.Load(filepath.Join(dir, "schema.json"))
	if err != nil {
		return nil, err
	}
	if s.Version() != manifest.SchemaVersion {
		return nil, &ArtifactError{Reason: fmt.Sprintf("manifest expects schema %q, schema.json declares %q", manifest.SchemaVersion, s.Version())}
	}
	profile, err := ood.LoadProfile(filepath.Join(dir, "bounds.json"))
	if err != nil {
		return nil, err
	}
	thresholds, err := loadThresholds(filepath.Join(dir, "thresholds.json"))
	if err != nil {
		return nil, err
	}
	if len(manifest.Folds) == 0 {
		return nil, &ArtifactError{Reason: "manifest lists no folds"}
	}

	models := make([]*Model, 0, len(manifest.Folds))
	for _, entry := range manifest.Folds {
		data, err := os.ReadFile(filepath.Join(dir, entry.File))
		if err != nil {
			return nil, fmt.Errorf("read fold artifact %s: %w", entry.File, err)
		}
		if sum := sha256.Sum256(data); hex.EncodeToString(sum[:]) != entry.SHA256 {
			return nil, &ArtifactError{Reason: fmt.Sprintf("checksum mismatch for %s", entry.File)}
		}
		var art Artifact
		if err := json.Unmarshal(data, &art); err != nil {
			return nil, fmt.Errorf("parse fold artifact %s: %w", entry.File, err)
		}
		model, err := NewModel(s, art)
		if err != nil {
			return nil, err
		}
		models = append(models, model)
	}

	return &Bundle{
		Manifest:   manifest,
		Schema:     s,
		Profile:    profile,
		Thresholds: thresholds,
		Models:     models,
	}, nil
}

func loadManifest(path string) (Manifest, error) {
	var m Manifest
	data, err := os.ReadFile(path)
	if err != nil {
		return m, fmt.Errorf("read manifest: %w", err)
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("parse manifest: %w", err)
	}
	if m.Version == "" || m.SchemaVersion == "" {
		return m, &ArtifactError{Reason: "manifest missing version or schema_version"}
	}
	return m, nil
}

func loadThresholds(path string) (Thresholds, error) {
	// Defaults match the clinically validated cut-offs shipped with the model.
	t := Thresholds{LowRisk: 0.6, HighRisk: 1.6, MaxDisplayRR: 3.0}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return t, nil
		}
		return t, fmt.Errorf("read thresholds: %w", err)
	}
	if err := json.Unmarshal(data, &t); err != nil {
		return t, fmt.Errorf("parse thresholds: %w", err)
	}
	if t.LowRisk <= 0 || t.HighRisk <= t.LowRisk {
		return t, &ArtifactError{Reason: "thresholds must satisfy 0 < low_risk < high_risk"}
	}
	return t, nil
}

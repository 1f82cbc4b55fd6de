// Package server exposes the prediction engine over HTTP. It is the only
// surface the UI and report collaborators talk to; they perform no numeric
// computation on the results.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sarcorisk/internal/audit"
	"sarcorisk/internal/engine"
	"sarcorisk/internal/ensemble"
	"sarcorisk/internal/schema"
	"sarcorisk/pkg/logging"
)

// Server holds the engine and its serving-layer collaborators.
type Server struct {
	engine *engine.Engine
	cache  Cache
	audit  audit.Store
	log    *logging.Logger
	labels map[string]string
}

// New wires a server. The display-label table comes from the schema; the
// engine itself only ever sees internal feature names.
func New(eng *engine.Engine, cache Cache, store audit.Store, log *logging.Logger) *Server {
	return &Server{
		engine: eng,
		cache:  cache,
		audit:  store,
		log:    log,
		labels: eng.Schema().Labels(),
	}
}

// Routes registers all handlers on a fresh mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/predict", s.PredictHandler)
	mux.HandleFunc("/v1/model", s.ModelInfoHandler)
	mux.HandleFunc("/health", s.HealthHandler)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// PredictRequest is the input payload for /v1/predict. Input keys may be
// internal schema names or display labels; an optional horizons list limits
// which curve points the response carries.
type PredictRequest struct {
	Inputs     map[string]any `json:"inputs"`
	PatientRef string         `json:"patient_ref,omitempty"`
	Horizons   []int          `json:"horizons,omitempty"`
}

// PredictResponse wraps the immutable prediction in a per-request envelope.
type PredictResponse struct {
	RequestID    string               `json:"request_id"`
	ModelVersion string               `json:"model_version"`
	Cached       bool                 `json:"cached"`
	Prediction   *ensemble.Prediction `json:"prediction"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) PredictHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req PredictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if len(req.Inputs) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "no inputs provided"})
		return
	}
	raw := s.translate(req.Inputs)

	// Normalize up front so the cache key comes from the validated record,
	// not from however the caller happened to format the raw values.
	rec, err := s.engine.Validate(raw)
	if err != nil {
		var serr *schema.Error
		if errors.As(err, &serr) {
			predictionsTotal.WithLabelValues("schema_error").Inc()
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": serr.Error(), "feature": serr.Feature})
			return
		}
		predictionsTotal.WithLabelValues("error").Inc()
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "prediction failed"})
		return
	}
	digest := rec.Digest()

	requestID := uuid.New().String()
	resp := PredictResponse{RequestID: requestID}

	if data, ok := s.cache.Get(r.Context(), digest); ok {
		var cached ensemble.Prediction
		if err := json.Unmarshal(data, &cached); err == nil {
			cacheHitsTotal.Inc()
			resp.Cached = true
			resp.ModelVersion = cached.ModelVersion
			resp.Prediction = &cached
		}
	}

	if resp.Prediction == nil {
		start := time.Now()
		pred, err := s.engine.Predict(r.Context(), raw)
		predictionDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			// Validation already passed, so this is an internal invariant
			// violation; log the detail, surface a generic failure.
			predictionsTotal.WithLabelValues("error").Inc()
			s.log.Error("prediction failed", logging.Fields{"request_id": requestID, "error": err.Error()})
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "prediction failed"})
			return
		}
		if data, err := json.Marshal(pred); err == nil {
			s.cache.Set(r.Context(), digest, data)
		}
		resp.ModelVersion = pred.ModelVersion
		resp.Prediction = pred
	}

	predictionsTotal.WithLabelValues("ok").Inc()
	riskCategoryTotal.WithLabelValues(resp.Prediction.RiskCategory).Inc()
	if resp.Prediction.OOD.OverallOOD {
		oodFlaggedTotal.Inc()
	}

	if len(req.Horizons) > 0 {
		filtered, err := filterCurve(resp.Prediction, req.Horizons)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		resp.Prediction = filtered
	}

	s.record(r, requestID, req.PatientRef, rec, resp.Prediction)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) ModelInfoHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.ModelInfo())
}

func (s *Server) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "sarcorisk"})
}

// translate maps display labels to internal schema names. Keys that are
// already internal names pass through; unknown keys are left for the
// validator to reject.
func (s *Server) translate(inputs map[string]any) map[string]any {
	raw := make(map[string]any, len(inputs))
	for k, v := range inputs {
		if name, ok := s.labels[k]; ok {
			if _, clash := inputs[name]; !clash {
				raw[name] = v
				continue
			}
		}
		raw[k] = v
	}
	return raw
}

// filterCurve narrows the response curve to the requested horizons without
// touching the cached full prediction.
func filterCurve(pred *ensemble.Prediction, horizons []int) (*ensemble.Prediction, error) {
	available := make(map[int]ensemble.HorizonPoint, len(pred.Curve))
	for _, p := range pred.Curve {
		available[p.Horizon] = p
	}
	seen := make(map[int]bool, len(horizons))
	points := make([]ensemble.HorizonPoint, 0, len(horizons))
	for _, p := range pred.Curve {
		for _, h := range horizons {
			if p.Horizon == h && !seen[h] {
				points = append(points, p)
				seen[h] = true
			}
		}
	}
	for _, h := range horizons {
		if _, ok := available[h]; !ok {
			return nil, &schema.Error{Reason: fmt.Sprintf("horizon %d not reported by the model", h)}
		}
	}
	cp := *pred
	cp.Curve = points
	return &cp, nil
}

func (s *Server) record(r *http.Request, requestID, patientRef string, rec *schema.Record, pred *ensemble.Prediction) {
	entry := audit.Entry{
		RequestID:    requestID,
		PatientRef:   patientRef,
		ModelVersion: pred.ModelVersion,
		RiskScore:    pred.RiskScore,
		RelativeRisk: pred.RelativeRisk,
		RiskCategory: pred.RiskCategory,
		OverallOOD:   pred.OOD.OverallOOD,
		Inputs:       rec.Map(),
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.audit.Record(r.Context(), entry); err != nil {
		s.log.Error("audit record failed", logging.Fields{"request_id": requestID, "error": err.Error()})
	}
}

package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	predictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sarcorisk",
			Subsystem: "engine",
			Name:      "predictions_total",
			Help:      "Total predictions served, by outcome.",
		},
		[]string{"outcome"},
	)

	oodFlaggedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sarcorisk",
			Subsystem: "engine",
			Name:      "ood_flagged_total",
			Help:      "Predictions served with an out-of-distribution input.",
		},
	)

	riskCategoryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sarcorisk",
			Subsystem: "engine",
			Name:      "risk_category_total",
			Help:      "Predictions served, by risk category.",
		},
		[]string{"category"},
	)

	predictionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "sarcorisk",
			Subsystem: "engine",
			Name:      "prediction_duration_seconds",
			Help:      "Wall time of a full prediction pipeline run.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	cacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sarcorisk",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Prediction cache hits.",
		},
	)
)

func init() {
	// Safe register; ignore duplicate registration across test binaries.
	_ = prometheus.Register(predictionsTotal)
	_ = prometheus.Register(oodFlaggedTotal)
	_ = prometheus.Register(riskCategoryTotal)
	_ = prometheus.Register(predictionDuration)
	_ = prometheus.Register(cacheHitsTotal)
}

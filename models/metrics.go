package models

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	appKeyLabel = "app_key"
)

var (
	hagallSessionCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "session_count",
		Help: "The number of sessions.",
	}, []string{appKeyLabel})

	hagallSessionCountTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "session_count_total",
		Help: "The total number of sessions.",
	}, []string{appKeyLabel})

	hagallHiddenPairs = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "session_hidden_participant_pairs",
		Help: "The number of (observer, target) pairs where the target is hidden from the observer.",
	}, []string{appKeyLabel})
)

func instrumentIncreaseSessionGauge(appKey string) {
	hagallSessionCount.
		With(prometheus.Labels{appKeyLabel: appKey}).
		Inc()
}

func instrumentDecreaseSessionGauge(appKey string) {
	hagallSessionCount.
		With(prometheus.Labels{appKeyLabel: appKey}).
		Dec()
}

func instrumentCountSession(appKey string) {
	hagallSessionCountTotal.
		With(prometheus.Labels{appKeyLabel: appKey}).
		Inc()
}

func instrumentHiddenPairs(appKey string, delta int) {
	if delta == 0 {
		return
	}

	hagallHiddenPairs.
		With(prometheus.Labels{appKeyLabel: appKey}).
		Add(float64(delta))
}

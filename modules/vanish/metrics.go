package vanish

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	appKeyLabel = "app_key"
	stateLabel  = "state"
	kindLabel   = "kind"
)

var (
	vanishToggleCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vanish_toggle_count",
		Help: "The number of vanish toggles.",
	}, []string{appKeyLabel, stateLabel})

	vanishedParticipants = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vanish_participants",
		Help: "The number of vanished participants.",
	}, []string{appKeyLabel})

	vanishRestorationCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vanish_restoration_count",
		Help: "The number of pending visibility restorations, by outcome.",
	}, []string{appKeyLabel, stateLabel})

	vanishFakeAnnounceCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vanish_fake_announce_count",
		Help: "The number of fake join and quit announcements.",
	}, []string{appKeyLabel, kindLabel})
)

func instrumentToggle(appKey string, vanished bool) {
	state := "visible"
	if vanished {
		state = "vanished"
	}

	vanishToggleCount.
		With(prometheus.Labels{appKeyLabel: appKey, stateLabel: state}).
		Inc()
}

func instrumentVanished(appKey string, delta float64) {
	vanishedParticipants.
		With(prometheus.Labels{appKeyLabel: appKey}).
		Add(delta)
}

func instrumentRestorations(appKey string, applied, skipped int) {
	if applied != 0 {
		vanishRestorationCount.
			With(prometheus.Labels{appKeyLabel: appKey, stateLabel: "applied"}).
			Add(float64(applied))
	}

	if skipped != 0 {
		vanishRestorationCount.
			With(prometheus.Labels{appKeyLabel: appKey, stateLabel: "skipped"}).
			Add(float64(skipped))
	}
}

func instrumentFakeAnnounce(appKey, kind string) {
	vanishFakeAnnounceCount.
		With(prometheus.Labels{appKeyLabel: appKey, kindLabel: kind}).
		Inc()
}

package orchestrator

import "github.com/prometheus/client_golang/prometheus"

var (
	refreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_background_refreshes_total",
			Help: "Background refreshes of stale windows by outcome.",
		},
		[]string{"result"},
	)
	loadFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_load_failures_total",
			Help: "Failed history loads surfaced to the window, by operation.",
		},
		[]string{"op"},
	)
)

func init() {
	prometheus.MustRegister(refreshes, loadFailures)
}

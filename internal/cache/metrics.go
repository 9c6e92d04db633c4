package cache

import "github.com/prometheus/client_golang/prometheus"

var (
	// cacheLookups counts Get calls by outcome (hit, stale, miss).
	cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_cache_lookups_total",
			Help: "Conversation cache lookups by result.",
		},
		[]string{"result"},
	)

	// duplicatesDropped counts messages dropped by dedup, by merge path
	// (older, newer, live).
	duplicatesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_cache_duplicates_dropped_total",
			Help: "Messages ignored as duplicates while merging into a window.",
		},
		[]string{"path"},
	)

	cacheEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_cache_entries",
			Help: "Number of conversations currently cached.",
		},
	)
)

func init() {
	prometheus.MustRegister(cacheLookups, duplicatesDropped, cacheEntries)
}

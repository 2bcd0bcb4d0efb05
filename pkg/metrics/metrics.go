package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"r3chat/pkg/notify"
	"r3chat/pkg/store"
)

var (
	StreamsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "r3chat_streams_started_total",
		Help: "Streaming sessions started.",
	})
	StreamsFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "r3chat_streams_finished_total",
		Help: "Streaming sessions finished by terminal status.",
	}, []string{"status"})
	QuotaDenied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "r3chat_quota_denied_total",
		Help: "Requests denied by the rate/quota gate, by limit kind.",
	}, []string{"kind"})
	SweepFinalized = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "r3chat_sweep_finalized_total",
		Help: "Stale streaming messages force-finalized by the sweep.",
	})
	WatchersConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "r3chat_watchers_connected",
		Help: "Currently connected conversation watchers.",
	})

	dbDiskBytes = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "r3chat_db_disk_bytes",
		Help: "Best-effort on-disk size of the pebble database.",
	}, func() float64 { return float64(store.DiskUsage()) })
	notifyDropped = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "r3chat_notify_dropped_total",
		Help: "Watch events dropped because a subscriber was too slow.",
	}, func() float64 { return float64(notify.DroppedEvents()) })
)

// Register installs all collectors on the default registry. Call once at
// startup.
func Register() {
	prometheus.MustRegister(
		StreamsStarted,
		StreamsFinished,
		QuotaDenied,
		SweepFinalized,
		WatchersConnected,
		dbDiskBytes,
		notifyDropped,
	)
}

// Package metrics exposes Prometheus instrumentation for every stage of
// the anti-abuse pipeline, registered once via Register the same way
// the reference reverse proxy's pkg/metrics registers its anomaly and
// rate-limit counters.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// VerdictsTotal counts verdicts returned by each pipeline stage.
	VerdictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wardengate",
			Name:      "verdicts_total",
			Help:      "Count of verdicts returned by each pipeline stage.",
		},
		[]string{"stage", "verdict"},
	)

	BlockedIPs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "wardengate",
			Name:      "blocked_ips",
			Help:      "Current number of IPs on the L4Guard temporary blocklist.",
		},
	)

	ActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "wardengate",
			Name:      "active_connections",
			Help:      "Current number of tracked active connections across all source IPs.",
		},
	)

	L7TrackedClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "wardengate",
			Name:      "l7_tracked_clients",
			Help:      "Current number of per-IP L7 client trackers.",
		},
	)

	AntiBotSessions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "wardengate",
			Name:      "antibot_sessions",
			Help:      "Current number of AntiBot sessions, by state.",
		},
		[]string{"state"},
	)

	VerificationOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wardengate",
			Name:      "verification_outcomes_total",
			Help:      "Count of virtual-world verification outcomes.",
		},
		[]string{"outcome"}, // passed, failed, kicked_pre_verification
	)

	VirtualPlayers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "wardengate",
			Name:      "virtual_players",
			Help:      "Current number of players inside the virtual verification world.",
		},
	)

	ClusterBlocksActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "wardengate",
			Name:      "cluster_blocks_active",
			Help:      "Current number of IP blocks visible in the shared cluster store.",
		},
	)

	ClusterSyncErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wardengate",
			Name:      "cluster_sync_errors_total",
			Help:      "Count of failed cluster-state operations, by op.",
		},
		[]string{"op"},
	)

	registerOnce sync.Once
)

// Register wires every metric into reg exactly once, mirroring the
// reference project's sync.Once registration helper.
func Register(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		reg.MustRegister(
			VerdictsTotal,
			BlockedIPs,
			ActiveConnections,
			L7TrackedClients,
			AntiBotSessions,
			VerificationOutcomes,
			VirtualPlayers,
			ClusterBlocksActive,
			ClusterSyncErrors,
		)
	})
}

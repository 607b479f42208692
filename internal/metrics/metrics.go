// Package metrics exports the daemon's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SessionsStarted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tftpd_sessions_started_total",
		Help: "Transfer sessions created, by role.",
	}, []string{"role"})

	SessionsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tftpd_sessions_completed_total",
		Help: "Transfer sessions that reached a clean end, by role.",
	}, []string{"role"})

	SessionsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tftpd_sessions_failed_total",
		Help: "Transfer sessions that terminated with an error, by role.",
	}, []string{"role"})

	TransferBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tftpd_transfer_bytes_total",
		Help: "Payload bytes moved in completed transfers, by role.",
	}, []string{"role"})

	Retransmits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tftpd_retransmits_total",
		Help: "Datagrams re-sent after a retransmit timeout.",
	})

	StrayDatagrams = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tftpd_stray_datagrams_total",
		Help: "Datagrams received from an address not matching any session peer.",
	})
)

func init() {
	prometheus.MustRegister(
		SessionsStarted,
		SessionsCompleted,
		SessionsFailed,
		TransferBytes,
		Retransmits,
		StrayDatagrams,
	)
}

// Handler serves the registry for the daemon's /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

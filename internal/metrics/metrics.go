// Package metrics exposes the process's Prometheus instruments.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TriggersFired counts trigger_fired publications by trigger type.
	TriggersFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zerg_triggers_fired_total",
		Help: "Trigger events published, by trigger type.",
	}, []string{"type"})

	// RunsFinished counts runs reaching a terminal status.
	RunsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zerg_runs_finished_total",
		Help: "Runs reaching a terminal status.",
	}, []string{"status"})

	// WSClients tracks currently connected websocket clients.
	WSClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "zerg_ws_clients",
		Help: "Connected websocket clients.",
	})

	// WSOverflowCloses counts clients disconnected for not draining
	// their send queue.
	WSOverflowCloses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zerg_ws_overflow_closes_total",
		Help: "Websocket clients closed because their send queue overflowed.",
	})

	// GmailIngressErrors counts permanent failures in the Gmail push
	// pipeline.
	GmailIngressErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zerg_gmail_ingress_errors_total",
		Help: "Permanent Gmail ingress processing failures.",
	})

	// RunsRejected counts runs refused before starting, by reason
	// (lock, quota, model).
	RunsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zerg_runs_rejected_total",
		Help: "Run requests refused before starting, by reason.",
	}, []string{"reason"})
)

// Handler serves the default registry in Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

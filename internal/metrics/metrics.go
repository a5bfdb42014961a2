package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campgw_messages_total",
			Help: "Per-recipient send outcomes",
		},
		[]string{"result"}, // sent|failed
	)

	CampaignsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campgw_campaigns_total",
			Help: "Campaign terminal outcomes",
		},
		[]string{"outcome"}, // completed|cancelled|failed
	)

	LockContentionTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "campgw_lock_contention_total",
			Help: "Lease acquisitions lost to another holder",
		},
	)

	ActiveDispatchers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "campgw_active_dispatchers",
			Help: "Dispatchers currently registered in this process",
		},
	)
)

func MustRegister(r prometheus.Registerer) {
	r.MustRegister(
		MessagesTotal,
		CampaignsTotal,
		LockContentionTotal,
		ActiveDispatchers,
	)
}

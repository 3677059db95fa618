// Package metrics exposes prometheus instruments for the credit ledger.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/studiorooms/credits/pkg/credits"
)

// Recorder counts ledger operations by outcome and tracks the state of the
// reconciliation sweep. It doubles as a credits.OperationLogger so the
// service can feed it directly.
type Recorder struct {
	operations      *prometheus.CounterVec
	driftedAccounts prometheus.Gauge
	sweepAccounts   prometheus.Gauge
	expiredAccounts prometheus.Counter
	lastSweepUnix   prometheus.Gauge
}

// NewRecorder builds a Recorder and registers its collectors.
func NewRecorder(registerer prometheus.Registerer) *Recorder {
	recorder := &Recorder{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_ledger_operations_total",
			Help: "Ledger operations by operation name and outcome status.",
		}, []string{"operation", "status"}),
		driftedAccounts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "credit_ledger_drifted_accounts",
			Help: "Accounts whose cached balance disagreed with the ledger sum in the last sweep.",
		}),
		sweepAccounts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "credit_ledger_sweep_accounts",
			Help: "Accounts examined by the last reconciliation sweep.",
		}),
		expiredAccounts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "credit_ledger_expired_accounts_total",
			Help: "Accounts whose remaining credits were zeroed by the expiry sweep.",
		}),
		lastSweepUnix: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "credit_ledger_last_sweep_unix_seconds",
			Help: "Unix timestamp of the last completed reconciliation sweep.",
		}),
	}
	registerer.MustRegister(
		recorder.operations,
		recorder.driftedAccounts,
		recorder.sweepAccounts,
		recorder.expiredAccounts,
		recorder.lastSweepUnix,
	)
	return recorder
}

// LogOperation implements credits.OperationLogger.
func (recorder *Recorder) LogOperation(_ context.Context, entry credits.OperationLog) {
	if recorder == nil {
		return
	}
	recorder.operations.WithLabelValues(entry.Operation, entry.Status).Inc()
}

// ObserveSweep records the outcome of one reconciliation pass.
func (recorder *Recorder) ObserveSweep(accountsChecked, drifted, expired int, completedUnix int64) {
	if recorder == nil {
		return
	}
	recorder.sweepAccounts.Set(float64(accountsChecked))
	recorder.driftedAccounts.Set(float64(drifted))
	recorder.expiredAccounts.Add(float64(expired))
	recorder.lastSweepUnix.Set(float64(completedUnix))
}

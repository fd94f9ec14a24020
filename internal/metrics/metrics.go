// Package metrics declares the Prometheus instruments for the ledger core.
// Everything registers on the default registry; cmd/server exposes it via
// promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LedgerWrites counts mutating ledger operations by table and op.
	LedgerWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quozen_ledger_writes_total",
		Help: "Mutating ledger operations, by table and operation.",
	}, []string{"table", "op"})

	// Conflicts counts optimistic-concurrency conflicts surfaced to callers.
	Conflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quozen_occ_conflicts_total",
		Help: "Update/delete attempts rejected by the OCC identity or freshness check.",
	})

	// Reconciliations counts settings rebuilds from the document listing.
	Reconciliations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quozen_settings_reconciliations_total",
		Help: "Settings cache rebuilds from the authoritative document listing.",
	})
)

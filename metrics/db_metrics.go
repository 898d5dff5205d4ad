package metrics

import (
	"database/sql"
	"log"

	"github.com/prometheus/client_golang/prometheus"
)

func registerDBMetrics(db *sql.DB, logger *log.Logger) {
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "outbox_pending",
			Help: "Outbox messages not yet published",
		},
		func() float64 {
			return queryCount(db, logger, "SELECT COUNT(*) FROM outbox WHERE sent_at IS NULL")
		},
	))

	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "rentals_needing_review",
			Help: "Rentals flagged for operator review",
		},
		func() float64 {
			return queryCount(db, logger, "SELECT COUNT(*) FROM rentals WHERE needs_review = 1")
		},
	))
}

func queryCount(db *sql.DB, logger *log.Logger, query string) float64 {
	var count int64
	if err := db.QueryRow(query).Scan(&count); err != nil {
		if logger != nil {
			logger.Printf("metrics: query failed: %v", err)
		}
		return 0
	}
	if count < 0 {
		return 0
	}
	return float64(count)
}

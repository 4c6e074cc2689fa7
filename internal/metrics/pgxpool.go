package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// RegisterPgxPoolMetrics exposes connection pool saturation as Prometheus
// gauges, sampled lazily at scrape time.
func RegisterPgxPoolMetrics(pool *pgxpool.Pool) {
	gauges := []struct {
		name  string
		help  string
		value func(*pgxpool.Stat) int32
	}{
		{"pgxpool_acquired_conns", "Connections currently checked out of the pool", func(s *pgxpool.Stat) int32 { return s.AcquiredConns() }},
		{"pgxpool_idle_conns", "Connections sitting idle in the pool", func(s *pgxpool.Stat) int32 { return s.IdleConns() }},
		{"pgxpool_total_conns", "Total connections the pool currently holds", func(s *pgxpool.Stat) int32 { return s.TotalConns() }},
		{"pgxpool_max_conns", "Upper bound on pool connections", func(s *pgxpool.Stat) int32 { return s.MaxConns() }},
	}

	for _, g := range gauges {
		value := g.value
		prometheus.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: g.name,
			Help: g.help,
		}, func() float64 {
			return float64(value(pool.Stat()))
		}))
	}
}

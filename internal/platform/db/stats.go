package db

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// PoolCollector exports pgxpool statistics as Prometheus metrics, labelled by
// pool name.
type PoolCollector struct {
	pools map[string]*pgxpool.Pool

	totalConns    *prometheus.Desc
	idleConns     *prometheus.Desc
	acquiredConns *prometheus.Desc
	maxConns      *prometheus.Desc
	acquireCount  *prometheus.Desc
	acquireWait   *prometheus.Desc
}

func NewPoolCollector(pools map[string]*pgxpool.Pool) *PoolCollector {
	labels := []string{"pool"}
	return &PoolCollector{
		pools:         pools,
		totalConns:    prometheus.NewDesc("db_pool_total_connections", "Total connections in the pool", labels, nil),
		idleConns:     prometheus.NewDesc("db_pool_idle_connections", "Idle connections in the pool", labels, nil),
		acquiredConns: prometheus.NewDesc("db_pool_acquired_connections", "Connections currently in use", labels, nil),
		maxConns:      prometheus.NewDesc("db_pool_max_connections", "Maximum pool size", labels, nil),
		acquireCount:  prometheus.NewDesc("db_pool_acquires_total", "Cumulative successful acquires", labels, nil),
		acquireWait:   prometheus.NewDesc("db_pool_acquire_duration_seconds_total", "Cumulative time spent acquiring connections", labels, nil),
	}
}

func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.totalConns
	ch <- c.idleConns
	ch <- c.acquiredConns
	ch <- c.maxConns
	ch <- c.acquireCount
	ch <- c.acquireWait
}

func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	for name, pool := range c.pools {
		s := pool.Stat()
		ch <- prometheus.MustNewConstMetric(c.totalConns, prometheus.GaugeValue, float64(s.TotalConns()), name)
		ch <- prometheus.MustNewConstMetric(c.idleConns, prometheus.GaugeValue, float64(s.IdleConns()), name)
		ch <- prometheus.MustNewConstMetric(c.acquiredConns, prometheus.GaugeValue, float64(s.AcquiredConns()), name)
		ch <- prometheus.MustNewConstMetric(c.maxConns, prometheus.GaugeValue, float64(s.MaxConns()), name)
		ch <- prometheus.MustNewConstMetric(c.acquireCount, prometheus.CounterValue, float64(s.AcquireCount()), name)
		ch <- prometheus.MustNewConstMetric(c.acquireWait, prometheus.CounterValue, s.AcquireDuration().Seconds(), name)
	}
}

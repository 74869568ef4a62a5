package db

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
}

func statsOf(stat *pgxpool.Stat) *PoolStats {
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
	}
}

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

type statter interface {
	Stat() *pgxpool.Stat
}

// DatabaseHealth is one entry of the /health/db response.
type DatabaseHealth struct {
	Name    string     `json:"name"`
	Healthy bool       `json:"healthy"`
	Latency string     `json:"latency"`
	Pool    *PoolStats `json:"pool,omitempty"`
}

// HealthHandler pings every pool and reports 503 if any of them fails. Error
// details are not returned since the endpoint is unauthenticated.
func HealthHandler(pools map[string]Pinger, timeout time.Duration) echo.HandlerFunc {
	names := make([]string, 0, len(pools))
	for name := range pools {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
		defer cancel()

		healthy := true
		results := make([]DatabaseHealth, 0, len(names))
		for _, name := range names {
			p := pools[name]
			start := time.Now()
			err := p.Ping(ctx)
			h := DatabaseHealth{
				Name:    name,
				Healthy: err == nil,
				Latency: time.Since(start).String(),
			}
			if s, ok := p.(statter); ok {
				h.Pool = statsOf(s.Stat())
			}
			healthy = healthy && h.Healthy
			results = append(results, h)
		}

		status, code := "healthy", http.StatusOK
		if !healthy {
			status, code = "unhealthy", http.StatusServiceUnavailable
		}
		return c.JSON(code, map[string]interface{}{
			"status":    status,
			"databases": results,
		})
	}
}

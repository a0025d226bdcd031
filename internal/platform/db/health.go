package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

const checkTimeout = 5 * time.Second

// PoolStats is the pool snapshot reported by /health/db.
type PoolStats struct {
	Total           int32  `json:"total_conns"`
	Idle            int32  `json:"idle_conns"`
	Acquired        int32  `json:"acquired_conns"`
	Max             int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
}

// GetPoolStats snapshots pool counters.
func GetPoolStats(pool *pgxpool.Pool) PoolStats {
	s := pool.Stat()
	return PoolStats{
		Total:           s.TotalConns(),
		Idle:            s.IdleConns(),
		Acquired:        s.AcquiredConns(),
		Max:             s.MaxConns(),
		AcquireCount:    s.AcquireCount(),
		AcquireDuration: s.AcquireDuration().String(),
	}
}

// StatsRecorder receives pool gauges on every health check.
type StatsRecorder interface {
	SetPoolStats(acquired, idle int32)
}

// Pinger is the source a health check reads from. *pgxpool.Pool satisfies
// it through poolPinger.
type Pinger interface {
	Ping(ctx context.Context) error
	Stats() PoolStats
}

type poolPinger struct{ pool *pgxpool.Pool }

func (p poolPinger) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }
func (p poolPinger) Stats() PoolStats               { return GetPoolStats(p.pool) }

// HealthReport is the body of a database health response.
type HealthReport struct {
	Status string    `json:"status"`
	Error  string    `json:"error,omitempty"`
	Pool   PoolStats `json:"pool"`
}

// Check pings through p and records pool gauges on rec, which may be nil.
func Check(ctx context.Context, p Pinger, rec StatsRecorder) HealthReport {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	err := p.Ping(ctx)
	report := HealthReport{Status: "healthy", Pool: p.Stats()}
	if rec != nil {
		rec.SetPoolStats(report.Pool.Acquired, report.Pool.Idle)
	}
	if err != nil {
		report.Status = "unhealthy"
		report.Error = err.Error()
	}
	return report
}

// HealthHandler serves Check against pool.
func HealthHandler(pool *pgxpool.Pool, rec StatsRecorder) echo.HandlerFunc {
	return checkHandler(poolPinger{pool}, rec)
}

func checkHandler(p Pinger, rec StatsRecorder) echo.HandlerFunc {
	return func(c echo.Context) error {
		report := Check(c.Request().Context(), p, rec)
		if report.Error != "" {
			return c.JSON(http.StatusServiceUnavailable, report)
		}
		return c.JSON(http.StatusOK, report)
	}
}

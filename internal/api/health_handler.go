package api

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/segment-engine/internal/pkg/httputil"
)

// Component states reported by a check.
const (
	checkUp       = "up"
	checkDown     = "down"
	checkDegraded = "degraded"
	checkDisabled = "disabled"
)

// HealthReport is the body of GET /health.
type HealthReport struct {
	Status  string                    `json:"status"` // healthy | degraded | unhealthy
	Uptime  string                    `json:"uptime"`
	Started time.Time                 `json:"started_at"`
	Checks  map[string]ComponentCheck `json:"checks"`
}

// ComponentCheck is the result of one dependency probe.
type ComponentCheck struct {
	Status   string `json:"status"`
	Critical bool   `json:"critical,omitempty"`
	Latency  string `json:"latency,omitempty"`
	Message  string `json:"message,omitempty"`
}

// probe describes one named check. critical checks take the whole service
// down when they fail.
type probe struct {
	name     string
	critical bool
	run      func(ctx context.Context) ComponentCheck
}

// HealthChecker probes Postgres, the optional Redis lease store and the
// segment claims table.
type HealthChecker struct {
	db      *sql.DB
	redis   *redis.Client
	started time.Time
	probes  []probe
}

// NewHealthChecker creates a checker. redisClient may be nil.
func NewHealthChecker(db *sql.DB, redisClient *redis.Client) *HealthChecker {
	hc := &HealthChecker{db: db, redis: redisClient, started: time.Now()}
	hc.probes = []probe{
		{name: "database", critical: true, run: hc.checkDatabase},
		{name: "redis", run: hc.checkRedis},
		{name: "claims", run: hc.checkClaims},
	}
	return hc
}

// HandleHealth reports every component. Always 200.
func (hc *HealthChecker) HandleHealth(w http.ResponseWriter, r *http.Request) {
	checks := hc.runAllChecks(r.Context())
	httputil.OK(w, HealthReport{
		Status:  determineOverallStatus(checks),
		Uptime:  formatUptime(time.Since(hc.started)),
		Started: hc.started.UTC(),
		Checks:  checks,
	})
}

// HandleLiveness answers while the process can serve HTTP.
func (hc *HealthChecker) HandleLiveness(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]string{
		"status": "alive",
		"uptime": formatUptime(time.Since(hc.started)),
	})
}

// HandleReadiness is 503 while a critical component is down.
func (hc *HealthChecker) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	checks := hc.runAllChecks(r.Context())
	overall := determineOverallStatus(checks)

	status := http.StatusOK
	if overall == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	httputil.JSON(w, status, map[string]interface{}{
		"ready":  status == http.StatusOK,
		"status": overall,
		"checks": checks,
	})
}

func (hc *HealthChecker) runAllChecks(ctx context.Context) map[string]ComponentCheck {
	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		checks = make(map[string]ComponentCheck, len(hc.probes))
	)
	for _, p := range hc.probes {
		wg.Add(1)
		go func(p probe) {
			defer wg.Done()
			c := p.run(ctx)
			c.Critical = p.critical
			mu.Lock()
			checks[p.name] = c
			mu.Unlock()
		}(p)
	}
	wg.Wait()
	return checks
}

// timed runs fn under timeout and grades the result by latency.
func timed(ctx context.Context, timeout, slow time.Duration, fn func(context.Context) error) ComponentCheck {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	latency := time.Since(start)

	switch {
	case err != nil:
		return ComponentCheck{Status: checkDown, Latency: latency.String(), Message: err.Error()}
	case latency > slow:
		return ComponentCheck{Status: checkDegraded, Latency: latency.String(), Message: fmt.Sprintf("slow response (%s)", latency)}
	default:
		return ComponentCheck{Status: checkUp, Latency: latency.String()}
	}
}

func (hc *HealthChecker) checkDatabase(ctx context.Context) ComponentCheck {
	if hc.db == nil {
		return ComponentCheck{Status: checkDown, Message: "no database handle"}
	}
	return timed(ctx, 3*time.Second, time.Second, hc.db.PingContext)
}

// checkRedis is disabled without a client; leases then use PG advisory locks.
func (hc *HealthChecker) checkRedis(ctx context.Context) ComponentCheck {
	if hc.redis == nil {
		return ComponentCheck{Status: checkDisabled, Message: "using PG advisory locks"}
	}
	return timed(ctx, 2*time.Second, 500*time.Millisecond, func(ctx context.Context) error {
		return hc.redis.Ping(ctx).Err()
	})
}

// checkClaims counts segments left in_progress past their lease. The worker
// resets them every tick, so a non-zero count means no worker is running.
func (hc *HealthChecker) checkClaims(ctx context.Context) ComponentCheck {
	if hc.db == nil {
		return ComponentCheck{Status: checkDisabled}
	}
	var stale int
	c := timed(ctx, 3*time.Second, time.Second, func(ctx context.Context) error {
		return hc.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM segments
			WHERE status = 'in_progress' AND claimed_until < NOW()`).Scan(&stale)
	})
	if c.Status == checkDown {
		c.Status = checkDegraded
		return c
	}
	if stale > 0 {
		c.Status = checkDegraded
		c.Message = fmt.Sprintf("%d segments stuck in_progress past their lease", stale)
	}
	return c
}

// determineOverallStatus is unhealthy when a critical check is down and
// degraded when any other check is down or degraded.
func determineOverallStatus(checks map[string]ComponentCheck) string {
	overall := "healthy"
	for _, c := range checks {
		switch c.Status {
		case checkDown:
			if c.Critical {
				return "unhealthy"
			}
			overall = "degraded"
		case checkDegraded:
			overall = "degraded"
		}
	}
	return overall
}

// formatUptime renders d like "3d 4h 12m 5s", dropping leading zero units.
func formatUptime(d time.Duration) string {
	s := int(d.Seconds())
	days, s := s/86400, s%86400
	hours, s := s/3600, s%3600
	minutes, seconds := s/60, s%60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	case hours > 0:
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}

package server

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"golang.org/x/time/rate"

	"github.com/adred-codev/cipherbase/internal/config"
	"github.com/adred-codev/cipherbase/internal/monitoring"
)

// Guard performs admission control on WebSocket upgrades: a hard
// connection cap, a CPU safety threshold, and per-IP plus global
// upgrade rate limits.
type Guard struct {
	logger zerolog.Logger

	maxConnections int
	cpuThreshold   float64
	cpuPercent     atomic.Uint64 // float64 bits
	connections    atomic.Int64

	globalLimiter *rate.Limiter

	ipMu       sync.Mutex
	ipLimiters map[string]*ipEntry
	ipBurst    int
	ipRate     float64
}

type ipEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

const ipEntryTTL = 5 * time.Minute

// NewGuard builds the guard from config.
func NewGuard(cfg *config.Config, logger zerolog.Logger) *Guard {
	return &Guard{
		logger:         logger.With().Str("component", "guard").Logger(),
		maxConnections: cfg.MaxConnections,
		cpuThreshold:   cfg.CPURejectThreshold,
		globalLimiter:  rate.NewLimiter(rate.Limit(cfg.ConnRateGlobalRate), cfg.ConnRateGlobalBurst),
		ipLimiters:     make(map[string]*ipEntry),
		ipBurst:        cfg.ConnRateIPBurst,
		ipRate:         cfg.ConnRateIPRate,
	}
}

// Start launches CPU sampling and stale-IP cleanup until ctx ends.
func (g *Guard) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	go func() {
		defer monitoring.RecoverPanic(g.logger, "guard", nil)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
					g.cpuPercent.Store(math.Float64bits(pcts[0]))
				}
				g.cleanup()
			}
		}
	}()
}

// ConnectionOpened records an accepted connection.
func (g *Guard) ConnectionOpened() { g.connections.Add(1) }

// ConnectionClosed records a finished connection.
func (g *Guard) ConnectionClosed() { g.connections.Add(-1) }

// Admit decides whether an upgrade from ip may proceed. The returned
// reason labels the rejection for metrics.
func (g *Guard) Admit(ip string) (bool, string) {
	if g.connections.Load() >= int64(g.maxConnections) {
		return false, "overload"
	}
	if cpu := math.Float64frombits(g.cpuPercent.Load()); cpu >= g.cpuThreshold {
		g.logger.Warn().Float64("cpu_percent", cpu).Msg("Upgrade rejected above CPU threshold")
		return false, "overload"
	}
	if !g.globalLimiter.Allow() {
		return false, "rate_limit"
	}
	if !g.ipLimiter(ip).Allow() {
		return false, "rate_limit"
	}
	return true, ""
}

func (g *Guard) ipLimiter(ip string) *rate.Limiter {
	g.ipMu.Lock()
	defer g.ipMu.Unlock()
	entry, ok := g.ipLimiters[ip]
	if !ok {
		entry = &ipEntry{limiter: rate.NewLimiter(rate.Limit(g.ipRate), g.ipBurst)}
		g.ipLimiters[ip] = entry
	}
	entry.lastAccess = time.Now()
	return entry.limiter
}

func (g *Guard) cleanup() {
	g.ipMu.Lock()
	defer g.ipMu.Unlock()
	cutoff := time.Now().Add(-ipEntryTTL)
	for ip, entry := range g.ipLimiters {
		if entry.lastAccess.Before(cutoff) {
			delete(g.ipLimiters, ip)
		}
	}
}

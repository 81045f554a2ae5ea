package server

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ojpio/ojp-go/config"
)

// MonitoringManager prints periodic diagnostics for the supplemented query
// cache and SQL validator, and registers them as "function" ops so a client
// can poll them on demand. Grounded on the teacher's MonitoringManager
// (server/monitoring.go), adapted to the new config.ServerConfig.
type MonitoringManager struct {
	handler   *Handler
	cfg       *config.ServerConfig
	enabled   bool
	interval  time.Duration
	startTime time.Time
	stopChan  chan struct{}
}

// NewMonitoringManager creates a new monitoring manager.
func NewMonitoringManager(handler *Handler, cfg *config.ServerConfig) *MonitoringManager {
	return &MonitoringManager{
		handler:   handler,
		cfg:       cfg,
		enabled:   true,
		interval:  30 * time.Second,
		startTime: time.Now(),
		stopChan:  make(chan struct{}),
	}
}

// Start begins the periodic reporting loop.
func (mm *MonitoringManager) Start() {
	if !mm.enabled {
		return
	}
	go mm.monitoringLoop()
	log.Printf("[monitoring] started, interval=%v", mm.interval)
}

// Stop stops the monitoring manager.
func (mm *MonitoringManager) Stop() {
	close(mm.stopChan)
	log.Printf("[monitoring] stopped")
}

func (mm *MonitoringManager) monitoringLoop() {
	ticker := time.NewTicker(mm.interval)
	defer ticker.Stop()
	for {
		select {
		case <-mm.stopChan:
			return
		case <-ticker.C:
			mm.printComprehensiveStats()
		}
	}
}

func (mm *MonitoringManager) printComprehensiveStats() {
	cacheStats := mm.handler.GetCacheStats()
	validationStats := mm.handler.GetSQLValidationStats()

	totalActivity := cacheStats.TotalRequests + validationStats.TotalQueries
	if totalActivity == 0 {
		fmt.Printf("system status: idle (uptime %v)\n", time.Since(mm.startTime).Round(time.Second))
		return
	}

	fmt.Printf("\n" + strings.Repeat("=", 60) + "\n")
	fmt.Printf("system report - %s\n", time.Now().Format("15:04:05"))
	fmt.Printf(strings.Repeat("=", 60) + "\n")
	fmt.Printf("uptime: %v\n", time.Since(mm.startTime).Round(time.Second))

	fmt.Printf("\ncache: requests=%d hits=%d misses=%d size=%d evictions=%d expirations=%d\n",
		cacheStats.TotalRequests, cacheStats.Hits, cacheStats.Misses, cacheStats.CurrentSize,
		cacheStats.Evictions, cacheStats.Expirations)
	if cacheStats.TotalRequests > 0 {
		hitRatio := float64(cacheStats.Hits) / float64(cacheStats.TotalRequests) * 100
		fmt.Printf("  hit ratio: %.2f%%\n", hitRatio)
	}

	fmt.Printf("\nvalidation: total=%d valid=%d blocked=%d injection_attempts=%d\n",
		validationStats.TotalQueries, validationStats.ValidQueries, validationStats.BlockedQueries,
		validationStats.InjectionAttempts)
	if validationStats.TotalQueries > 0 {
		blockRate := float64(validationStats.BlockedQueries) / float64(validationStats.TotalQueries)
		injectionRate := float64(validationStats.InjectionAttempts) / float64(validationStats.TotalQueries)
		fmt.Printf("  block rate: %.2f%% injection rate: %.2f%% security level: %s\n",
			blockRate*100, injectionRate*100, mm.getSecurityLevel(blockRate, injectionRate))
	}
	fmt.Printf(strings.Repeat("=", 60) + "\n")
}

func (mm *MonitoringManager) getSecurityLevel(blockRate, injectionRate float64) string {
	switch {
	case injectionRate > 0.1:
		return "HIGH"
	case blockRate > 0.2:
		return "MEDIUM"
	case injectionRate > 0.01:
		return "ELEVATED"
	default:
		return "LOW"
	}
}

// DisplayConfiguration prints the server's effective configuration at
// startup, matching the teacher's DisplayConfiguration.
func (mm *MonitoringManager) DisplayConfiguration() {
	fmt.Printf("ojp-server configuration\n")
	fmt.Printf("=========================\n")
	fmt.Printf("port: %d\n", mm.cfg.Port)
	fmt.Printf("thread pool size: %d\n", mm.cfg.ThreadPoolSize)
	fmt.Printf("session timeout: %v cleanup interval: %v\n", mm.cfg.SessionTimeout, mm.cfg.SessionCleanupInterval)
	fmt.Printf("slow query segregation: enabled=%v slowSlotPercentage=%.2f\n",
		mm.cfg.SlowQuerySegregationEnabled, mm.cfg.SlowSlotPercentage)
	fmt.Printf("xa pool: enabled=%v maxPoolSize=%d minIdle=%d\n",
		mm.cfg.XAPoolEnabled, mm.cfg.XAMaxPoolSize, mm.cfg.XAMinIdle)
	fmt.Printf("ordinary pool: maxIdle=%d maxOpen=%d lifetime=%v\n",
		mm.cfg.PoolMaxIdleConns, mm.cfg.PoolMaxOpenConns, mm.cfg.PoolConnMaxLifetime)
	fmt.Printf("workers: %d queue: %d\n", mm.cfg.WorkerCount, mm.cfg.QueueSize)
}

// RegisterMonitoringFunctions exposes the diagnostic statistics above as
// "function" op targets a client can poll on demand.
func (mm *MonitoringManager) RegisterMonitoringFunctions() {
	mm.handler.RegisterFunction("getCacheStats", func() map[string]interface{} {
		stats := mm.handler.GetCacheStats()
		hitRatio := float64(0)
		if stats.TotalRequests > 0 {
			hitRatio = float64(stats.Hits) / float64(stats.TotalRequests)
		}
		return map[string]interface{}{
			"hits":           stats.Hits,
			"misses":         stats.Misses,
			"hit_ratio":      hitRatio,
			"total_requests": stats.TotalRequests,
			"current_size":   stats.CurrentSize,
			"evictions":      stats.Evictions,
			"expirations":    stats.Expirations,
		}
	})

	mm.handler.RegisterFunction("getValidationStats", func() map[string]interface{} {
		stats := mm.handler.GetSQLValidationStats()
		blockRate, injectionRate := float64(0), float64(0)
		if stats.TotalQueries > 0 {
			blockRate = float64(stats.BlockedQueries) / float64(stats.TotalQueries)
			injectionRate = float64(stats.InjectionAttempts) / float64(stats.TotalQueries)
		}
		return map[string]interface{}{
			"total_queries":      stats.TotalQueries,
			"valid_queries":      stats.ValidQueries,
			"blocked_queries":    stats.BlockedQueries,
			"injection_attempts": stats.InjectionAttempts,
			"block_rate":         blockRate,
			"injection_rate":     injectionRate,
			"security_level":     mm.getSecurityLevel(blockRate, injectionRate),
		}
	})

	mm.handler.RegisterFunction("getSystemStatus", func() map[string]interface{} {
		cacheStats := mm.handler.GetCacheStats()
		validationStats := mm.handler.GetSQLValidationStats()
		return map[string]interface{}{
			"status": "healthy",
			"uptime": time.Since(mm.startTime).String(),
			"cache":  cacheStats.CurrentSize,
			"queries": validationStats.TotalQueries,
		}
	})

	mm.handler.RegisterFunction("clearAllCaches", func() string {
		mm.handler.ClearCache()
		return "caches cleared"
	})
}

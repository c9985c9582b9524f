// Package health collects the /health/json report: dependency pings, request traffic recorded by
// the health marker middleware, and the ledger's own backlog.
package health

import (
	"context"
	"encoding/json"
	"runtime"
	"strconv"
	"time"

	"atlas-ledger/internal/application/notifications"
	"atlas-ledger/internal/application/operations"
	"atlas-ledger/internal/middleware"

	"github.com/redis/go-redis/v9"
)

// DBPinger is optional for health check. If nil, database is reported as disconnected.
type DBPinger interface {
	Ping() error
}

// PendingReporter reports the PENDING operation backlog.
type PendingReporter interface {
	Pending(ctx context.Context) (operations.PendingStats, error)
}

// NotificationReporter reports post-commit delivery counters.
type NotificationReporter interface {
	Stats() notifications.Stats
}

// Sources are the dependencies a report reads. Any of them may be nil.
type Sources struct {
	DB            DBPinger
	Rdb           *redis.Client
	Operations    PendingReporter
	Notifications NotificationReporter
	// StaleAfter marks the report degraded once the oldest PENDING operation is older.
	StaleAfter time.Duration
}

type CollectResult struct {
	Status       string               `json:"status"`
	Runtime      RuntimeInfo          `json:"runtime"`
	Traffic      TrafficInfo          `json:"traffic"`
	Dependencies map[string]DepStatus `json:"dependencies"`
	Ledger       LedgerInfo           `json:"ledger"`
}

type RuntimeInfo struct {
	UptimeSeconds int64      `json:"uptimeSeconds"`
	Memory        MemoryInfo `json:"memory"`
	Goroutines    int        `json:"goroutines"`
	Platform      string     `json:"platform"`
	GoVersion     string     `json:"goVersion"`
}

type MemoryInfo struct {
	Alloc    int `json:"alloc"`
	HeapUsed int `json:"heapUsed"`
}

type TrafficInfo struct {
	TotalRequests   int         `json:"totalRequests"`
	SuccessCount    int         `json:"successCount"`
	FailedCount     int         `json:"failedCount"`
	ConflictCount   int         `json:"conflictCount"`
	SuccessRate     string      `json:"successRate"`
	AvgResponseTime interface{} `json:"avgResponseTime"`
	LastRequest     interface{} `json:"lastRequest"`
}

type DepStatus struct {
	Status string      `json:"status"`
	PingMs interface{} `json:"pingMs"`
}

type LedgerInfo struct {
	Pending       *operations.PendingStats `json:"pendingOperations,omitempty"`
	Notifications *notifications.Stats     `json:"notifications,omitempty"`
}

// Report statuses.
const (
	StatusOK       = "ok"
	StatusIssue    = "issue"
	StatusDegraded = "degraded"
)

// CollectHealth gathers health data from the configured sources.
func CollectHealth(ctx context.Context, src Sources) CollectResult {
	result := CollectResult{Dependencies: make(map[string]DepStatus)}

	dbStatus := "disconnected"
	var dbPingMs *int64
	if src.DB != nil {
		start := time.Now()
		if err := src.DB.Ping(); err == nil {
			ms := time.Since(start).Milliseconds()
			dbPingMs = &ms
			dbStatus = "connected"
		} else {
			dbStatus = "error"
		}
	}
	result.Dependencies["database"] = DepStatus{Status: dbStatus, PingMs: dbPingMs}

	redisStatus := "disconnected"
	var redisPingMs *int64
	stats := TrafficInfo{AvgResponseTime: 0, SuccessRate: "100"}
	startTimeMs := time.Now().UnixMilli()
	if rdb := src.Rdb; rdb != nil {
		start := time.Now()
		if err := rdb.Ping(ctx).Err(); err == nil {
			ms := time.Since(start).Milliseconds()
			redisPingMs = &ms
			redisStatus = "connected"

			totalReq, _ := rdb.Get(ctx, middleware.KeyReqTotal).Result()
			totalErr, _ := rdb.Get(ctx, middleware.KeyReqErrors).Result()
			conflicts, _ := rdb.Get(ctx, middleware.KeyConflicts).Result()
			totalTime, _ := rdb.Get(ctx, middleware.KeyResTime).Result()
			resCount, _ := rdb.Get(ctx, middleware.KeyResCount).Result()
			startTimeStr, _ := rdb.Get(ctx, middleware.KeyStartTime).Result()
			lastReqStr, _ := rdb.Get(ctx, middleware.KeyLastReq).Result()

			if startTimeStr != "" {
				if t, err := strconv.ParseInt(startTimeStr, 10, 64); err == nil {
					startTimeMs = t
				}
			} else {
				rdb.Set(ctx, middleware.KeyStartTime, startTimeMs, 0)
			}

			stats.TotalRequests, _ = strconv.Atoi(totalReq)
			stats.FailedCount, _ = strconv.Atoi(totalErr)
			stats.ConflictCount, _ = strconv.Atoi(conflicts)
			stats.SuccessCount = stats.TotalRequests - stats.FailedCount
			if stats.TotalRequests > 0 {
				stats.SuccessRate = strconv.FormatFloat(float64(stats.SuccessCount)/float64(stats.TotalRequests)*100, 'f', 1, 64)
			}
			timeSum, _ := strconv.ParseFloat(totalTime, 64)
			countSum, _ := strconv.Atoi(resCount)
			if countSum > 0 {
				stats.AvgResponseTime = strconv.FormatFloat(timeSum/float64(countSum), 'f', 2, 64)
			}
			if lastReqStr != "" {
				var lastReq map[string]interface{}
				_ = json.Unmarshal([]byte(lastReqStr), &lastReq)
				stats.LastRequest = lastReq
			}
		} else {
			redisStatus = "error"
		}
	}
	result.Dependencies["redis"] = DepStatus{Status: redisStatus, PingMs: redisPingMs}
	result.Traffic = stats

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	uptimeSec := (time.Now().UnixMilli() - startTimeMs) / 1000
	if uptimeSec < 0 {
		uptimeSec = 0
	}
	result.Runtime = RuntimeInfo{
		UptimeSeconds: uptimeSec,
		Memory:        MemoryInfo{Alloc: int(m.Alloc / 1024 / 1024), HeapUsed: int(m.HeapInuse / 1024 / 1024)},
		Goroutines:    runtime.NumGoroutine(),
		Platform:      runtime.GOOS + " (" + runtime.GOARCH + ")",
		GoVersion:     runtime.Version(),
	}

	stale := false
	if src.Operations != nil {
		if p, err := src.Operations.Pending(ctx); err == nil {
			result.Ledger.Pending = &p
			stale = src.StaleAfter > 0 && time.Duration(p.OldestAgeMs)*time.Millisecond > src.StaleAfter
		}
	}
	if src.Notifications != nil {
		n := src.Notifications.Stats()
		result.Ledger.Notifications = &n
	}

	switch {
	case dbStatus != "connected" || redisStatus != "connected":
		result.Status = StatusIssue
	case stale:
		result.Status = StatusDegraded
	default:
		result.Status = StatusOK
	}
	return result
}

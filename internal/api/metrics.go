package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/domintell-bridge/internal/accessory"
	"github.com/nerrad567/domintell-bridge/internal/bridges/domintell"
)

// SystemMetrics is the body of GET /api/v1/metrics.
type SystemMetrics struct {
	Timestamp     string                `json:"timestamp"`
	Version       string                `json:"version"`
	UptimeSeconds int64                 `json:"uptime_seconds"`
	Runtime       RuntimeMetrics        `json:"runtime"`
	WebSocket     WSMetrics             `json:"websocket"`
	MQTT          MQTTMetrics           `json:"mqtt"`
	Bridge        domintell.BridgeStats `json:"bridge"`
	Accessories   AccessoryMetrics      `json:"accessories"`
	Database      *DatabaseMetrics      `json:"database,omitempty"`
}

type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

type WSMetrics struct {
	ConnectedClients int `json:"connected_clients"`
}

type MQTTMetrics struct {
	Connected bool `json:"connected"`
}

// AccessoryMetrics counts cached accessories per kind.
type AccessoryMetrics struct {
	Total  int            `json:"total"`
	ByKind map[string]int `json:"by_kind"`
}

// DatabaseMetrics is a subset of sql.DBStats.
type DatabaseMetrics struct {
	OpenConnections int   `json:"open_connections"`
	InUse           int   `json:"in_use"`
	Idle            int   `json:"idle"`
	WaitCount       int64 `json:"wait_count"`
}

const bytesPerMB = 1 << 20

func readRuntimeMetrics() RuntimeMetrics {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return RuntimeMetrics{
		Goroutines:    runtime.NumGoroutine(),
		MemoryAllocMB: float64(m.Alloc) / bytesPerMB,
		MemoryTotalMB: float64(m.TotalAlloc) / bytesPerMB,
		NumGC:         m.NumGC,
	}
}

func countByKind(list []accessory.Accessory) AccessoryMetrics {
	out := AccessoryMetrics{Total: len(list), ByKind: make(map[string]int)}
	for _, a := range list {
		out.ByKind[a.Kind]++
	}
	return out
}

// handleMetrics serves GET /api/v1/metrics. The mqtt and database sections
// are present only when those dependencies are wired.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime:       readRuntimeMetrics(),
		WebSocket:     WSMetrics{ConnectedClients: s.hub.ClientCount()},
		Bridge:        s.bridge.Stats(),
		Accessories:   countByKind(s.accessories.List()),
	}
	if s.mqtt != nil {
		metrics.MQTT.Connected = s.mqtt.IsConnected()
	}
	if s.db != nil {
		st := s.db.Stats()
		metrics.Database = &DatabaseMetrics{
			OpenConnections: st.OpenConnections,
			InUse:           st.InUse,
			Idle:            st.Idle,
			WaitCount:       st.WaitCount,
		}
	}

	writeJSON(w, http.StatusOK, metrics)
}

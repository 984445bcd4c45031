package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/gray-logic-ble/internal/bridges/ble"
	"github.com/nerrad567/gray-logic-ble/internal/discovery"
	"github.com/nerrad567/gray-logic-ble/internal/infrastructure/mqtt"
)

// SystemMetrics represents the complete system metrics response.
type SystemMetrics struct {
	Timestamp     string                `json:"timestamp"`
	Version       string                `json:"version"`
	UptimeSeconds int64                 `json:"uptime_seconds"`
	Runtime       RuntimeMetrics        `json:"runtime"`
	WebSocket     WSMetrics             `json:"websocket"`
	MQTT          *MQTTMetrics          `json:"mqtt,omitempty"`
	Scanner       discovery.Status      `json:"scanner"`
	Bridge        *ble.BridgeStatistics `json:"bridge,omitempty"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains WebSocket hub statistics.
type WSMetrics struct {
	ConnectedClients int `json:"connected_clients"`
}

// MQTTMetrics contains MQTT client statistics. Connection history is
// present only when the client reports it.
type MQTTMetrics struct {
	Connected bool                  `json:"connected"`
	History   *mqtt.ConnectionStats `json:"history,omitempty"`
}

// connectionHistory is implemented by *mqtt.Client.
type connectionHistory interface {
	Stats() mqtt.ConnectionStats
}

// handleMetrics returns runtime, hub, MQTT and bridge metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		WebSocket: WSMetrics{
			ConnectedClients: s.hub.ClientCount(),
		},
		Scanner: s.scanner.Status(),
	}

	if s.mqtt != nil {
		metrics.MQTT = &MQTTMetrics{Connected: s.mqtt.IsConnected()}
		if h, ok := s.mqtt.(connectionHistory); ok {
			stats := h.Stats()
			metrics.MQTT.History = &stats
		}
	}
	if s.bridge != nil {
		stats := s.bridge.Statistics()
		metrics.Bridge = &stats
	}

	writeJSON(w, http.StatusOK, metrics)
}

// Package api implements the HTTP REST API and WebSocket server for the
// BLE lock discovery bridge.
//
// This package provides:
//   - REST endpoints for scanner status and control, the smart lock
//     registry and the discovery journal
//   - WebSocket hub relaying controller events to subscribed clients
//   - Middleware stack (request ID, logging, recovery, CORS)
//   - Optional bearer JWT checks: viewer tokens read, operator tokens
//     also start and stop scans. Without api.auth.jwt_secret the API is open.
//
// # Endpoints
//
//	GET  /api/v1/health          liveness and version
//	GET  /api/v1/metrics         runtime, MQTT, bridge and hub counters
//	GET  /api/v1/scanner         controller status
//	POST /api/v1/scanner/start   start scanning (?mode=active for active)
//	POST /api/v1/scanner/stop    stop scanning
//	GET  /api/v1/locks           discovered locks in discovery order
//	GET  /api/v1/locks/{id}      one lock
//	GET  /api/v1/journal         discovery journal (?action, lock_id, limit, offset)
//	GET  /api/v1/ws              WebSocket upgrade
//
// # WebSocket channels
//
// Clients subscribe with {"type":"subscribe","payload":{"channels":[...]}}.
// Channels: ble.state, ble.scanning, ble.lock_discovered, ble.lock_updated.
//
// # Graceful Degradation
//
// MQTT and the journal are optional. Without them the metrics omit the MQTT
// section and /journal answers 503.
package api

// Package ble implements the BLE smart lock bridge for Gray Logic.
//
// The bridge sits between the discovery controller and the MQTT bus:
//
//	┌─────────────────┐          ┌─────────────────┐
//	│   Gray Logic    │   MQTT   │   BLE Bridge    │  controller
//	│      Core       │◄────────►│   (this pkg)    │◄──────────── BLE adapter
//	└─────────────────┘          └─────────────────┘
//
// # Topics
//
//	graylogic/discovery/ble          new locks (QoS 1)
//	graylogic/state/ble/{lock_id}    lock state (QoS 1, retained)
//	graylogic/health/ble             bridge health (QoS 1, retained)
//	graylogic/command/ble/scanner    {"id":"...","command":"start|start_active|stop|status"}
//	graylogic/ack/ble/scanner        command acknowledgements
//
// A state message is published on discovery and again only when a lock's
// manufacturer payload changes, so retained state never churns on RSSI.
//
// # Side channels
//
// When configured, each discovery and payload change is written to InfluxDB
// as a ble_sighting point, and scanner lifecycle plus discoveries are
// appended to the discovery journal.
package ble

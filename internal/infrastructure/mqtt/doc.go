// Package mqtt connects the BLE service to the Gray Logic broker.
//
// The service publishes retained lock state, health and discovery
// announcements, and takes scanner commands. Client keeps its
// subscriptions across reconnects and owns the retained service status on
// graylogic/system/status: online on every connect, offline on Close, and
// an LWT for crashes.
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	topics := mqtt.Topics{}
//	err = client.Subscribe(topics.BridgeCommand(mqtt.ProtocolBLE, mqtt.ScannerAddress), 1, handleCommand)
//	err = client.Publish(topics.BridgeState(mqtt.ProtocolBLE, lockID), payload, 1, true)
//
// Production brokers should have cfg.Broker.TLS set; payloads are not
// encrypted beyond the transport.
package mqtt

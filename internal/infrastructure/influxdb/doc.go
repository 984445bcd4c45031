// Package influxdb records BLE time series: one point per accepted lock
// sighting and one per scanner lifecycle change. Points are batched by the
// influxdb-client-go v2 non-blocking writer using the batch_size and
// flush_interval settings.
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//	client.SetOnError(func(err error) { log.Error("influx write", "error", err) })
//	client.WriteSighting(influxdb.Sighting{LockID: "54:d2:72:0a:1b:2c", RSSI: -61})
package influxdb

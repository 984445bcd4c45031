package influxdb

import "errors"

// Errors returned by Connect and HealthCheck. Write failures are
// asynchronous and go to the SetOnError callback instead.
var (
	ErrDisabled         = errors.New("influxdb: disabled in configuration")
	ErrConnectionFailed = errors.New("influxdb: cannot reach server")
	ErrNotConnected     = errors.New("influxdb: not connected")
)

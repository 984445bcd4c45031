package influxdb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/gray-logic-ble/internal/infrastructure/config"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPingTimeout    = 5 * time.Second

	defaultBatchSize     = 100
	defaultFlushInterval = 10 * time.Second

	defaultSightingMeasurement = "ble_sighting"
	defaultScannerMeasurement  = "ble_scanner"
)

// Sighting is one accepted advertisement from a smart lock.
type Sighting struct {
	LockID     string
	Name       string
	RSSI       int
	PayloadLen int
	Time       time.Time
}

// Client batches lock sightings and scanner state into one bucket. Writes
// never block the caller; failures surface through SetOnError.
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI

	sighting string // measurement names
	scanner  string

	mu        sync.RWMutex
	connected bool
	onError   func(err error)
}

// Connect pings the server and opens a batching writer on cfg's bucket.
// Sightings and scanner state go to the measurements named in
// cfg.Measurements, defaulting to ble_sighting and ble_scanner.
func Connect(cfg config.InfluxDBConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, writeOptions(cfg))

	ctx, cancel := context.WithTimeout(context.Background(), defaultConnectTimeout)
	defer cancel()
	if err := ping(ctx, client); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrConnectionFailed, cfg.URL, err)
	}

	c := newClient(client.WriteAPI(cfg.Org, cfg.Bucket), cfg.Measurements)
	c.client = client
	go c.forwardErrors(c.writeAPI.Errors())
	return c, nil
}

func newClient(w api.WriteAPI, m config.InfluxMeasurements) *Client {
	c := &Client{
		writeAPI:  w,
		sighting:  m.Sighting,
		scanner:   m.Scanner,
		connected: true,
	}
	if c.sighting == "" {
		c.sighting = defaultSightingMeasurement
	}
	if c.scanner == "" {
		c.scanner = defaultScannerMeasurement
	}
	return c
}

// writeOptions maps batch settings; the client takes the flush interval in
// milliseconds.
func writeOptions(cfg config.InfluxDBConfig) *influxdb2.Options {
	batch := uint(defaultBatchSize)
	if cfg.BatchSize > 0 {
		batch = uint(cfg.BatchSize)
	}
	flush := defaultFlushInterval
	if cfg.FlushInterval > 0 {
		flush = time.Duration(cfg.FlushInterval) * time.Second
	}
	return influxdb2.DefaultOptions().
		SetBatchSize(batch).
		SetFlushInterval(uint(flush.Milliseconds())) // #nosec G115 -- positive by construction
}

func ping(ctx context.Context, client influxdb2.Client) error {
	healthy, err := client.Ping(ctx)
	if err != nil {
		return err
	}
	if !healthy {
		return errors.New("server not healthy")
	}
	return nil
}

func (c *Client) forwardErrors(errs <-chan error) {
	for err := range errs {
		c.mu.RLock()
		callback := c.onError
		c.mu.RUnlock()
		if callback != nil {
			callback(err)
		}
	}
}

// WriteSighting records a lock sighting. The lock ID is the only tag; the
// advertised name can change, so it is a field.
func (c *Client) WriteSighting(s Sighting) {
	if !c.IsConnected() {
		return
	}
	ts := s.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	fields := map[string]interface{}{
		"rssi":        s.RSSI,
		"payload_len": s.PayloadLen,
	}
	if s.Name != "" {
		fields["name"] = s.Name
	}
	c.writeAPI.WritePoint(write.NewPoint(c.sighting, map[string]string{"lock_id": s.LockID}, fields, ts))
}

// WriteScannerState records the scanner status after a lifecycle change.
func (c *Client) WriteScannerState(adapterState string, scanning bool, locks int) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(
		c.scanner,
		map[string]string{"adapter_state": adapterState},
		map[string]interface{}{"scanning": scanning, "locks": locks},
		time.Now(),
	))
}

// Close flushes buffered points and releases the client. Later writes are
// dropped.
func (c *Client) Close() error {
	c.mu.Lock()
	wasConnected := c.connected
	c.connected = false
	c.mu.Unlock()

	if !wasConnected {
		return nil
	}
	c.writeAPI.Flush()
	if c.client != nil {
		c.client.Close()
	}
	return nil
}

// HealthCheck pings the server.
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.IsConnected() || c.client == nil {
		return ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()
	if err := ping(ctx, c.client); err != nil {
		return fmt.Errorf("influxdb health check: %w", err)
	}
	return nil
}

// IsConnected reports whether Close has not yet run.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// SetOnError sets the callback for asynchronous write failures.
func (c *Client) SetOnError(callback func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = callback
}

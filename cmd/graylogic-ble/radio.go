package main

import (
	"context"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-ble/internal/ble/fake"
	"github.com/nerrad567/gray-logic-ble/internal/ble/h4"
	"github.com/nerrad567/gray-logic-ble/internal/ble/hci"
	"github.com/nerrad567/gray-logic-ble/internal/discovery"
	"github.com/nerrad567/gray-logic-ble/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-ble/internal/infrastructure/logging"
)

// radio is a discovery adapter with an explicit open/close lifecycle.
type radio interface {
	discovery.Adapter
	Open() error
	Close() error
}

// simulatedRadio powers the fake adapter on when opened.
type simulatedRadio struct {
	*fake.Adapter
}

func (r simulatedRadio) Open() error {
	r.PowerOn()
	return nil
}

// newRadio selects the backend named by cfg.Adapter.
func newRadio(cfg config.BLEConfig, log *logging.Logger) (radio, error) {
	switch cfg.Adapter {
	case config.AdapterHCI:
		return hci.New(hci.Options{DeviceID: cfg.DeviceID, Logger: log}), nil
	case config.AdapterH4:
		return h4.New(h4.Options{PortName: cfg.SerialPort, BaudRate: cfg.BaudRate, Logger: log}), nil
	case config.AdapterSimulate:
		return simulatedRadio{fake.New(fake.Options{})}, nil
	default:
		return nil, fmt.Errorf("unknown ble adapter %q", cfg.Adapter)
	}
}

// buildFilter turns the configured beacon UUIDs and name prefixes into one
// filter; an advertisement matching either kind is a lock.
func buildFilter(cfg config.BLEFilterConfig) (discovery.Filter, error) {
	var filters []discovery.Filter
	if len(cfg.BeaconUUIDs) > 0 {
		f, err := discovery.NewBeaconFilter(cfg.BeaconUUIDs...)
		if err != nil {
			return nil, fmt.Errorf("ble filter: %w", err)
		}
		filters = append(filters, f)
	}
	if len(cfg.NamePrefixes) > 0 {
		filters = append(filters, discovery.NamePrefixFilter(cfg.NamePrefixes))
	}

	switch len(filters) {
	case 0:
		return discovery.DefaultFilter(), nil
	case 1:
		return filters[0], nil
	default:
		return discovery.AnyFilter(filters...), nil
	}
}

// startScanner builds the controller before opening the radio so the
// controller sees the radio's first state change.
func startScanner(cfg config.BLEConfig, log *logging.Logger) (*discovery.Controller, radio, error) {
	filter, err := buildFilter(cfg.Filter)
	if err != nil {
		return nil, nil, err
	}

	r, err := newRadio(cfg, log)
	if err != nil {
		return nil, nil, err
	}

	controller := discovery.NewController(r, discovery.Options{
		ConfigPath:  cfg.ConfigPath,
		Filter:      filter,
		SettleDelay: time.Duration(cfg.SettleDelayMS) * time.Millisecond,
		Logger:      log,
		Debug:       cfg.Debug,
	})

	if err := r.Open(); err != nil {
		controller.Close() //nolint:errcheck // Close never fails
		return nil, nil, fmt.Errorf("opening %s radio: %w", cfg.Adapter, err)
	}
	log.Info("radio opened", "adapter", cfg.Adapter, "state", controller.State().String())

	return controller, r, nil
}

// waitReady blocks until the radio is powered on or ble.ready_timeout passes.
func waitReady(ctx context.Context, controller *discovery.Controller, cfg config.BLEConfig) error {
	timeout := time.Duration(cfg.ReadyTimeout) * time.Second
	if err := controller.OnReadyToScan(ctx, timeout); err != nil {
		return fmt.Errorf("waiting for radio: %w", err)
	}
	return nil
}

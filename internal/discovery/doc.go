// Package discovery finds, deduplicates and tracks BLE smart locks and owns
// the scanning lifecycle of the local adapter.
//
// # Architecture
//
//	┌──────────┐  advertisements, state,  ┌────────────┐  events  ┌─────────────┐
//	│ Adapter  │─────scan start/stop─────►│ Controller │─────────►│ subscribers │
//	└──────────┘◄──start/stop/params──────└────────────┘          └─────────────┘
//	                                            │
//	                                     Filter │ registry
//	                                            ▼
//	                                       []*SmartLock
//
// The Controller keeps two intent flags: whether the caller wants the radio
// scanning, and whether scanning should be active. Adapters stop scanning on
// their own (a connection attempt halts the scanner on most controllers), so
// a stop reported while scanning is still wanted is absorbed: the controller
// waits a settling delay, re-reads the intent flag and restarts the scan.
// Subscribers only ever see logical scan edges.
//
// # Registry
//
// Locks are kept in discovery order and never removed. An identifier that is
// already known only refreshes the stored manufacturer payload; it never
// produces a second EventSmartLockDiscovered. Identifiers are scoped to the
// adapter's discovery session and are not persisted.
//
// # Thread Safety
//
// All Controller methods are safe for concurrent use. Mutations are
// serialised behind one mutex; event handlers run synchronously on the
// goroutine that delivered the adapter callback, after the lock is released,
// so a handler may call back into the Controller.
//
// # Usage
//
//	ctrl := discovery.NewController(adapter, discovery.Options{
//	    ConfigPath: "./config/",
//	    Logger:     log,
//	})
//	defer ctrl.Close()
//
//	ctrl.Subscribe(discovery.EventSmartLockDiscovered, func(e discovery.Event) {
//	    log.Info("lock found", "id", e.SmartLock.ID())
//	})
//
//	if err := ctrl.OnReadyToScan(ctx, 10*time.Second); err != nil {
//	    return err
//	}
//	return ctrl.StartScanning()
package discovery

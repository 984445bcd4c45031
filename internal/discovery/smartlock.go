package discovery

import (
	"bytes"
	"encoding/hex"
	"path/filepath"
	"sync"
	"time"
)

// Owner is the lookup-only handle a SmartLock keeps to the Controller that
// admitted it. The Controller outlives its locks; a lock never owns it.
type Owner interface {
	// ConfigPath returns the directory holding per-lock configuration.
	ConfigPath() string
}

// SmartLock is one tracked lock. It is created the first time one of its
// advertisements passes the filter and is updated in place afterwards.
//
// Thread Safety: all methods are safe for concurrent use.
type SmartLock struct {
	id        string
	owner     Owner
	index     int
	firstSeen time.Time

	mu               sync.RWMutex
	name             string
	rssi             int
	manufacturerData []byte
	lastSeen         time.Time
}

// newSmartLock builds a lock from its originating advertisement.
func newSmartLock(owner Owner, adv Advertisement, index int) *SmartLock {
	now := time.Now()
	return &SmartLock{
		id:               adv.ID,
		owner:            owner,
		index:            index,
		firstSeen:        now,
		name:             adv.LocalName,
		rssi:             adv.RSSI,
		manufacturerData: cloneBytes(adv.ManufacturerData),
		lastSeen:         now,
	}
}

// ID returns the adapter-scoped peripheral identifier.
func (l *SmartLock) ID() string { return l.id }

// Index returns the lock's position in discovery order.
func (l *SmartLock) Index() int { return l.index }

// FirstSeen returns when the lock was admitted.
func (l *SmartLock) FirstSeen() time.Time { return l.firstSeen }

// Name returns the last advertised local name.
func (l *SmartLock) Name() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.name
}

// RSSI returns the signal strength of the last sighting.
func (l *SmartLock) RSSI() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.rssi
}

// LastSeen returns the time of the last sighting.
func (l *SmartLock) LastSeen() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastSeen
}

// ManufacturerData returns a copy of the last manufacturer payload, nil if
// none has been seen.
func (l *SmartLock) ManufacturerData() []byte {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return cloneBytes(l.manufacturerData)
}

// UpdateManufacturerData replaces the stored payload and reports whether
// it changed.
func (l *SmartLock) UpdateManufacturerData(data []byte) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.manufacturerData != nil && bytes.Equal(l.manufacturerData, data) {
		return false
	}
	l.manufacturerData = cloneBytes(data)
	return true
}

// ConfigFile returns where the lock protocol keeps this lock's pairing data.
func (l *SmartLock) ConfigFile() string {
	return filepath.Join(l.owner.ConfigPath(), l.id+".json")
}

// observe records a repeat sighting.
func (l *SmartLock) observe(adv Advertisement) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rssi = adv.RSSI
	l.lastSeen = time.Now()
	if adv.LocalName != "" {
		l.name = adv.LocalName
	}
}

// SmartLockInfo is a point-in-time copy of a SmartLock, shaped for JSON.
type SmartLockInfo struct {
	ID               string    `json:"id"`
	Index            int       `json:"index"`
	Name             string    `json:"name,omitempty"`
	RSSI             int       `json:"rssi"`
	ManufacturerData string    `json:"manufacturer_data,omitempty"`
	FirstSeen        time.Time `json:"first_seen"`
	LastSeen         time.Time `json:"last_seen"`
}

// Info returns a snapshot of the lock.
func (l *SmartLock) Info() SmartLockInfo {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return SmartLockInfo{
		ID:               l.id,
		Index:            l.index,
		Name:             l.name,
		RSSI:             l.rssi,
		ManufacturerData: hex.EncodeToString(l.manufacturerData),
		FirstSeen:        l.firstSeen,
		LastSeen:         l.lastSeen,
	}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

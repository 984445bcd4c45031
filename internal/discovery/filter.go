package discovery

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// DefaultLockBeaconUUID is the proximity UUID smart locks broadcast in
// their iBeacon frame.
const DefaultLockBeaconUUID = "a92ee200-5501-11e4-916c-0800200c9a66"

// iBeacon manufacturer record layout.
const (
	beaconRecordLen  = 25
	beaconTypeOffset = 2
	beaconType       = 0x02
	beaconLenOffset  = 3
	beaconBodyLen    = 0x15
	beaconUUIDStart  = 4
	beaconUUIDEnd    = 20
)

// Filter decides whether an advertisement belongs to a smart lock.
// Implementations must be pure: the same advertisement always yields the
// same answer.
type Filter interface {
	Handle(adv Advertisement) bool
}

// FilterFunc adapts a function to the Filter interface.
type FilterFunc func(adv Advertisement) bool

// Handle calls f(adv).
func (f FilterFunc) Handle(adv Advertisement) bool { return f(adv) }

// BeaconFilter accepts advertisements whose manufacturer data is an iBeacon
// record carrying one of a set of proximity UUIDs.
type BeaconFilter struct {
	uuids map[uuid.UUID]struct{}
}

// NewBeaconFilter builds a BeaconFilter from textual UUIDs.
func NewBeaconFilter(ids ...string) (*BeaconFilter, error) {
	f := &BeaconFilter{uuids: make(map[uuid.UUID]struct{}, len(ids))}
	for _, s := range ids {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("discovery: invalid beacon uuid %q: %w", s, err)
		}
		f.uuids[id] = struct{}{}
	}
	return f, nil
}

// DefaultFilter returns the filter used when Options.Filter is nil.
func DefaultFilter() Filter {
	return &BeaconFilter{uuids: map[uuid.UUID]struct{}{
		uuid.MustParse(DefaultLockBeaconUUID): {},
	}}
}

// Handle implements Filter.
func (f *BeaconFilter) Handle(adv Advertisement) bool {
	id, ok := BeaconUUID(adv.ManufacturerData)
	if !ok {
		return false
	}
	_, ok = f.uuids[id]
	return ok
}

// BeaconUUID extracts the proximity UUID from an iBeacon manufacturer record.
func BeaconUUID(data []byte) (uuid.UUID, bool) {
	if len(data) != beaconRecordLen ||
		data[beaconTypeOffset] != beaconType ||
		data[beaconLenOffset] != beaconBodyLen {
		return uuid.Nil, false
	}
	id, err := uuid.FromBytes(data[beaconUUIDStart:beaconUUIDEnd])
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// NamePrefixFilter accepts advertisements whose local name starts with any
// of its prefixes. Matching is case-sensitive.
type NamePrefixFilter []string

// Handle implements Filter.
func (f NamePrefixFilter) Handle(adv Advertisement) bool {
	if adv.LocalName == "" {
		return false
	}
	for _, p := range f {
		if p != "" && strings.HasPrefix(adv.LocalName, p) {
			return true
		}
	}
	return false
}

// AnyFilter accepts an advertisement if any of filters does.
func AnyFilter(filters ...Filter) Filter {
	return FilterFunc(func(adv Advertisement) bool {
		for _, f := range filters {
			if f != nil && f.Handle(adv) {
				return true
			}
		}
		return false
	})
}

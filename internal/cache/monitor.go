// Package cache watches the on-disk footprint of the store and reclaims
// space from it.
package cache

import (
	"github.com/lfarias/mailkeep/internal/store"
)

// Pressure thresholds expressed as fractions of the configured ceiling.
const (
	// ProactiveCutoff is the usage fraction above which proactive cache
	// growth stops. Reactive work keeps running past it.
	ProactiveCutoff = 0.98
)

// Monitor reports cache usage relative to the configured ceiling.
type Monitor struct {
	db      *store.DB
	ceiling int64
}

// NewMonitor creates a monitor for the given store and ceiling in bytes.
func NewMonitor(db *store.DB, ceilingBytes int64) *Monitor {
	return &Monitor{db: db, ceiling: ceilingBytes}
}

// Usage returns current usage as a fraction of the ceiling. A zero ceiling
// reads as no pressure.
func (m *Monitor) Usage() (float64, error) {
	if m.ceiling <= 0 {
		return 0, nil
	}
	bytes, err := m.db.UsageBytes()
	if err != nil {
		return 0, err
	}
	return float64(bytes) / float64(m.ceiling), nil
}

// UnderPressure reports whether proactive cache growth should stop.
func (m *Monitor) UnderPressure() (bool, error) {
	usage, err := m.Usage()
	if err != nil {
		return false, err
	}
	return usage >= ProactiveCutoff, nil
}

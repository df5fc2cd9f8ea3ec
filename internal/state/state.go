// Package state holds the decoded-value surfaces the polling engine writes
// into: the realtime cache of last-known readings and the append-only
// historical series sink. Both are consumed by upstream components the
// gateway does not own.
package state

import (
	"sync"
	"time"
)

// Reading is one decoded parameter value from a poll pass. Value is nil when
// the parameter failed to decode; Error then carries the reason.
type Reading struct {
	Name      string    `json:"name"`
	Address   uint16    `json:"address"`
	Value     *float64  `json:"value"`
	Unit      string    `json:"unit,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// PollEvent is emitted once per completed poll pass for a device.
type PollEvent struct {
	DeviceID   string    `json:"deviceId"`
	DeviceName string    `json:"deviceName"`
	Timestamp  time.Time `json:"timestamp"`
	Readings   []Reading `json:"readings"`
	// Err is set when the whole pass failed (connection loss); Readings is
	// then empty.
	Err error `json:"-"`
}

// AlertEvent is emitted when an alert rule fires for a device.
type AlertEvent struct {
	RuleID    string    `json:"ruleId"`
	DeviceID  string    `json:"deviceId"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Quality flags for historical records.
const (
	QualityGood = "good"
	QualityBad  = "bad"
)

// Record is one appended point of the historical series.
type Record struct {
	DeviceID  string    `json:"deviceId"`
	Parameter string    `json:"parameterName"`
	Value     *float64  `json:"value"`
	Unit      string    `json:"unit,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Quality   string    `json:"quality"`
}

// HistoryWriter is the external series sink. The gateway appends but never
// queries.
type HistoryWriter interface {
	Append(Record) error
}

type noopHistory struct{}

func (noopHistory) Append(Record) error { return nil }

// NoopHistory discards all records.
func NoopHistory() HistoryWriter {
	return noopHistory{}
}

// Cache keeps the last-known decoded readings per device. It is consulted
// before issuing new I/O, so reads must be cheap and safe from any goroutine.
type Cache struct {
	mu      sync.RWMutex
	devices map[string]PollEvent
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{devices: make(map[string]PollEvent)}
}

// Store replaces the cached pass for the event's device. Failed passes are
// not stored so the cache always holds the last successful readings.
func (c *Cache) Store(event PollEvent) {
	if event.Err != nil {
		return
	}
	c.mu.Lock()
	c.devices[event.DeviceID] = event
	c.mu.Unlock()
}

// Get returns the last successful pass for a device.
func (c *Cache) Get(deviceID string) (PollEvent, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	event, ok := c.devices[deviceID]
	return event, ok
}

// Reading returns one cached parameter value by name.
func (c *Cache) Reading(deviceID, name string) (Reading, bool) {
	event, ok := c.Get(deviceID)
	if !ok {
		return Reading{}, false
	}
	for _, reading := range event.Readings {
		if reading.Name == name {
			return reading, true
		}
	}
	return Reading{}, false
}

// Drop removes a device from the cache.
func (c *Cache) Drop(deviceID string) {
	c.mu.Lock()
	delete(c.devices, deviceID)
	c.mu.Unlock()
}

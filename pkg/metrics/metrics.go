// Package metrics holds small in-process counters for debug signals
// (filtered/skipped elements, store incidents) without standing up an
// external metrics stack.
package metrics

import "sync/atomic"

// Counters is a fixed set of atomic counters safe for concurrent increment
// from the HTTP filter path and the WebSocket relay path alike.
type Counters struct {
	filtered      atomic.Int64
	skipped       atomic.Int64
	filterSkipped atomic.Int64
	storeErrors   atomic.Int64
}

// IncFiltered records one dropped (duplicate) timeline/stream element.
func (c *Counters) IncFiltered() { c.filtered.Add(1) }

// IncSkipped records one element passed through because its content URI
// could not be determined.
func (c *Counters) IncSkipped() { c.skipped.Add(1) }

// IncFilterSkipped records one response that fell back to pass-through
// because its body did not parse as a timeline (kind FilterSkipped).
func (c *Counters) IncFilterSkipped() { c.filterSkipped.Add(1) }

// IncStoreError records one store-access failure encountered while
// deduplicating.
func (c *Counters) IncStoreError() { c.storeErrors.Add(1) }

// Snapshot is a point-in-time read of every counter, suitable for
// serializing into the deep health check response.
type Snapshot struct {
	Filtered      int64 `json:"filtered"`
	Skipped       int64 `json:"skipped"`
	FilterSkipped int64 `json:"filter_skipped"`
	StoreErrors   int64 `json:"store_errors"`
}

// Snapshot reads all counters without resetting them.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		Filtered:      c.filtered.Load(),
		Skipped:       c.skipped.Load(),
		FilterSkipped: c.filterSkipped.Load(),
		StoreErrors:   c.storeErrors.Load(),
	}
}

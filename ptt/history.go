package ptt

import "time"

// HistoryCap is the maximum number of retained history events. Once the
// log exceeds this, the oldest entries are dropped. This is a fixed-memory
// guarantee, not a correctness requirement.
const HistoryCap = 1000

// Event is one recorded request or release transition.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	TabletID  int       `json:"tablet_id"`
	Channel   int       `json:"channel"`
	State     State     `json:"state"`
	Priority  int       `json:"priority"`
}

// appendBounded appends an event and evicts the oldest entries beyond
// HistoryCap. The newest entries are always preserved.
func appendBounded(history []Event, ev Event) []Event {
	history = append(history, ev)
	if len(history) > HistoryCap {
		// Copy into a fresh slice so the evicted prefix does not pin
		// the old backing array.
		trimmed := make([]Event, HistoryCap)
		copy(trimmed, history[len(history)-HistoryCap:])
		return trimmed
	}
	return history
}

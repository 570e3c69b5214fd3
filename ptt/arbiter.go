package ptt

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State is the transmit state of a (tablet, channel) pair, or the
// aggregate state of a channel. The string values are stable and used
// directly in wire payloads.
type State string

const (
	// StateIdle indicates no transmit rights are held.
	StateIdle State = "IDLE"
	// StateActive indicates transmit rights are held.
	StateActive State = "ACTIVE"
)

// TimeProvider abstracts wall-clock access for deterministic testing.
type TimeProvider interface {
	Now() time.Time
}

// defaultTimeProvider uses the real system clock.
type defaultTimeProvider struct{}

func (defaultTimeProvider) Now() time.Time { return time.Now() }

// ChannelState is the aggregate transmit state of one channel: active if
// any tablet holds it, plus the sorted list of holders.
type ChannelState struct {
	Channel       int   `json:"channel"`
	State         State `json:"state"`
	ActiveTablets []int `json:"active_tablets"`
}

// Snapshot is the full arbitration state at one instant, used by the
// transport layer for client resynchronization.
type Snapshot struct {
	Timestamp time.Time     `json:"timestamp"`
	Channels  map[int][]int `json:"channels"`
}

// Arbiter tracks transmit rights across channels.
//
// All operations are serialized behind a single mutex; none of them can
// fail. See the package documentation for the arbitration policy.
type Arbiter struct {
	active  map[int]map[int]struct{}
	history []Event
	clock   TimeProvider
	mu      sync.RWMutex
}

// NewArbiter creates an arbiter with idle state for the given channels.
// Channels outside the initial set are created lazily on first request.
func NewArbiter(channels []int) *Arbiter {
	logrus.WithFields(logrus.Fields{
		"function":     "NewArbiter",
		"num_channels": len(channels),
	}).Info("Creating new PTT arbiter")

	active := make(map[int]map[int]struct{}, len(channels))
	for _, ch := range channels {
		active[ch] = make(map[int]struct{})
	}
	return &Arbiter{
		active: active,
		clock:  defaultTimeProvider{},
	}
}

// SetTimeProvider replaces the wall-clock source. Passing nil restores the
// system clock. Used for deterministic testing.
func (a *Arbiter) SetTimeProvider(tp TimeProvider) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if tp == nil {
		tp = defaultTimeProvider{}
	}
	a.clock = tp
}

// Request grants the tablet transmit rights on the channel.
//
// Idempotent: a tablet that already holds the channel stays active and no
// duplicate history entry is recorded. Unknown channels are created
// implicitly with an empty active set. The priority value is recorded in
// the history but performs no conflict resolution; there is no preemption
// policy.
func (a *Arbiter) Request(tabletID, channel, priority int) State {
	a.mu.Lock()
	defer a.mu.Unlock()

	holders, ok := a.active[channel]
	if !ok {
		holders = make(map[int]struct{})
		a.active[channel] = holders
	}

	if _, held := holders[tabletID]; held {
		return StateActive
	}

	holders[tabletID] = struct{}{}
	a.logEvent(tabletID, channel, priority, StateActive)

	logrus.WithFields(logrus.Fields{
		"function":  "Arbiter.Request",
		"tablet_id": tabletID,
		"channel":   channel,
		"priority":  priority,
		"holders":   len(holders),
	}).Info("PTT granted")

	return StateActive
}

// Release revokes the tablet's transmit rights on the channel.
//
// Releasing rights that are not held returns StateIdle with no state
// change and no history entry.
func (a *Arbiter) Release(tabletID, channel int) State {
	a.mu.Lock()
	defer a.mu.Unlock()

	holders, ok := a.active[channel]
	if !ok {
		return StateIdle
	}
	if _, held := holders[tabletID]; !held {
		return StateIdle
	}

	delete(holders, tabletID)
	a.logEvent(tabletID, channel, 1, StateIdle)

	logrus.WithFields(logrus.Fields{
		"function":  "Arbiter.Release",
		"tablet_id": tabletID,
		"channel":   channel,
		"holders":   len(holders),
	}).Info("PTT released")

	return StateIdle
}

// ChannelState returns the channel's aggregate state and the sorted list
// of tablets currently holding it. Pure read.
func (a *Arbiter) ChannelState(channel int) ChannelState {
	a.mu.RLock()
	defer a.mu.RUnlock()

	tablets := sortedKeys(a.active[channel])
	state := StateIdle
	if len(tablets) > 0 {
		state = StateActive
	}
	return ChannelState{
		Channel:       channel,
		State:         state,
		ActiveTablets: tablets,
	}
}

// TabletChannels returns the sorted list of channels on which the tablet
// currently holds transmit rights. Pure read.
func (a *Arbiter) TabletChannels(tabletID int) []int {
	a.mu.RLock()
	defer a.mu.RUnlock()

	channels := make([]int, 0)
	for ch, holders := range a.active {
		if _, held := holders[tabletID]; held {
			channels = append(channels, ch)
		}
	}
	sort.Ints(channels)
	return channels
}

// Snapshot returns every known channel with its sorted active-tablet list
// and a wall-clock timestamp. Pure read.
func (a *Arbiter) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()

	channels := make(map[int][]int, len(a.active))
	for ch, holders := range a.active {
		channels[ch] = sortedKeys(holders)
	}
	return Snapshot{
		Timestamp: a.clock.Now(),
		Channels:  channels,
	}
}

// History returns a copy of the bounded event log, oldest first.
func (a *Arbiter) History() []Event {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]Event, len(a.history))
	copy(out, a.history)
	return out
}

// logEvent appends a transition to the bounded history. Caller holds mu.
func (a *Arbiter) logEvent(tabletID, channel, priority int, state State) {
	a.history = appendBounded(a.history, Event{
		Timestamp: a.clock.Now(),
		TabletID:  tabletID,
		Channel:   channel,
		State:     state,
		Priority:  priority,
	})
}

// sortedKeys returns the set's members in ascending order. A nil set
// yields an empty, non-nil slice so wire payloads serialize as [].
func sortedKeys(set map[int]struct{}) []int {
	out := make([]int, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}

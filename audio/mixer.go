package audio

import (
	"fmt"
	"math"
	"sync"

	"github.com/sirupsen/logrus"
)

// Engine defaults. Gains arrive in dB at the configuration surface and are
// stored as linear multipliers.
const (
	// DefaultHeadroomDB is the headroom target reserved against the
	// theoretical worst case of all contributors at full scale.
	DefaultHeadroomDB = 12.0

	// DefaultUniformGainDB is the per-connection gain installed by the
	// constructor's uniform routing.
	DefaultUniformGainDB = -12.0

	// rmsAlpha is the EMA smoothing factor for VU level estimates.
	rmsAlpha = 0.5
)

// VULevels reports the smoothed RMS of every endpoint in dBFS, tablets and
// channels separately.
type VULevels struct {
	Tablets  map[int]float64 `json:"tablets"`
	Channels map[int]float64 `json:"channels"`
}

// Mixer is the per-tick audio routing engine.
//
// It owns the routing configuration, one input and one output frame per
// endpoint, and the VU state. Frame pushes are last-write-wins: if a driver
// pushes twice before a Step, only the latest frame is mixed. Step is a
// pure function of current inputs, configuration and prior VU state, so
// identical call sequences reproduce identical output bit-for-bit.
//
// All operations are serialized behind a single mutex; the working set is
// one frame per endpoint and the step cost is O(endpoints * fan-out), so
// finer-grained locking buys nothing.
type Mixer struct {
	numChannels int
	numTablets  int

	config MixConfig

	// Normalized float frames, keyed by endpoint ID. Buffers for every
	// valid ID are allocated at construction and always FrameSize long.
	tabletIn  map[int][]float32
	tabletOut map[int][]float32
	chanIn    map[int][]float32
	chanOut   map[int][]float32

	// Smoothed RMS per endpoint, persisted across ticks. Updated from
	// the pre-limiter accumulator so metering reflects true loudness,
	// not the limiter's compression.
	tabletRMS  map[int]float64
	channelRMS map[int]float64

	// Shared pre-limiter accumulator, reused across destinations within
	// a Step. Guarded by mu like everything else.
	scratch []float64

	mu sync.RWMutex
}

// NewMixer creates a mixing engine for the given endpoint counts.
//
// Endpoint IDs are 1-based and stable for the mixer's lifetime; there is no
// dynamic creation or removal. The constructor installs fully-connected
// uniform routing at DefaultUniformGainDB and zeroed VU state.
//
// Parameters:
//   - numChannels: Number of output bus endpoints (>= 1)
//   - numTablets: Number of input source endpoints (>= 1)
//
// Returns:
//   - *Mixer: The new engine instance
//   - error: Validation error for non-positive endpoint counts
func NewMixer(numChannels, numTablets int) (*Mixer, error) {
	logrus.WithFields(logrus.Fields{
		"function":     "NewMixer",
		"num_channels": numChannels,
		"num_tablets":  numTablets,
	}).Info("Creating new audio mixer")

	if numChannels < 1 {
		return nil, fmt.Errorf("number of channels must be positive: %d", numChannels)
	}
	if numTablets < 1 {
		return nil, fmt.Errorf("number of tablets must be positive: %d", numTablets)
	}

	m := &Mixer{
		numChannels: numChannels,
		numTablets:  numTablets,
		config:      newMixConfig(numChannels, numTablets),
		tabletIn:    make(map[int][]float32, numTablets),
		tabletOut:   make(map[int][]float32, numTablets),
		chanIn:      make(map[int][]float32, numChannels),
		chanOut:     make(map[int][]float32, numChannels),
		tabletRMS:   make(map[int]float64, numTablets),
		channelRMS:  make(map[int]float64, numChannels),
		scratch:     make([]float64, FrameSize),
	}

	for tid := 1; tid <= numTablets; tid++ {
		m.tabletIn[tid] = make([]float32, FrameSize)
		m.tabletOut[tid] = make([]float32, FrameSize)
		m.tabletRMS[tid] = 0.0
	}
	for ch := 1; ch <= numChannels; ch++ {
		m.chanIn[ch] = make([]float32, FrameSize)
		m.chanOut[ch] = make([]float32, FrameSize)
		m.channelRMS[ch] = 0.0
	}

	m.setUniformRoutingLocked(DefaultUniformGainDB)

	logrus.WithFields(logrus.Fields{
		"function":    "NewMixer",
		"headroom_db": m.config.HeadroomDB,
		"gain_db":     DefaultUniformGainDB,
	}).Debug("Mixer configured with uniform routing")

	return m, nil
}

// NumChannels returns the number of channel endpoints.
func (m *Mixer) NumChannels() int {
	return m.numChannels
}

// NumTablets returns the number of tablet endpoints.
func (m *Mixer) NumTablets() int {
	return m.numTablets
}

// SetUniformRouting fills both routing directions with fully-connected
// constant gain. Used at construction and as a configuration reset.
func (m *Mixer) SetUniformRouting(gainDB float64) {
	logrus.WithFields(logrus.Fields{
		"function": "Mixer.SetUniformRouting",
		"gain_db":  gainDB,
	}).Info("Installing uniform routing")

	m.mu.Lock()
	defer m.mu.Unlock()
	m.setUniformRoutingLocked(gainDB)
}

func (m *Mixer) setUniformRoutingLocked(gainDB float64) {
	g := math.Pow(10.0, gainDB/20.0)
	for ch := 1; ch <= m.numChannels; ch++ {
		row := make(map[int]float64, m.numTablets)
		for tid := 1; tid <= m.numTablets; tid++ {
			row[tid] = g
		}
		m.config.Uplink[ch] = row
	}
	for tid := 1; tid <= m.numTablets; tid++ {
		row := make(map[int]float64, m.numChannels)
		for ch := 1; ch <= m.numChannels; ch++ {
			row[ch] = g
		}
		m.config.Downlink[tid] = row
	}
}

// SetUplinkMatrix replaces the channel-from-tablet routing table wholesale.
//
// There are no partial-update merge semantics: the caller supplies the full
// desired state, and any channel omitted from the new matrix has no
// contributors after the call. The matrix is validated against the mixer's
// endpoint ranges before any state changes; on error the previous routing
// stays installed.
func (m *Mixer) SetUplinkMatrix(matrix RoutingMatrix) error {
	if err := ValidateMatrix(matrix, m.numChannels, m.numTablets); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Mixer.SetUplinkMatrix",
			"error":    err.Error(),
		}).Error("Uplink matrix validation failed")
		return fmt.Errorf("set uplink matrix: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.config.Uplink = matrix.Clone()

	logrus.WithFields(logrus.Fields{
		"function":     "Mixer.SetUplinkMatrix",
		"destinations": len(matrix),
	}).Info("Uplink matrix replaced")
	return nil
}

// SetDownlinkMatrix replaces the tablet-from-channel routing table
// wholesale, with the same validation and replacement semantics as
// SetUplinkMatrix.
func (m *Mixer) SetDownlinkMatrix(matrix RoutingMatrix) error {
	if err := ValidateMatrix(matrix, m.numTablets, m.numChannels); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Mixer.SetDownlinkMatrix",
			"error":    err.Error(),
		}).Error("Downlink matrix validation failed")
		return fmt.Errorf("set downlink matrix: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.config.Downlink = matrix.Clone()

	logrus.WithFields(logrus.Fields{
		"function":     "Mixer.SetDownlinkMatrix",
		"destinations": len(matrix),
	}).Info("Downlink matrix replaced")
	return nil
}

// SetTabletMute sets the mute flag for a tablet. Muting is idempotent and
// takes effect on the next Step: a muted tablet contributes silence to
// every channel mix and its own downlink output is forced to silence.
func (m *Mixer) SetTabletMute(tid int, mute bool) error {
	if tid < 1 || tid > m.numTablets {
		return fmt.Errorf("set tablet mute: %w: tablet %d", ErrUnknownEndpoint, tid)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.config.TabletMute[tid] = mute

	logrus.WithFields(logrus.Fields{
		"function":  "Mixer.SetTabletMute",
		"tablet_id": tid,
		"mute":      mute,
	}).Info("Tablet mute updated")
	return nil
}

// SetChannelMute sets the mute flag for a channel, with the same semantics
// as SetTabletMute in the opposite direction.
func (m *Mixer) SetChannelMute(ch int, mute bool) error {
	if ch < 1 || ch > m.numChannels {
		return fmt.Errorf("set channel mute: %w: channel %d", ErrUnknownEndpoint, ch)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.config.ChannelMute[ch] = mute

	logrus.WithFields(logrus.Fields{
		"function": "Mixer.SetChannelMute",
		"channel":  ch,
		"mute":     mute,
	}).Info("Channel mute updated")
	return nil
}

// SetHeadroomDB sets the headroom target shared by both mix directions.
// Range clamping is the caller's responsibility at the process boundary;
// the engine converts whatever it is given to a linear target each tick.
func (m *Mixer) SetHeadroomDB(db float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config.HeadroomDB = db

	logrus.WithFields(logrus.Fields{
		"function":    "Mixer.SetHeadroomDB",
		"headroom_db": db,
	}).Info("Headroom target updated")
}

// HeadroomDB returns the current headroom target in dB.
func (m *Mixer) HeadroomDB() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.HeadroomDB
}

// Config returns a deep copy of the current mix configuration for state
// reporting. The engine's own state cannot be mutated through the copy.
func (m *Mixer) Config() MixConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cfg := MixConfig{
		TabletMute:  make(map[int]bool, len(m.config.TabletMute)),
		ChannelMute: make(map[int]bool, len(m.config.ChannelMute)),
		Uplink:      m.config.Uplink.Clone(),
		Downlink:    m.config.Downlink.Clone(),
		HeadroomDB:  m.config.HeadroomDB,
	}
	for k, v := range m.config.TabletMute {
		cfg.TabletMute[k] = v
	}
	for k, v := range m.config.ChannelMute {
		cfg.ChannelMute[k] = v
	}
	return cfg
}

// PushTabletFrame replaces the stored input frame for a tablet with the
// normalized conversion of pcm. Last-write-wins; there is no queueing.
func (m *Mixer) PushTabletFrame(tid int, pcm []int16) error {
	if tid < 1 || tid > m.numTablets {
		return fmt.Errorf("push tablet frame: %w: tablet %d", ErrUnknownEndpoint, tid)
	}
	frame, err := ToNormalized(pcm)
	if err != nil {
		return fmt.Errorf("push tablet frame: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.tabletIn[tid] = frame
	return nil
}

// PushChannelFrame replaces the stored input frame for a channel with the
// normalized conversion of pcm. Last-write-wins; there is no queueing.
func (m *Mixer) PushChannelFrame(ch int, pcm []int16) error {
	if ch < 1 || ch > m.numChannels {
		return fmt.Errorf("push channel frame: %w: channel %d", ErrUnknownEndpoint, ch)
	}
	frame, err := ToNormalized(pcm)
	if err != nil {
		return fmt.Errorf("push channel frame: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.chanIn[ch] = frame
	return nil
}

// PullTabletFrame returns the most recent downlink mix for a tablet as
// PCM. Before the first Step this is the silent frame from construction;
// between Steps it is last tick's output (stale data is expected).
func (m *Mixer) PullTabletFrame(tid int) ([]int16, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out, ok := m.tabletOut[tid]
	if !ok {
		return nil, fmt.Errorf("pull tablet frame: %w: tablet %d", ErrUnknownEndpoint, tid)
	}
	pcm, err := FromNormalized(out)
	if err != nil {
		return nil, fmt.Errorf("pull tablet frame: %w: %w", ErrInternalInvariant, err)
	}
	return pcm, nil
}

// PullChannelFrame returns the most recent uplink mix for a channel as
// PCM, with the same staleness semantics as PullTabletFrame.
func (m *Mixer) PullChannelFrame(ch int) ([]int16, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out, ok := m.chanOut[ch]
	if !ok {
		return nil, fmt.Errorf("pull channel frame: %w: channel %d", ErrUnknownEndpoint, ch)
	}
	pcm, err := FromNormalized(out)
	if err != nil {
		return nil, fmt.Errorf("pull channel frame: %w: %w", ErrInternalInvariant, err)
	}
	return pcm, nil
}

// VULevelsDB returns the current smoothed RMS of every endpoint converted
// to dB relative to full scale. Pure read, no side effects.
func (m *Mixer) VULevelsDB() VULevels {
	m.mu.RLock()
	defer m.mu.RUnlock()

	levels := VULevels{
		Tablets:  make(map[int]float64, len(m.tabletRMS)),
		Channels: make(map[int]float64, len(m.channelRMS)),
	}
	for tid, rms := range m.tabletRMS {
		levels.Tablets[tid] = DBFS(rms)
	}
	for ch, rms := range m.channelRMS {
		levels.Channels[ch] = DBFS(rms)
	}
	return levels
}

// Step advances the engine by exactly one frame period: the uplink
// direction first (tablets into channels), then the downlink (channels
// into tablets).
//
// Per destination: a muted destination outputs silence and its RMS decays
// toward zero; otherwise the gains of all non-muted contributors are
// summed, a normalization factor caps the theoretical worst case at the
// headroom target, contributions are accumulated, the soft limiter is
// applied, and the RMS estimate is updated from the pre-limiter signal.
//
// Step never fails under a previously accepted configuration. The only
// error it can return is ErrInternalInvariant for a stored frame of the
// wrong length, which a correct boundary layer makes unreachable.
func (m *Mixer) Step() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	headroomLin := math.Pow(10.0, -m.config.HeadroomDB/20.0)

	for ch, row := range m.config.Uplink {
		if m.config.ChannelMute[ch] {
			m.silenceDestination(m.chanOut[ch], m.channelRMS, ch)
			continue
		}
		rms, err := m.renderDestination(m.chanOut[ch], row, m.tabletIn, m.config.TabletMute, headroomLin)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Mixer.Step",
				"channel":  ch,
				"error":    err.Error(),
			}).Error("Uplink mix invariant violated")
			return fmt.Errorf("step: uplink channel %d: %w", ch, err)
		}
		m.channelRMS[ch] = smoothRMS(m.channelRMS[ch], rms)
	}

	for tid, row := range m.config.Downlink {
		if m.config.TabletMute[tid] {
			m.silenceDestination(m.tabletOut[tid], m.tabletRMS, tid)
			continue
		}
		rms, err := m.renderDestination(m.tabletOut[tid], row, m.chanIn, m.config.ChannelMute, headroomLin)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":  "Mixer.Step",
				"tablet_id": tid,
				"error":     err.Error(),
			}).Error("Downlink mix invariant violated")
			return fmt.Errorf("step: downlink tablet %d: %w", tid, err)
		}
		m.tabletRMS[tid] = smoothRMS(m.tabletRMS[tid], rms)
	}

	return nil
}

// silenceDestination zero-fills a muted destination's output and decays
// its RMS estimate as if a silent frame had been measured.
func (m *Mixer) silenceDestination(out []float32, rmsMap map[int]float64, id int) {
	for i := range out {
		out[i] = 0
	}
	rmsMap[id] = smoothRMS(rmsMap[id], 0.0)
}

// renderDestination mixes one destination: sums non-muted contributor
// gains, derives the headroom normalization, accumulates the weighted
// inputs into the shared scratch buffer and soft-limits the result into
// out. Returns the pre-limiter RMS.
func (m *Mixer) renderDestination(out []float32, row map[int]float64, inputs map[int][]float32, srcMuted map[int]bool, headroomLin float64) (float64, error) {
	var sumG float64
	for src, gain := range row {
		if srcMuted[src] {
			continue
		}
		sumG += gain
	}

	// The worst case of all contributors simultaneously at full scale
	// must not exceed the headroom target, but a sum already under
	// headroom is left alone.
	norm := 1.0
	if sumG > 0 {
		norm = math.Min(1.0, headroomLin/math.Max(sumG, normEpsilon))
	}

	acc := m.scratch
	for i := range acc {
		acc[i] = 0
	}
	for src, gain := range row {
		if srcMuted[src] {
			continue
		}
		in := inputs[src]
		if len(in) != FrameSize {
			return 0, fmt.Errorf("%w: contributor %d frame length %d", ErrInternalInvariant, src, len(in))
		}
		w := gain * norm
		for i, s := range in {
			acc[i] += float64(s) * w
		}
	}

	softLimitFrame(out, acc, LimiterKnee)
	return RMS(acc), nil
}

// smoothRMS folds one frame's RMS into the running EMA estimate.
func smoothRMS(last, rms float64) float64 {
	return last*(1.0-rmsAlpha) + rms*rmsAlpha
}

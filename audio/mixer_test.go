package audio

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fullScaleFrame returns FrameSize samples at constant positive full scale.
func fullScaleFrame() []int16 {
	pcm := make([]int16, FrameSize)
	for i := range pcm {
		pcm[i] = 32767
	}
	return pcm
}

// sineFrame returns a full-scale (0 dBFS peak) sine at the given frequency.
func sineFrame(freq float64, amplitude float64) []int16 {
	pcm := make([]int16, FrameSize)
	for i := range pcm {
		s := amplitude * math.Sin(2.0*math.Pi*freq*float64(i)/SampleRate)
		pcm[i] = int16(s * MaxInt16)
	}
	return pcm
}

// channelLinearRMS converts a channel's reported dBFS VU back to linear.
func channelLinearRMS(t *testing.T, m *Mixer, ch int) float64 {
	t.Helper()
	levels := m.VULevelsDB()
	db, ok := levels.Channels[ch]
	require.True(t, ok, "channel %d missing from VU levels", ch)
	return math.Pow(10.0, db/20.0)
}

func TestNewMixer_Validation(t *testing.T) {
	_, err := NewMixer(0, 16)
	assert.Error(t, err)

	_, err = NewMixer(4, -1)
	assert.Error(t, err)

	m, err := NewMixer(4, 16)
	require.NoError(t, err)
	assert.Equal(t, 4, m.NumChannels())
	assert.Equal(t, 16, m.NumTablets())
}

func TestNewMixer_DefaultUniformRouting(t *testing.T) {
	m, err := NewMixer(2, 3)
	require.NoError(t, err)

	cfg := m.Config()
	g := math.Pow(10.0, DefaultUniformGainDB/20.0)
	require.Len(t, cfg.Uplink, 2)
	require.Len(t, cfg.Downlink, 3)
	for ch := 1; ch <= 2; ch++ {
		require.Len(t, cfg.Uplink[ch], 3)
		for tid := 1; tid <= 3; tid++ {
			assert.InDelta(t, g, cfg.Uplink[ch][tid], 1e-12)
		}
	}
	assert.Equal(t, DefaultHeadroomDB, cfg.HeadroomDB)
}

func TestPushFrame_Validation(t *testing.T) {
	m, err := NewMixer(4, 16)
	require.NoError(t, err)

	assert.ErrorIs(t, m.PushTabletFrame(0, fullScaleFrame()), ErrUnknownEndpoint)
	assert.ErrorIs(t, m.PushTabletFrame(17, fullScaleFrame()), ErrUnknownEndpoint)
	assert.ErrorIs(t, m.PushTabletFrame(1, make([]int16, 10)), ErrInvalidFrame)
	assert.ErrorIs(t, m.PushChannelFrame(5, fullScaleFrame()), ErrUnknownEndpoint)
	assert.ErrorIs(t, m.PushChannelFrame(1, nil), ErrInvalidFrame)

	assert.NoError(t, m.PushTabletFrame(1, fullScaleFrame()))
	assert.NoError(t, m.PushChannelFrame(4, fullScaleFrame()))
}

func TestPullFrame_StaleBeforeFirstStep(t *testing.T) {
	m, err := NewMixer(4, 16)
	require.NoError(t, err)

	// Before any Step the outputs are the silent frames from construction.
	pcm, err := m.PullChannelFrame(1)
	require.NoError(t, err)
	for _, s := range pcm {
		require.Zero(t, s)
	}

	_, err = m.PullChannelFrame(9)
	assert.ErrorIs(t, err, ErrUnknownEndpoint)
	_, err = m.PullTabletFrame(0)
	assert.ErrorIs(t, err, ErrUnknownEndpoint)
}

func TestStep_HeadroomBound(t *testing.T) {
	m, err := NewMixer(4, 16)
	require.NoError(t, err)

	for tid := 1; tid <= 16; tid++ {
		require.NoError(t, m.PushTabletFrame(tid, fullScaleFrame()))
	}

	require.NoError(t, m.Step())

	// All contributors at constant full scale: the pre-limiter signal is
	// constant, so its RMS equals its peak. One step folds it into the
	// EMA at factor 0.5.
	headroomLin := math.Pow(10.0, -DefaultHeadroomDB/20.0)
	peak := channelLinearRMS(t, m, 1) / rmsAlpha
	assert.LessOrEqual(t, peak, headroomLin*1.0001,
		"pre-limiter peak %f exceeds headroom target %f", peak, headroomLin)
}

func TestStep_ScenarioUniformRoutingSineInput(t *testing.T) {
	// 4 channels, 16 tablets, uniform -12 dB, headroom 12 dB, all tablets
	// at 0 dBFS sine: sum of gains is 16 * 10^(-12/20) ~= 4.02, which
	// exceeds headroom_lin ~= 0.251, so normalization must engage and the
	// channel RMS must stay at or under the headroom target.
	m, err := NewMixer(4, 16)
	require.NoError(t, err)

	headroomLin := math.Pow(10.0, -12.0/20.0)
	sumG := 16.0 * math.Pow(10.0, -12.0/20.0)
	require.Greater(t, sumG, headroomLin)

	for step := 0; step < 12; step++ {
		for tid := 1; tid <= 16; tid++ {
			require.NoError(t, m.PushTabletFrame(tid, sineFrame(1000.0, 1.0)))
		}
		require.NoError(t, m.Step())
	}

	for ch := 1; ch <= 4; ch++ {
		rms := channelLinearRMS(t, m, ch)
		assert.LessOrEqual(t, rms, headroomLin*1.0001,
			"channel %d RMS %f exceeds headroom target %f", ch, rms, headroomLin)
		assert.Greater(t, rms, 0.0, "channel %d should not be silent", ch)
	}
}

func TestStep_MutedChannelOutputsSilence(t *testing.T) {
	m, err := NewMixer(2, 2)
	require.NoError(t, err)

	require.NoError(t, m.PushTabletFrame(1, fullScaleFrame()))
	require.NoError(t, m.PushTabletFrame(2, fullScaleFrame()))
	require.NoError(t, m.SetChannelMute(1, true))
	require.NoError(t, m.Step())

	muted, err := m.PullChannelFrame(1)
	require.NoError(t, err)
	for _, s := range muted {
		require.Zero(t, s, "muted channel must output the all-zero frame")
	}

	live, err := m.PullChannelFrame(2)
	require.NoError(t, err)
	assert.NotZero(t, live[FrameSize/2], "unmuted channel should carry signal")
}

func TestStep_MutedTabletIsolatedFromAllMixes(t *testing.T) {
	m, err := NewMixer(1, 2)
	require.NoError(t, err)

	// Tablet 1 carries signal but is muted; tablet 2 is silent.
	require.NoError(t, m.PushTabletFrame(1, fullScaleFrame()))
	require.NoError(t, m.SetTabletMute(1, true))
	require.NoError(t, m.Step())

	out, err := m.PullChannelFrame(1)
	require.NoError(t, err)
	for _, s := range out {
		require.Zero(t, s, "muted contributor must not reach the channel mix")
	}

	// The muted tablet's own downlink output is forced to silence too.
	require.NoError(t, m.PushChannelFrame(1, fullScaleFrame()))
	require.NoError(t, m.Step())
	down, err := m.PullTabletFrame(1)
	require.NoError(t, err)
	for _, s := range down {
		require.Zero(t, s, "muted tablet's own output must be silence")
	}
}

func TestSetTabletMute_Idempotent(t *testing.T) {
	m, err := NewMixer(1, 1)
	require.NoError(t, err)

	require.NoError(t, m.SetTabletMute(1, true))
	once := m.Config()
	require.NoError(t, m.SetTabletMute(1, true))
	twice := m.Config()

	assert.Equal(t, once.TabletMute, twice.TabletMute)
	assert.ErrorIs(t, m.SetTabletMute(2, true), ErrUnknownEndpoint)
	assert.ErrorIs(t, m.SetChannelMute(0, true), ErrUnknownEndpoint)
}

func TestSetUplinkMatrix_WholesaleReplace(t *testing.T) {
	m, err := NewMixer(2, 2)
	require.NoError(t, err)

	// Channel 2 is omitted from the new matrix: it has no contributors
	// after the call and must mix to silence.
	require.NoError(t, m.SetUplinkMatrix(RoutingMatrix{1: {1: 0.5}}))

	require.NoError(t, m.PushTabletFrame(1, fullScaleFrame()))
	require.NoError(t, m.PushTabletFrame(2, fullScaleFrame()))
	require.NoError(t, m.Step())

	out, err := m.PullChannelFrame(2)
	require.NoError(t, err)
	for _, s := range out {
		require.Zero(t, s, "omitted destination must have no contributors")
	}
}

func TestSetUplinkMatrix_RejectsInvalidWithoutMutating(t *testing.T) {
	m, err := NewMixer(2, 2)
	require.NoError(t, err)
	before := m.Config()

	err = m.SetUplinkMatrix(RoutingMatrix{1: {1: math.NaN()}})
	assert.ErrorIs(t, err, ErrInvalidMatrix)

	err = m.SetUplinkMatrix(RoutingMatrix{3: {1: 0.5}})
	assert.ErrorIs(t, err, ErrInvalidMatrix)

	err = m.SetDownlinkMatrix(RoutingMatrix{1: {5: 0.5}})
	assert.ErrorIs(t, err, ErrInvalidMatrix)

	assert.Equal(t, before.Uplink, m.Config().Uplink, "rejected matrix must not corrupt state")
}

func TestStep_NegativeGainInvertsPhase(t *testing.T) {
	m, err := NewMixer(1, 1)
	require.NoError(t, err)

	// Gain small enough that headroom normalization and the limiter are
	// both effectively identity.
	require.NoError(t, m.SetUplinkMatrix(RoutingMatrix{1: {1: -0.1}}))
	require.NoError(t, m.PushTabletFrame(1, sineFrame(500.0, 0.5)))
	require.NoError(t, m.Step())

	out, err := m.PullChannelFrame(1)
	require.NoError(t, err)

	ref := sineFrame(500.0, 0.5)
	for i := range out {
		want := -0.1 * float64(ref[i])
		assert.InDelta(t, want, float64(out[i]), 4.0,
			"sample %d: inverted-phase mix mismatch", i)
	}
}

func TestStep_ZeroGainSumSkipsNormalization(t *testing.T) {
	m, err := NewMixer(1, 2)
	require.NoError(t, err)

	// Opposing gains sum to zero; norm must fall back to 1.0 and Step
	// must complete without error.
	require.NoError(t, m.SetUplinkMatrix(RoutingMatrix{1: {1: 0.2, 2: -0.2}}))
	require.NoError(t, m.PushTabletFrame(1, sineFrame(300.0, 0.5)))
	require.NoError(t, m.PushTabletFrame(2, sineFrame(300.0, 0.5)))
	require.NoError(t, m.Step())

	out, err := m.PullChannelFrame(1)
	require.NoError(t, err)
	for _, s := range out {
		assert.InDelta(t, 0.0, float64(s), 2.0, "identical opposed contributions should cancel")
	}
}

func TestPushFrame_LastWriteWins(t *testing.T) {
	m, err := NewMixer(1, 1)
	require.NoError(t, err)
	require.NoError(t, m.SetUplinkMatrix(RoutingMatrix{1: {1: 0.1}}))

	require.NoError(t, m.PushTabletFrame(1, fullScaleFrame()))
	require.NoError(t, m.PushTabletFrame(1, make([]int16, FrameSize))) // silence overrides
	require.NoError(t, m.Step())

	out, err := m.PullChannelFrame(1)
	require.NoError(t, err)
	for _, s := range out {
		require.Zero(t, s, "only the latest pushed frame may be mixed")
	}
}

func TestStep_Deterministic(t *testing.T) {
	run := func() []int16 {
		m, err := NewMixer(4, 16)
		require.NoError(t, err)
		for step := 0; step < 5; step++ {
			for tid := 1; tid <= 16; tid++ {
				require.NoError(t, m.PushTabletFrame(tid, sineFrame(300.0+10.0*float64(tid), 0.8)))
			}
			require.NoError(t, m.Step())
		}
		out, err := m.PullChannelFrame(1)
		require.NoError(t, err)
		return out
	}

	assert.Equal(t, run(), run(), "identical input sequences must reproduce identical output")
}

func TestVULevelsDB_SilenceIsFiniteFloor(t *testing.T) {
	m, err := NewMixer(4, 16)
	require.NoError(t, err)
	require.NoError(t, m.Step())

	levels := m.VULevelsDB()
	require.Len(t, levels.Tablets, 16)
	require.Len(t, levels.Channels, 4)
	for id, db := range levels.Tablets {
		assert.False(t, math.IsInf(db, 0) || math.IsNaN(db), "tablet %d level not finite: %f", id, db)
		assert.Less(t, db, -100.0, "silent tablet %d should report a deep floor", id)
	}
}

func TestVULevels_UsePreLimiterSignal(t *testing.T) {
	m, err := NewMixer(1, 1)
	require.NoError(t, err)

	// A gain far above the limiter knee: post-limiter output is capped
	// near the knee, but metering must reflect the hotter pre-limiter
	// accumulator. Headroom is lifted out of the way first.
	m.SetHeadroomDB(0.0)
	require.NoError(t, m.SetUplinkMatrix(RoutingMatrix{1: {1: 1.0}}))

	for i := 0; i < 10; i++ {
		require.NoError(t, m.PushTabletFrame(1, fullScaleFrame()))
		require.NoError(t, m.Step())
	}

	rms := channelLinearRMS(t, m, 1)
	assert.InDelta(t, 1.0, rms, 0.01, "metering must track the pre-limiter level")

	out, err := m.PullChannelFrame(1)
	require.NoError(t, err)
	limited := float64(out[0]) / MaxInt16
	assert.Less(t, limited, LimiterKnee, "output itself must be soft-limited")
}

func TestSetHeadroomDB(t *testing.T) {
	m, err := NewMixer(1, 1)
	require.NoError(t, err)

	m.SetHeadroomDB(6.0)
	assert.Equal(t, 6.0, m.HeadroomDB())
}

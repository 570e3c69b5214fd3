package intercom

import (
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/intercom/audio"
	"github.com/opd-ai/intercom/client"
	"github.com/opd-ai/intercom/crypto"
	"github.com/opd-ai/intercom/ptt"
	"github.com/opd-ai/intercom/transport"
)

// startNode binds a node on a loopback port for control-plane tests.
func startNode(t *testing.T, encrypted bool) *Intercom {
	t.Helper()
	options := NewOptions()
	options.Config.ListenAddr = "127.0.0.1:0"
	options.Config.NumChannels = 2
	options.Config.NumTablets = 4
	options.EncryptionEnabled = encrypted

	node, err := New(options)
	require.NoError(t, err)
	t.Cleanup(node.Kill)
	return node
}

// newNodeClient opens a plaintext control client against a node.
func newNodeClient(t *testing.T, node *Intercom) *client.Client {
	t.Helper()
	tp, err := transport.NewUDPTransport("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Close() })

	c, err := client.New(tp, node.LocalAddr())
	require.NoError(t, err)
	c.SetTimeout(time.Second)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestControlPlane_Health(t *testing.T) {
	node := startNode(t, false)
	c := newNodeClient(t, node)

	health, err := c.Health()
	require.NoError(t, err)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "intercom-engine", health.Service)
	assert.GreaterOrEqual(t, health.UptimeSeconds, 0.0)
}

func TestControlPlane_StateDefaults(t *testing.T) {
	node := startNode(t, false)
	c := newNodeClient(t, node)

	state, err := c.State()
	require.NoError(t, err)

	assert.Equal(t, audio.DefaultHeadroomDB, state.HeadroomDB)
	assert.Len(t, state.Uplink, 2)
	assert.Len(t, state.Downlink, 4)
	assert.Empty(t, state.TabletMute)
	// Every channel idle at startup.
	for _, tablets := range state.PTT {
		assert.Empty(t, tablets)
	}
}

func TestControlPlane_MatrixUpdate(t *testing.T) {
	node := startNode(t, false)
	c := newNodeClient(t, node)

	hr := 6.0
	err := c.UpdateMatrix(transport.MatrixUpdateRequest{
		Uplink:     audio.RoutingMatrix{1: {1: 0.5}, 2: {}},
		HeadroomDB: &hr,
	})
	require.NoError(t, err)

	state, err := c.State()
	require.NoError(t, err)
	assert.Equal(t, 6.0, state.HeadroomDB)
	assert.Equal(t, 0.5, state.Uplink[1][1])
	// Downlink was omitted from the update and keeps its defaults.
	assert.Len(t, state.Downlink, 4)
}

func TestControlPlane_MatrixUpdateRejectedAtomically(t *testing.T) {
	node := startNode(t, false)
	c := newNodeClient(t, node)

	err := c.UpdateMatrix(transport.MatrixUpdateRequest{
		Uplink:   audio.RoutingMatrix{1: {1: 0.5}},
		Downlink: audio.RoutingMatrix{99: {1: 0.5}}, // tablet 99 out of range
	})
	require.ErrorIs(t, err, client.ErrRemote)

	// The valid uplink half must not have been installed.
	state, err := c.State()
	require.NoError(t, err)
	assert.NotEqual(t, 0.5, state.Uplink[1][1])
}

func TestControlPlane_HeadroomClampedAtBoundary(t *testing.T) {
	node := startNode(t, false)
	c := newNodeClient(t, node)

	hr := 500.0
	require.NoError(t, c.UpdateMatrix(transport.MatrixUpdateRequest{HeadroomDB: &hr}))

	assert.Equal(t, 60.0, node.Mixer().HeadroomDB())
}

func TestControlPlane_Mutes(t *testing.T) {
	node := startNode(t, false)
	c := newNodeClient(t, node)

	require.NoError(t, c.SetTabletMute(2, true))
	require.NoError(t, c.SetChannelMute(1, true))

	state, err := c.State()
	require.NoError(t, err)
	assert.True(t, state.TabletMute[2])
	assert.True(t, state.ChannelMute[1])

	err = c.SetTabletMute(99, true)
	assert.ErrorIs(t, err, client.ErrRemote)
}

func TestControlPlane_PTTRoundTrip(t *testing.T) {
	node := startNode(t, false)
	c := newNodeClient(t, node)

	transitions := make(chan ptt.Event, 4)
	node.OnPTTChange(func(ev ptt.Event) { transitions <- ev })

	state, err := c.RequestPTT(3, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, "ACTIVE", state.State)
	assert.Equal(t, []int{3}, state.ActiveTablets)
	assert.Equal(t, []int{1}, state.TabletChannels)

	select {
	case ev := <-transitions:
		assert.Equal(t, 3, ev.TabletID)
		assert.Equal(t, ptt.StateActive, ev.State)
	case <-time.After(time.Second):
		t.Fatal("no PTT transition delivered")
	}

	// Repeated request is idempotent and fires no second transition.
	_, err = c.RequestPTT(3, 1, 0)
	require.NoError(t, err)
	select {
	case <-transitions:
		t.Fatal("idempotent request fired a transition")
	case <-time.After(50 * time.Millisecond):
	}

	state, err = c.ReleasePTT(3, 1)
	require.NoError(t, err)
	assert.Equal(t, "IDLE", state.State)
	assert.Empty(t, state.ActiveTablets)

	select {
	case ev := <-transitions:
		assert.Equal(t, ptt.StateIdle, ev.State)
	case <-time.After(time.Second):
		t.Fatal("no release transition delivered")
	}
}

func TestControlPlane_ConfigReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"headroom_db": 20.0}`), 0o600))

	options := NewOptions()
	options.Config.ListenAddr = "127.0.0.1:0"
	options.Config.NumChannels = 2
	options.Config.NumTablets = 4
	options.EncryptionEnabled = false
	options.ConfigPaths = []string{path}

	node, err := New(options)
	require.NoError(t, err)
	t.Cleanup(node.Kill)
	c := newNodeClient(t, node)

	// The file changes on disk after startup; reload picks it up.
	require.NoError(t, os.WriteFile(path, []byte(`{"headroom_db": 9.0}`), 0o600))

	reloaded, err := c.ConfigReload()
	require.NoError(t, err)
	assert.Equal(t, 9.0, reloaded.HeadroomDB)
	assert.Equal(t, 9.0, node.Mixer().HeadroomDB())
}

func TestControlPlane_VUQuery(t *testing.T) {
	node := startNode(t, false)
	c := newNodeClient(t, node)

	levels, err := c.VULevels()
	require.NoError(t, err)
	assert.Len(t, levels.Tablets, 4)
	assert.Len(t, levels.Channels, 2)
}

func TestControlPlane_VUSubscription(t *testing.T) {
	node := startNode(t, false)
	c := newNodeClient(t, node)

	pushes := make(chan audio.VULevels, 8)
	c.OnVULevels(func(levels audio.VULevels) { pushes <- levels })

	require.NoError(t, c.SubscribeVU())

	// Drive the engine far enough for at least one push interval.
	for i := 0; i < vuPushTicks*2; i++ {
		node.Iterate()
	}

	select {
	case levels := <-pushes:
		assert.Len(t, levels.Channels, 2)
	case <-time.After(time.Second):
		t.Fatal("no VU push received")
	}

	require.NoError(t, c.UnsubscribeVU())
}

func TestControlPlane_Encrypted(t *testing.T) {
	node := startNode(t, true)

	udp, err := transport.NewUDPTransport("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = udp.Close() })

	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	secure, err := transport.NewNoiseTransport(udp, keys)
	require.NoError(t, err)
	require.NoError(t, secure.AddPeer(node.LocalAddr(), node.PublicKey()))

	c, err := client.New(secure, node.LocalAddr())
	require.NoError(t, err)
	c.SetTimeout(2 * time.Second)
	t.Cleanup(func() { _ = c.Close() })

	health, err := c.Health()
	require.NoError(t, err)
	assert.Equal(t, "ok", health.Status)

	require.NoError(t, c.SetTabletMute(1, true))
	state, err := c.State()
	require.NoError(t, err)
	assert.True(t, state.TabletMute[1])
}

func TestControlPlane_MalformedRequestGetsError(t *testing.T) {
	node := startNode(t, false)

	tp, err := transport.NewUDPTransport("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Close() })

	errs := make(chan transport.Ack, 1)
	tp.RegisterHandler(transport.PacketError, func(p *transport.Packet, _ net.Addr) error {
		_, body, err := transport.DecodeControl(p.Data)
		if err != nil {
			return err
		}
		var ack transport.Ack
		if err := json.Unmarshal(body, &ack); err != nil {
			return err
		}
		errs <- ack
		return nil
	})

	payload, err := transport.EncodeControl(7, "not an object")
	require.NoError(t, err)
	require.NoError(t, tp.Send(&transport.Packet{PacketType: transport.PacketMuteTablet, Data: payload}, node.LocalAddr()))

	select {
	case ack := <-errs:
		assert.False(t, ack.OK)
		assert.NotEmpty(t, ack.Error)
	case <-time.After(time.Second):
		t.Fatal("no error reply received")
	}
}

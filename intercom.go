package intercom

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/intercom/audio"
	"github.com/opd-ai/intercom/config"
	"github.com/opd-ai/intercom/crypto"
	"github.com/opd-ai/intercom/monitor"
	"github.com/opd-ai/intercom/ptt"
	"github.com/opd-ai/intercom/rtp"
	"github.com/opd-ai/intercom/transport"
)

// Number of Iterate calls between VU pushes to subscribers. At the
// engine's frame cadence four ticks is roughly 93ms.
const vuPushTicks = 4

// Options contains configuration options for creating an intercom node.
type Options struct {
	// Config is the engine configuration, normally from config.Load.
	Config config.EngineConfig

	// ConfigPaths are the files consulted, in order, when a config
	// reload is requested over the control plane. Empty disables
	// reloads back to built-in defaults only.
	ConfigPaths []string

	// StaticPrivateKey seeds the node's Noise identity. Empty generates
	// a fresh key pair.
	StaticPrivateKey []byte

	// UDPEnabled controls whether the node binds its UDP socket. Disabled
	// mainly for tests that drive the engine directly.
	UDPEnabled bool

	// EncryptionEnabled wraps the UDP transport in Noise-IK. Peers must
	// be registered with AddPeer before the node can send to them.
	EncryptionEnabled bool

	// MediaPeerAddr is the remote node receiving outbound media frames.
	// Empty defaults to the node's own listen address.
	MediaPeerAddr string
}

// NewOptions creates a default Options configuration.
func NewOptions() *Options {
	return &Options{
		Config:            config.DefaultConfig(),
		UDPEnabled:        true,
		EncryptionEnabled: true,
	}
}

// PTTChangeCallback is invoked for every push-to-talk state transition.
type PTTChangeCallback func(event ptt.Event)

// VULevelsCallback is invoked with each periodic VU meter reading.
type VULevelsCallback func(levels audio.VULevels)

// Intercom is one engine node: mixer, arbiter, and network plane.
type Intercom struct {
	options *Options
	keyPair *crypto.KeyPair

	mixer   *audio.Mixer
	arbiter *ptt.Arbiter
	monitor *monitor.Monitor

	udpTransport     transport.Transport
	noiseTransport   *transport.NoiseTransport
	controlTransport transport.Transport
	session          *rtp.Session

	mu            sync.RWMutex
	running       bool
	tick          uint64
	startTime     time.Time
	vuSubscribers map[string]net.Addr

	pttChangeCallback PTTChangeCallback
	vuLevelsCallback  VULevelsCallback

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an intercom node with the given options.
func New(options *Options) (*Intercom, error) {
	if options == nil {
		options = NewOptions()
	}

	keyPair, err := nodeKeyPair(options)
	if err != nil {
		return nil, err
	}

	mixer, err := audio.NewMixer(options.Config.NumChannels, options.Config.NumTablets)
	if err != nil {
		return nil, fmt.Errorf("create mixer: %w", err)
	}
	mixer.SetHeadroomDB(options.Config.HeadroomDB)

	channels := make([]int, 0, options.Config.NumChannels)
	for ch := 1; ch <= options.Config.NumChannels; ch++ {
		channels = append(channels, ch)
	}

	ctx, cancel := context.WithCancel(context.Background())

	node := &Intercom{
		options:       options,
		keyPair:       keyPair,
		mixer:         mixer,
		arbiter:       ptt.NewArbiter(channels),
		monitor:       monitor.New("intercom-engine"),
		startTime:     time.Now(),
		running:       true,
		vuSubscribers: make(map[string]net.Addr),
		ctx:           ctx,
		cancel:        cancel,
	}

	if options.UDPEnabled {
		err := node.monitor.TimeBlock("transport_setup", logrus.Fields{
			"listen_addr": options.Config.ListenAddr,
		}, node.setupTransport)
		if err != nil {
			cancel()
			return nil, err
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":     "New",
		"num_channels": options.Config.NumChannels,
		"num_tablets":  options.Config.NumTablets,
		"udp_enabled":  options.UDPEnabled,
		"encrypted":    options.EncryptionEnabled,
	}).Info("Intercom node created")

	return node, nil
}

// nodeKeyPair derives the node identity from options.
func nodeKeyPair(options *Options) (*crypto.KeyPair, error) {
	if len(options.StaticPrivateKey) == 0 {
		return crypto.GenerateKeyPair()
	}
	if len(options.StaticPrivateKey) != 32 {
		return nil, errors.New("static private key must be 32 bytes")
	}
	var secretKey [32]byte
	copy(secretKey[:], options.StaticPrivateKey)
	return crypto.FromSecretKey(secretKey)
}

// setupTransport binds the UDP socket, optionally wraps it in Noise, and
// wires the media session and control handlers.
func (ic *Intercom) setupTransport() error {
	udp, err := transport.NewUDPTransport(ic.options.Config.ListenAddr)
	if err != nil {
		return fmt.Errorf("bind UDP transport: %w", err)
	}
	ic.udpTransport = udp
	ic.controlTransport = udp

	if ic.options.EncryptionEnabled {
		noiseTransport, err := transport.NewNoiseTransport(udp, ic.keyPair)
		if err != nil {
			udp.Close()
			return fmt.Errorf("create noise transport: %w", err)
		}
		ic.noiseTransport = noiseTransport
		ic.controlTransport = noiseTransport
	}

	mediaAddr := ic.controlTransport.LocalAddr()
	if ic.options.MediaPeerAddr != "" {
		resolved, err := net.ResolveUDPAddr("udp", ic.options.MediaPeerAddr)
		if err != nil {
			ic.closeTransports()
			return fmt.Errorf("resolve media peer address: %w", err)
		}
		mediaAddr = resolved
	}

	session, err := rtp.NewSession(ic.mixer, ic.controlTransport, mediaAddr)
	if err != nil {
		ic.closeTransports()
		return fmt.Errorf("create media session: %w", err)
	}
	ic.session = session

	ic.registerControlHandlers()
	return nil
}

func (ic *Intercom) closeTransports() {
	ic.mu.Lock()
	noiseTransport := ic.noiseTransport
	udpTransport := ic.udpTransport
	ic.noiseTransport = nil
	ic.udpTransport = nil
	ic.controlTransport = nil
	ic.mu.Unlock()

	if noiseTransport != nil {
		noiseTransport.Close()
	}
	if udpTransport != nil {
		udpTransport.Close()
	}
}

// controlPlane snapshots the control transport under the node lock, so
// an Iterate or handler racing Kill sees either the live transport or
// nil, never a torn read.
func (ic *Intercom) controlPlane() transport.Transport {
	ic.mu.RLock()
	defer ic.mu.RUnlock()
	return ic.controlTransport
}

// PublicKey returns the node's static Noise public key.
func (ic *Intercom) PublicKey() [32]byte {
	return ic.keyPair.Public
}

// Mixer exposes the node's mixing engine for in-process callers.
func (ic *Intercom) Mixer() *audio.Mixer {
	return ic.mixer
}

// Arbiter exposes the node's PTT arbiter for in-process callers.
func (ic *Intercom) Arbiter() *ptt.Arbiter {
	return ic.arbiter
}

// LocalAddr returns the bound control address, or nil when UDP is
// disabled.
func (ic *Intercom) LocalAddr() net.Addr {
	tp := ic.controlPlane()
	if tp == nil {
		return nil
	}
	return tp.LocalAddr()
}

// AddPeer registers a remote node's static public key for Noise
// handshakes. A no-op when encryption is disabled.
func (ic *Intercom) AddPeer(addr net.Addr, publicKey [32]byte) error {
	ic.mu.RLock()
	noiseTransport := ic.noiseTransport
	ic.mu.RUnlock()
	if noiseTransport == nil {
		return nil
	}
	return noiseTransport.AddPeer(addr, publicKey)
}

// OnPTTChange registers a callback for push-to-talk transitions.
func (ic *Intercom) OnPTTChange(callback PTTChangeCallback) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.pttChangeCallback = callback
}

// OnVULevels registers a callback for periodic VU meter readings. The
// callback fires at the subscriber push cadence even with no network
// subscribers.
func (ic *Intercom) OnVULevels(callback VULevelsCallback) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.vuLevelsCallback = callback
}

// Iterate runs one engine tick: a mix step, then periodic VU delivery.
func (ic *Intercom) Iterate() {
	if err := ic.mixer.Step(); err != nil {
		ic.monitor.ErrorEvent("mix_step", err, nil, "Mix step failed")
		return
	}

	ic.mu.Lock()
	ic.tick++
	due := ic.tick%vuPushTicks == 0
	ic.mu.Unlock()

	if due {
		ic.publishVULevels()
	}
}

// publishVULevels delivers the current meter readings to the local
// callback and every subscribed remote address.
func (ic *Intercom) publishVULevels() {
	levels := ic.mixer.VULevelsDB()

	ic.mu.RLock()
	callback := ic.vuLevelsCallback
	tp := ic.controlTransport
	subscribers := make([]net.Addr, 0, len(ic.vuSubscribers))
	for _, addr := range ic.vuSubscribers {
		subscribers = append(subscribers, addr)
	}
	ic.mu.RUnlock()

	if callback != nil {
		callback(levels)
	}

	if tp == nil {
		return
	}
	for _, addr := range subscribers {
		// Request ID zero marks the packet as an unsolicited push.
		if err := ic.sendControl(transport.PacketVULevels, addr, 0, levels); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "publishVULevels",
				"addr":     addr.String(),
				"error":    err.Error(),
			}).Debug("VU push failed")
		}
	}
}

// IterationInterval returns the engine frame period, the recommended
// interval between Iterate calls.
func (ic *Intercom) IterationInterval() time.Duration {
	interval := float64(time.Second) * float64(audio.FrameSize) / float64(audio.SampleRate)
	return time.Duration(interval)
}

// IsRunning checks if the node is still running.
func (ic *Intercom) IsRunning() bool {
	ic.mu.RLock()
	defer ic.mu.RUnlock()
	return ic.running
}

// Run drives the engine clock until the context is cancelled or Kill is
// called.
func (ic *Intercom) Run(ctx context.Context) error {
	interval := ic.IterationInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	ic.monitor.Event("engine_loop", logrus.Fields{
		"interval_ms": float64(interval.Microseconds()) / 1000.0,
	}, "Engine loop started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ic.ctx.Done():
			return nil
		case <-ticker.C:
			if !ic.IsRunning() {
				return nil
			}
			ic.Iterate()
		}
	}
}

// Kill stops the node and releases its network resources. Safe to call
// more than once.
func (ic *Intercom) Kill() {
	ic.mu.Lock()
	if !ic.running {
		ic.mu.Unlock()
		return
	}
	ic.running = false
	ic.vuSubscribers = make(map[string]net.Addr)
	ic.mu.Unlock()

	ic.cancel()
	ic.closeTransports()

	ic.monitor.Event("shutdown", nil, "Intercom node stopped")
}

// Uptime reports how long the node has been running.
func (ic *Intercom) Uptime() time.Duration {
	return time.Since(ic.startTime)
}

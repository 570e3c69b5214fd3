// Package client implements the control-plane client for an intercom
// engine node. It issues typed requests over an intercom transport,
// correlates replies by request ID, and retries with exponential backoff
// when the server does not answer.
package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/intercom/audio"
	"github.com/opd-ai/intercom/transport"
)

const (
	defaultTimeout = 2 * time.Second
	maxAttempts    = 3
	initialBackoff = 300 * time.Millisecond
)

// reply is a correlated response delivered to a waiting request.
type reply struct {
	packetType transport.PacketType
	body       []byte
}

// Client issues control requests to one engine node.
type Client struct {
	transport  transport.Transport
	serverAddr net.Addr
	timeout    time.Duration

	mu         sync.Mutex
	nextID     uint32
	pending    map[uint32]chan reply
	onVULevels func(audio.VULevels)
	closed     bool
}

// New creates a control client for the engine at serverAddr, using an
// already-open transport. The client registers handlers for every reply
// packet type, so a transport should not be shared with another client.
func New(tp transport.Transport, serverAddr net.Addr) (*Client, error) {
	if tp == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if serverAddr == nil {
		return nil, fmt.Errorf("server address is required")
	}

	c := &Client{
		transport:  tp,
		serverAddr: serverAddr,
		timeout:    defaultTimeout,
		pending:    make(map[uint32]chan reply),
	}

	for _, pt := range []transport.PacketType{
		transport.PacketMatrixUpdate,
		transport.PacketMuteTablet,
		transport.PacketMuteChannel,
		transport.PacketPTTState,
		transport.PacketVULevels,
		transport.PacketVUSubscribe,
		transport.PacketVUUnsubscribe,
		transport.PacketState,
		transport.PacketHealth,
		transport.PacketConfigReload,
		transport.PacketError,
	} {
		c.transport.RegisterHandler(pt, c.handleReply)
	}

	return c, nil
}

// SetTimeout overrides the per-attempt reply timeout.
func (c *Client) SetTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.timeout = d
	}
}

// OnVULevels registers a callback for unsolicited VU pushes received
// after SubscribeVU.
func (c *Client) OnVULevels(callback func(audio.VULevels)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onVULevels = callback
}

// Close releases the client. Pending requests fail with ErrClosed. The
// underlying transport is left open for the caller to close.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	return nil
}

// handleReply routes an inbound control packet to the waiting request, or
// to the VU callback when the request ID marks it as a push.
func (c *Client) handleReply(packet *transport.Packet, addr net.Addr) error {
	requestID, body, err := transport.DecodeControl(packet.Data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "handleReply",
			"packet_type": packet.PacketType,
			"error":       err.Error(),
		}).Debug("Discarding malformed control reply")
		return err
	}

	if requestID == 0 {
		return c.handlePush(packet.PacketType, body)
	}

	c.mu.Lock()
	ch, ok := c.pending[requestID]
	if ok {
		delete(c.pending, requestID)
	}
	c.mu.Unlock()

	if !ok {
		// Late reply after the request timed out; drop it.
		return nil
	}

	ch <- reply{packetType: packet.PacketType, body: append([]byte(nil), body...)}
	return nil
}

func (c *Client) handlePush(packetType transport.PacketType, body []byte) error {
	if packetType != transport.PacketVULevels {
		return nil
	}

	c.mu.Lock()
	callback := c.onVULevels
	c.mu.Unlock()
	if callback == nil {
		return nil
	}

	var levels audio.VULevels
	if err := json.Unmarshal(body, &levels); err != nil {
		return fmt.Errorf("decode VU push: %w", err)
	}
	callback(levels)
	return nil
}

// call sends one control request and waits for the correlated reply,
// retrying with doubled backoff when an attempt times out.
func (c *Client) call(requestType transport.PacketType, body interface{}) (reply, error) {
	backoff := initialBackoff
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		r, err := c.attempt(requestType, body)
		if err == nil {
			return r, nil
		}
		lastErr = err
		// A server rejection is definitive; only silence is retried.
		if errors.Is(err, ErrClosed) || errors.Is(err, ErrRemote) || attempt == maxAttempts {
			break
		}

		logrus.WithFields(logrus.Fields{
			"function":     "call",
			"request_type": requestType,
			"attempt":      attempt,
			"backoff_ms":   backoff.Milliseconds(),
		}).Warn("Request attempt failed, retrying")

		time.Sleep(backoff)
		backoff *= 2
	}

	return reply{}, lastErr
}

func (c *Client) attempt(requestType transport.PacketType, body interface{}) (reply, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return reply{}, ErrClosed
	}
	c.nextID++
	if c.nextID == 0 { // zero is reserved for pushes
		c.nextID = 1
	}
	id := c.nextID
	ch := make(chan reply, 1)
	c.pending[id] = ch
	timeout := c.timeout
	c.mu.Unlock()

	cleanup := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	payload, err := transport.EncodeControl(id, body)
	if err != nil {
		cleanup()
		return reply{}, err
	}

	packet := &transport.Packet{PacketType: requestType, Data: payload}
	if err := c.transport.Send(packet, c.serverAddr); err != nil {
		cleanup()
		return reply{}, fmt.Errorf("send request: %w", err)
	}

	select {
	case r, ok := <-ch:
		if !ok {
			return reply{}, ErrClosed
		}
		if r.packetType == transport.PacketError {
			var ack transport.Ack
			if err := json.Unmarshal(r.body, &ack); err != nil {
				return reply{}, fmt.Errorf("%w: undecodable error reply", ErrRemote)
			}
			return reply{}, fmt.Errorf("%w: %s", ErrRemote, ack.Error)
		}
		return r, nil
	case <-time.After(timeout):
		cleanup()
		return reply{}, ErrTimeout
	}
}

// callAck issues a mutating request and checks the acknowledgement body.
func (c *Client) callAck(requestType transport.PacketType, body interface{}) error {
	r, err := c.call(requestType, body)
	if err != nil {
		return err
	}

	var ack transport.Ack
	if err := json.Unmarshal(r.body, &ack); err != nil {
		return fmt.Errorf("decode acknowledgement: %w", err)
	}
	if !ack.OK {
		return fmt.Errorf("%w: %s", ErrRemote, ack.Error)
	}
	return nil
}

// VULevels fetches the current per-endpoint VU meter readings.
func (c *Client) VULevels() (*audio.VULevels, error) {
	r, err := c.call(transport.PacketVUQuery, struct{}{})
	if err != nil {
		return nil, err
	}

	var levels audio.VULevels
	if err := json.Unmarshal(r.body, &levels); err != nil {
		return nil, fmt.Errorf("decode VU levels: %w", err)
	}
	return &levels, nil
}

// State fetches the engine's full control-plane state.
func (c *Client) State() (*transport.StateReply, error) {
	r, err := c.call(transport.PacketStateQuery, struct{}{})
	if err != nil {
		return nil, err
	}

	var state transport.StateReply
	if err := json.Unmarshal(r.body, &state); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return &state, nil
}

// Health checks node liveness.
func (c *Client) Health() (*transport.HealthReply, error) {
	r, err := c.call(transport.PacketHealthQuery, struct{}{})
	if err != nil {
		return nil, err
	}

	var health transport.HealthReply
	if err := json.Unmarshal(r.body, &health); err != nil {
		return nil, fmt.Errorf("decode health: %w", err)
	}
	return &health, nil
}

// UpdateMatrix applies a partial routing update. A direction omitted from
// the request is left unchanged on the engine.
func (c *Client) UpdateMatrix(update transport.MatrixUpdateRequest) error {
	return c.callAck(transport.PacketMatrixUpdate, update)
}

// SetTabletMute sets a tablet's mute flag.
func (c *Client) SetTabletMute(tabletID int, muted bool) error {
	return c.callAck(transport.PacketMuteTablet, transport.MuteTabletRequest{
		TabletID: tabletID,
		Muted:    muted,
	})
}

// SetChannelMute sets a channel's mute flag.
func (c *Client) SetChannelMute(channel int, muted bool) error {
	return c.callAck(transport.PacketMuteChannel, transport.MuteChannelRequest{
		Channel: channel,
		Muted:   muted,
	})
}

func (c *Client) pttCall(requestType transport.PacketType, req transport.PTTChangeRequest) (*transport.PTTStateReply, error) {
	r, err := c.call(requestType, req)
	if err != nil {
		return nil, err
	}

	var state transport.PTTStateReply
	if err := json.Unmarshal(r.body, &state); err != nil {
		return nil, fmt.Errorf("decode PTT state: %w", err)
	}
	return &state, nil
}

// RequestPTT asks the engine to mark a tablet as actively transmitting on
// a channel and returns the channel's resulting state.
func (c *Client) RequestPTT(tabletID, channel, priority int) (*transport.PTTStateReply, error) {
	return c.pttCall(transport.PacketPTTRequest, transport.PTTChangeRequest{
		TabletID: tabletID,
		Channel:  channel,
		Priority: priority,
	})
}

// ReleasePTT clears a tablet's transmission on a channel and returns the
// channel's resulting state.
func (c *Client) ReleasePTT(tabletID, channel int) (*transport.PTTStateReply, error) {
	return c.pttCall(transport.PacketPTTRelease, transport.PTTChangeRequest{
		TabletID: tabletID,
		Channel:  channel,
	})
}

// ConfigReload asks the engine to re-read its configuration from disk
// and returns the headroom now in effect.
func (c *Client) ConfigReload() (*transport.ConfigReloadReply, error) {
	r, err := c.call(transport.PacketConfigReload, struct{}{})
	if err != nil {
		return nil, err
	}

	var reloaded transport.ConfigReloadReply
	if err := json.Unmarshal(r.body, &reloaded); err != nil {
		return nil, fmt.Errorf("decode reload reply: %w", err)
	}
	return &reloaded, nil
}

// PTTSnapshot fetches the engine's current per-channel PTT occupancy.
func (c *Client) PTTSnapshot() (map[int][]int, error) {
	state, err := c.State()
	if err != nil {
		return nil, err
	}
	return state.PTT, nil
}

// SubscribeVU registers this client's address for periodic VU pushes.
// Pushes arrive through the OnVULevels callback.
func (c *Client) SubscribeVU() error {
	return c.callAck(transport.PacketVUSubscribe, struct{}{})
}

// UnsubscribeVU stops periodic VU pushes to this client.
func (c *Client) UnsubscribeVU() error {
	return c.callAck(transport.PacketVUUnsubscribe, struct{}{})
}

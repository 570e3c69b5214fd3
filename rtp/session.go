package rtp

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/intercom/audio"
	"github.com/opd-ai/intercom/transport"
)

// Statistics tracks RTP session activity.
type Statistics struct {
	FramesSent     uint64
	FramesReceived uint64
	FramesDropped  uint64
}

// Session binds the intercom transport to a mixer: inbound audio-frame
// packets are depacketized and pushed into the mixer's input buffers, and
// outbound mixes are pulled from the mixer and packetized toward the
// remote node.
//
// A bad inbound frame is dropped (counted, logged) so a single malformed
// packet silences one endpoint for one tick instead of halting the mix.
type Session struct {
	mixer        *audio.Mixer
	packetizer   *FramePacketizer
	depacketizer *FrameDepacketizer
	remoteAddr   net.Addr
	created      time.Time

	mu    sync.RWMutex
	stats Statistics
}

// NewSession creates an RTP session and registers it as the transport's
// audio-frame handler.
//
// Parameters:
//   - mixer: The mixing engine receiving inbound frames
//   - tr: Intercom transport carrying the session
//   - remoteAddr: Remote node receiving outbound frames
//
// Returns:
//   - *Session: The new session
//   - error: Validation error from packetizer construction
func NewSession(mixer *audio.Mixer, tr transport.Transport, remoteAddr net.Addr) (*Session, error) {
	if mixer == nil {
		return nil, fmt.Errorf("mixer cannot be nil")
	}

	packetizer, err := NewFramePacketizer(tr, remoteAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to create frame packetizer: %w", err)
	}

	session := &Session{
		mixer:        mixer,
		packetizer:   packetizer,
		depacketizer: NewFrameDepacketizer(),
		remoteAddr:   remoteAddr,
		created:      time.Now(),
	}

	tr.RegisterHandler(transport.PacketAudioFrame, session.handleAudioFrame)

	logrus.WithFields(logrus.Fields{
		"function":    "NewSession",
		"remote_addr": remoteAddr.String(),
	}).Info("RTP session created")

	return session, nil
}

// SendTabletFrame pulls the tablet's current downlink mix from the mixer
// and transmits it.
func (s *Session) SendTabletFrame(tabletID int) error {
	pcm, err := s.mixer.PullTabletFrame(tabletID)
	if err != nil {
		return fmt.Errorf("send tablet frame: %w", err)
	}
	if err := s.packetizer.SendFrame(EndpointTablet, tabletID, pcm); err != nil {
		return err
	}
	s.countSent()
	return nil
}

// SendChannelFrame pulls the channel's current uplink mix from the mixer
// and transmits it.
func (s *Session) SendChannelFrame(channel int) error {
	pcm, err := s.mixer.PullChannelFrame(channel)
	if err != nil {
		return fmt.Errorf("send channel frame: %w", err)
	}
	if err := s.packetizer.SendFrame(EndpointChannel, channel, pcm); err != nil {
		return err
	}
	s.countSent()
	return nil
}

// Statistics returns a copy of the session counters.
func (s *Session) Statistics() Statistics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// SequenceGaps returns the inbound sequence discontinuity count.
func (s *Session) SequenceGaps() uint64 {
	return s.depacketizer.SequenceGaps()
}

// handleAudioFrame pushes one inbound frame into the mixer.
func (s *Session) handleAudioFrame(packet *transport.Packet, addr net.Addr) error {
	kind, endpointID, pcm, err := s.depacketizer.ParseFrame(packet.Data)
	if err != nil {
		s.countDropped()
		logrus.WithFields(logrus.Fields{
			"function": "Session.handleAudioFrame",
			"from":     addr.String(),
			"error":    err.Error(),
		}).Debug("Dropping malformed audio frame")
		return fmt.Errorf("parse audio frame: %w", err)
	}

	switch kind {
	case EndpointTablet:
		err = s.mixer.PushTabletFrame(endpointID, pcm)
	case EndpointChannel:
		err = s.mixer.PushChannelFrame(endpointID, pcm)
	}
	if err != nil {
		s.countDropped()
		logrus.WithFields(logrus.Fields{
			"function":    "Session.handleAudioFrame",
			"endpoint_id": endpointID,
			"error":       err.Error(),
		}).Debug("Dropping frame for unknown endpoint")
		return fmt.Errorf("push audio frame: %w", err)
	}

	s.mu.Lock()
	s.stats.FramesReceived++
	s.mu.Unlock()
	return nil
}

func (s *Session) countSent() {
	s.mu.Lock()
	s.stats.FramesSent++
	s.mu.Unlock()
}

func (s *Session) countDropped() {
	s.mu.Lock()
	s.stats.FramesDropped++
	s.mu.Unlock()
}

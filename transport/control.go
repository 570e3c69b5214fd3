package transport

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/opd-ai/intercom/audio"
)

// Control packets carry a 4-byte big-endian request ID followed by a JSON
// body. Request ID zero is reserved for unsolicited pushes (VU telemetry);
// clients correlate replies to requests by non-zero IDs.

const controlHeaderSize = 4

// ErrControlTooShort indicates a control payload without a full request ID.
var ErrControlTooShort = errors.New("control payload too short")

// EncodeControl serializes a request ID and JSON body into a control
// payload.
func EncodeControl(requestID uint32, body interface{}) ([]byte, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode control body: %w", err)
	}

	payload := make([]byte, controlHeaderSize+len(encoded))
	binary.BigEndian.PutUint32(payload[:controlHeaderSize], requestID)
	copy(payload[controlHeaderSize:], encoded)
	return payload, nil
}

// DecodeControl splits a control payload into its request ID and JSON
// body. The returned body aliases the input slice.
func DecodeControl(data []byte) (uint32, []byte, error) {
	if len(data) < controlHeaderSize {
		return 0, nil, ErrControlTooShort
	}
	return binary.BigEndian.Uint32(data[:controlHeaderSize]), data[controlHeaderSize:], nil
}

// Ack is the reply body for mutating control requests, and the body of
// PacketError replies.
type Ack struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// MatrixUpdateRequest applies a partial routing update. Omitted directions
// are left untouched; a present direction replaces that matrix wholesale.
type MatrixUpdateRequest struct {
	Uplink     audio.RoutingMatrix `json:"uplink,omitempty"`
	Downlink   audio.RoutingMatrix `json:"downlink,omitempty"`
	HeadroomDB *float64            `json:"headroom_db,omitempty"`
}

// MuteTabletRequest sets the mute flag of one tablet.
type MuteTabletRequest struct {
	TabletID int  `json:"tablet_id"`
	Muted    bool `json:"muted"`
}

// MuteChannelRequest sets the mute flag of one channel.
type MuteChannelRequest struct {
	Channel int  `json:"channel"`
	Muted   bool `json:"muted"`
}

// PTTChangeRequest requests or releases push-to-talk for a tablet on a
// channel. Priority is carried on requests and ignored on releases.
type PTTChangeRequest struct {
	TabletID int `json:"tablet_id"`
	Channel  int `json:"channel"`
	Priority int `json:"priority,omitempty"`
}

// PTTStateReply describes the channel a PTT change touched, after the
// change was applied.
type PTTStateReply struct {
	Channel        int    `json:"channel"`
	State          string `json:"state"`
	ActiveTablets  []int  `json:"active_tablets"`
	TabletChannels []int  `json:"tablet_channels"`
}

// StateReply is the full control-plane state of an engine: routing, mutes,
// headroom, and the PTT occupancy per channel.
type StateReply struct {
	TabletMute  map[int]bool        `json:"tablet_mute"`
	ChannelMute map[int]bool        `json:"channel_mute"`
	Uplink      audio.RoutingMatrix `json:"uplink"`
	Downlink    audio.RoutingMatrix `json:"downlink"`
	HeadroomDB  float64             `json:"headroom_db"`
	PTT         map[int][]int       `json:"ptt"`
}

// ConfigReloadReply reports the headroom in effect after a reload from
// disk.
type ConfigReloadReply struct {
	HeadroomDB float64 `json:"headroom_db"`
}

// HealthReply reports node liveness.
type HealthReply struct {
	Status        string  `json:"status"`
	Service       string  `json:"service"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

package intercom

import (
	"encoding/json"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/intercom/audio"
	"github.com/opd-ai/intercom/config"
	"github.com/opd-ai/intercom/transport"
)

// registerControlHandlers wires every control packet type to its handler
// on the node's transport.
func (ic *Intercom) registerControlHandlers() {
	handlers := map[transport.PacketType]transport.PacketHandler{
		transport.PacketMatrixUpdate:  ic.handleMatrixUpdate,
		transport.PacketMuteTablet:    ic.handleMuteTablet,
		transport.PacketMuteChannel:   ic.handleMuteChannel,
		transport.PacketPTTRequest:    ic.handlePTTRequest,
		transport.PacketPTTRelease:    ic.handlePTTRelease,
		transport.PacketVUQuery:       ic.handleVUQuery,
		transport.PacketVUSubscribe:   ic.handleVUSubscribe,
		transport.PacketVUUnsubscribe: ic.handleVUUnsubscribe,
		transport.PacketStateQuery:    ic.handleStateQuery,
		transport.PacketHealthQuery:   ic.handleHealthQuery,
		transport.PacketConfigReload:  ic.handleConfigReload,
	}
	for packetType, handler := range handlers {
		ic.controlTransport.RegisterHandler(packetType, handler)
	}
}

// sendControl serializes a control reply and transmits it.
func (ic *Intercom) sendControl(packetType transport.PacketType, addr net.Addr, requestID uint32, body interface{}) error {
	tp := ic.controlPlane()
	if tp == nil {
		return fmt.Errorf("control transport is closed")
	}
	payload, err := transport.EncodeControl(requestID, body)
	if err != nil {
		return err
	}
	return tp.Send(&transport.Packet{PacketType: packetType, Data: payload}, addr)
}

// replyError reports a failed request back to its sender.
func (ic *Intercom) replyError(addr net.Addr, requestID uint32, cause error) error {
	ic.monitor.ErrorEvent("control_rejected", cause, logrus.Fields{"addr": addr.String()}, "Control request rejected")
	return ic.sendControl(transport.PacketError, addr, requestID, transport.Ack{OK: false, Error: cause.Error()})
}

// decodeRequest splits a control payload and unmarshals its JSON body
// into req. A nil req skips body decoding for bodyless queries.
func decodeRequest(data []byte, req interface{}) (uint32, error) {
	requestID, body, err := transport.DecodeControl(data)
	if err != nil {
		return 0, err
	}
	if req == nil {
		return requestID, nil
	}
	if err := json.Unmarshal(body, req); err != nil {
		return requestID, fmt.Errorf("decode request body: %w", err)
	}
	return requestID, nil
}

func (ic *Intercom) handleMatrixUpdate(packet *transport.Packet, addr net.Addr) error {
	var req transport.MatrixUpdateRequest
	requestID, err := decodeRequest(packet.Data, &req)
	if err != nil {
		return ic.replyError(addr, requestID, err)
	}

	// Validate both directions before installing either, so a rejected
	// update leaves the whole routing state untouched.
	if req.Uplink != nil {
		if err := audio.ValidateMatrix(req.Uplink, ic.mixer.NumChannels(), ic.mixer.NumTablets()); err != nil {
			return ic.replyError(addr, requestID, err)
		}
	}
	if req.Downlink != nil {
		if err := audio.ValidateMatrix(req.Downlink, ic.mixer.NumTablets(), ic.mixer.NumChannels()); err != nil {
			return ic.replyError(addr, requestID, err)
		}
	}
	if req.Uplink != nil {
		if err := ic.mixer.SetUplinkMatrix(req.Uplink); err != nil {
			return ic.replyError(addr, requestID, err)
		}
	}
	if req.Downlink != nil {
		if err := ic.mixer.SetDownlinkMatrix(req.Downlink); err != nil {
			return ic.replyError(addr, requestID, err)
		}
	}
	if req.HeadroomDB != nil {
		db := *req.HeadroomDB
		if db < config.MinHeadroomDB {
			db = config.MinHeadroomDB
		} else if db > config.MaxHeadroomDB {
			db = config.MaxHeadroomDB
		}
		ic.mixer.SetHeadroomDB(db)
	}

	ic.monitor.Event("matrix_update", logrus.Fields{
		"uplink_rows":   len(req.Uplink),
		"downlink_rows": len(req.Downlink),
		"addr":          addr.String(),
	}, "Routing update applied")

	return ic.sendControl(transport.PacketMatrixUpdate, addr, requestID, transport.Ack{OK: true})
}

func (ic *Intercom) handleMuteTablet(packet *transport.Packet, addr net.Addr) error {
	var req transport.MuteTabletRequest
	requestID, err := decodeRequest(packet.Data, &req)
	if err != nil {
		return ic.replyError(addr, requestID, err)
	}

	if err := ic.mixer.SetTabletMute(req.TabletID, req.Muted); err != nil {
		return ic.replyError(addr, requestID, err)
	}
	return ic.sendControl(transport.PacketMuteTablet, addr, requestID, transport.Ack{OK: true})
}

func (ic *Intercom) handleMuteChannel(packet *transport.Packet, addr net.Addr) error {
	var req transport.MuteChannelRequest
	requestID, err := decodeRequest(packet.Data, &req)
	if err != nil {
		return ic.replyError(addr, requestID, err)
	}

	if err := ic.mixer.SetChannelMute(req.Channel, req.Muted); err != nil {
		return ic.replyError(addr, requestID, err)
	}
	return ic.sendControl(transport.PacketMuteChannel, addr, requestID, transport.Ack{OK: true})
}

func (ic *Intercom) handlePTTRequest(packet *transport.Packet, addr net.Addr) error {
	return ic.handlePTTChange(packet, addr, true)
}

func (ic *Intercom) handlePTTRelease(packet *transport.Packet, addr net.Addr) error {
	return ic.handlePTTChange(packet, addr, false)
}

func (ic *Intercom) handlePTTChange(packet *transport.Packet, addr net.Addr, activate bool) error {
	var req transport.PTTChangeRequest
	requestID, err := decodeRequest(packet.Data, &req)
	if err != nil {
		return ic.replyError(addr, requestID, err)
	}

	before := ic.tabletOnChannel(req.TabletID, req.Channel)
	if activate {
		ic.arbiter.Request(req.TabletID, req.Channel, req.Priority)
	} else {
		ic.arbiter.Release(req.TabletID, req.Channel)
	}
	if before != ic.tabletOnChannel(req.TabletID, req.Channel) {
		ic.firePTTChange()
	}

	state := ic.arbiter.ChannelState(req.Channel)
	reply := transport.PTTStateReply{
		Channel:        state.Channel,
		State:          string(state.State),
		ActiveTablets:  state.ActiveTablets,
		TabletChannels: ic.arbiter.TabletChannels(req.TabletID),
	}
	return ic.sendControl(transport.PacketPTTState, addr, requestID, reply)
}

func (ic *Intercom) tabletOnChannel(tabletID, channel int) bool {
	for _, ch := range ic.arbiter.TabletChannels(tabletID) {
		if ch == channel {
			return true
		}
	}
	return false
}

// firePTTChange delivers the newest arbitration transition to the
// registered callback.
func (ic *Intercom) firePTTChange() {
	ic.mu.RLock()
	callback := ic.pttChangeCallback
	ic.mu.RUnlock()
	if callback == nil {
		return
	}

	history := ic.arbiter.History()
	if len(history) == 0 {
		return
	}
	callback(history[len(history)-1])
}

func (ic *Intercom) handleVUQuery(packet *transport.Packet, addr net.Addr) error {
	requestID, err := decodeRequest(packet.Data, nil)
	if err != nil {
		return ic.replyError(addr, requestID, err)
	}
	return ic.sendControl(transport.PacketVULevels, addr, requestID, ic.mixer.VULevelsDB())
}

func (ic *Intercom) handleVUSubscribe(packet *transport.Packet, addr net.Addr) error {
	requestID, err := decodeRequest(packet.Data, nil)
	if err != nil {
		return ic.replyError(addr, requestID, err)
	}

	ic.mu.Lock()
	ic.vuSubscribers[addr.String()] = addr
	count := len(ic.vuSubscribers)
	ic.mu.Unlock()

	ic.monitor.Event("vu_subscribe", logrus.Fields{"addr": addr.String(), "subscribers": count}, "VU subscriber added")
	return ic.sendControl(transport.PacketVUSubscribe, addr, requestID, transport.Ack{OK: true})
}

func (ic *Intercom) handleVUUnsubscribe(packet *transport.Packet, addr net.Addr) error {
	requestID, err := decodeRequest(packet.Data, nil)
	if err != nil {
		return ic.replyError(addr, requestID, err)
	}

	ic.mu.Lock()
	delete(ic.vuSubscribers, addr.String())
	ic.mu.Unlock()

	return ic.sendControl(transport.PacketVUUnsubscribe, addr, requestID, transport.Ack{OK: true})
}

func (ic *Intercom) handleStateQuery(packet *transport.Packet, addr net.Addr) error {
	requestID, err := decodeRequest(packet.Data, nil)
	if err != nil {
		return ic.replyError(addr, requestID, err)
	}
	return ic.sendControl(transport.PacketState, addr, requestID, ic.stateReply())
}

// stateReply snapshots the full control-plane state.
func (ic *Intercom) stateReply() transport.StateReply {
	cfg := ic.mixer.Config()
	return transport.StateReply{
		TabletMute:  cfg.TabletMute,
		ChannelMute: cfg.ChannelMute,
		Uplink:      cfg.Uplink,
		Downlink:    cfg.Downlink,
		HeadroomDB:  cfg.HeadroomDB,
		PTT:         ic.arbiter.Snapshot().Channels,
	}
}

// handleConfigReload re-reads configuration from disk and re-applies the
// headroom target. Sample rate and frame size are compiled constants and
// cannot change at runtime; endpoint counts are fixed at construction.
func (ic *Intercom) handleConfigReload(packet *transport.Packet, addr net.Addr) error {
	requestID, err := decodeRequest(packet.Data, nil)
	if err != nil {
		return ic.replyError(addr, requestID, err)
	}

	cfg, err := config.Load(ic.options.ConfigPaths...)
	if err != nil {
		return ic.replyError(addr, requestID, err)
	}
	ic.mixer.SetHeadroomDB(cfg.HeadroomDB)

	ic.monitor.Event("config_reload", logrus.Fields{
		"headroom_db": cfg.HeadroomDB,
		"addr":        addr.String(),
	}, "Configuration reloaded")

	return ic.sendControl(transport.PacketConfigReload, addr, requestID, transport.ConfigReloadReply{
		HeadroomDB: cfg.HeadroomDB,
	})
}

func (ic *Intercom) handleHealthQuery(packet *transport.Packet, addr net.Addr) error {
	requestID, err := decodeRequest(packet.Data, nil)
	if err != nil {
		return ic.replyError(addr, requestID, err)
	}

	reply := transport.HealthReply{
		Status:        "ok",
		Service:       ic.monitor.Service(),
		UptimeSeconds: ic.Uptime().Seconds(),
	}
	return ic.sendControl(transport.PacketHealth, addr, requestID, reply)
}

// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package spice

import (
	"context"
	"time"
)

// mainChannel is the main channel's state machine: session init,
// channels-list driven sub-connection, and agent lifecycle messages
// (spec.md §4.5). Grounded on the teacher's mainLoop message-type
// switch in client.go, generalized to SPICE's main-channel message set
// (DESIGN.md "Main channel").
type mainChannel struct {
	*channelState
	sess *Session
}

// mainInitPayload is SPICE_MSG_MAIN_INIT's fixed layout.
type mainInitPayload struct {
	SessionID           uint32
	DisplayChannelsHint uint32
	SupportedMouseModes uint32
	CurrentMouseMode    uint32
	AgentConnected      uint32
	AgentTokens         uint32
	MultiMediaTime      uint32
	RamHint             uint32
}

// channelsListEntry is one {type, id} pair in SPICE_MSG_MAIN_CHANNELS_LIST.
type channelsListEntry struct {
	Type ChannelType
	ID   uint8
}

func (m *mainChannel) state() *channelState { return m.channelState }

// poll reads and dispatches one frame on the main channel.
func (m *mainChannel) poll(ctx context.Context, timeout time.Duration) error {
	f, result, err := m.readOne(ctx)
	if err != nil {
		return err
	}
	if result == resultHandled {
		return nil
	}

	if !m.initDone {
		if err := m.handleInit(ctx, f); err != nil {
			return err
		}
		return m.afterMessage(ctx)
	}

	err = m.dispatch(ctx, f)
	if err != nil {
		return err
	}
	return m.afterMessage(ctx)
}

// handleInit enforces that the first in-message is main-init (spec.md
// §4.5) and processes it.
func (m *mainChannel) handleInit(ctx context.Context, f frame) error {
	if f.Type != MsgMainInit {
		return protocolError("mainChannel.handleInit", "first main-channel message was not main-init", nil)
	}

	dec := newWireDecoder(f.Bytes)
	var init mainInitPayload
	dec.get(&init.SessionID)
	dec.get(&init.DisplayChannelsHint)
	dec.get(&init.SupportedMouseModes)
	dec.get(&init.CurrentMouseMode)
	dec.get(&init.AgentConnected)
	dec.get(&init.AgentTokens)
	dec.get(&init.MultiMediaTime)
	dec.get(&init.RamHint)
	if dec.Err() != nil {
		return protocolError("mainChannel.handleInit", "malformed main-init", dec.Err())
	}

	m.sess.mu.Lock()
	m.sess.sessionID = init.SessionID
	m.sess.mouse.mode = MouseMode(init.CurrentMouseMode)
	m.sess.mu.Unlock()
	m.initDone = true

	m.sess.agent.setServerTokens(init.AgentTokens)

	if MouseMode(init.CurrentMouseMode) == MouseModeServer {
		if err := m.sendMouseModeRequest(ctx, MouseModeClient); err != nil {
			return err
		}
	}

	if init.AgentConnected != 0 {
		if err := m.sess.agent.connect(ctx, m.sess); err != nil {
			return err
		}
	}

	return m.sendAttachChannels(ctx)
}

func (m *mainChannel) sendMouseModeRequest(ctx context.Context, mode MouseMode) error {
	enc := newWireEncoder()
	enc.put(uint32(mode))
	return m.transport.send(ctx, MsgcMainMouseModeRequest, enc.bytes())
}

func (m *mainChannel) sendAttachChannels(ctx context.Context) error {
	return m.transport.send(ctx, MsgcMainAttachChannels, nil)
}

// dispatch handles the main-channel messages that follow main-init
// (spec.md §4.5). Unrecognized types are discarded by size (the frame
// payload has already been fully read by readFrame).
func (m *mainChannel) dispatch(ctx context.Context, f frame) error {
	switch f.Type {
	case MsgMainChannelsList:
		return m.handleChannelsList(ctx, f)

	case MsgMainAgentConnected:
		return m.sess.agent.connect(ctx, m.sess)

	case MsgMainAgentConnectedTokens:
		dec := newWireDecoder(f.Bytes)
		var tokens uint32
		dec.get(&tokens)
		if dec.Err() != nil {
			return protocolError("mainChannel.dispatch", "malformed agent-connected-tokens", dec.Err())
		}
		m.sess.agent.setServerTokens(tokens)
		return m.sess.agent.connect(ctx, m.sess)

	case MsgMainAgentDisconnected:
		m.sess.agent.disconnect()
		return nil

	case MsgMainAgentData:
		return m.sess.agent.onAgentData(ctx, m.sess, f.Bytes)

	case MsgMainAgentToken:
		dec := newWireDecoder(f.Bytes)
		var tokens uint32
		dec.get(&tokens)
		if dec.Err() != nil {
			return protocolError("mainChannel.dispatch", "malformed agent-token", dec.Err())
		}
		m.sess.agent.credit(tokens)
		return m.sess.agent.drain(ctx, m.transport)

	default:
		return nil
	}
}

// handleChannelsList iterates every entry in the list and connects a
// fresh inputs or (if playback was requested) playback channel for each
// one named (spec.md §4.5). The full list is always walked rather than
// returning after the first match, which has the same net effect as
// PureSpice's dual gate on inputs+playback connection state
// (original_source/src/spice.c, SPEC_FULL.md §4) without needing a
// special early-return guard.
func (m *mainChannel) handleChannelsList(ctx context.Context, f frame) error {
	dec := newWireDecoder(f.Bytes)
	var count uint32
	dec.get(&count)
	if dec.Err() != nil || count > maxChannelsListEntries {
		return protocolError("mainChannel.handleChannelsList", "malformed channels-list", dec.Err())
	}

	entries := make([]channelsListEntry, count)
	for i := range entries {
		var typ, id uint8
		dec.get(&typ)
		dec.get(&id)
		entries[i] = channelsListEntry{Type: ChannelType(typ), ID: id}
	}
	if dec.Err() != nil {
		return protocolError("mainChannel.handleChannelsList", "malformed channels-list entries", dec.Err())
	}

	for _, e := range entries {
		switch e.Type {
		case ChannelInputs:
			if err := m.connectSubChannel(ctx, ChannelInputs, e.ID); err != nil {
				return err
			}
		case ChannelPlayback:
			if m.sess.cfg.PlaybackRequested {
				if err := m.connectSubChannel(ctx, ChannelPlayback, e.ID); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

const maxChannelsListEntries = 256

// connectSubChannel dials and links a new inputs or playback channel.
// Connecting an already-connected sub-channel is a protocol violation
// (spec.md §4.5).
func (m *mainChannel) connectSubChannel(ctx context.Context, typ ChannelType, id uint8) error {
	m.sess.mu.Lock()
	switch typ {
	case ChannelInputs:
		if m.sess.inputs != nil {
			m.sess.mu.Unlock()
			return protocolError("mainChannel.connectSubChannel", "inputs channel already connected", nil)
		}
	case ChannelPlayback:
		if m.sess.playback != nil {
			m.sess.mu.Unlock()
			return protocolError("mainChannel.connectSubChannel", "playback channel already connected", nil)
		}
	}
	sessionID := m.sess.sessionID
	host, port, password := m.sess.cfg.Host, m.sess.cfg.Port, m.sess.cfg.Password
	m.sess.mu.Unlock()

	dialCtx := ctx
	if m.sess.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, m.sess.cfg.ConnectTimeout)
		defer cancel()
	}

	t, err := dialTransport(dialCtx, host, port)
	if err != nil {
		return err
	}
	t.attachMetrics(m.sess.metrics, typ)
	t.attachTimeouts(m.sess.cfg.WriteTimeout)

	if _, err := linkChannel(dialCtx, t, m.sess.encrypter, sessionID, typ, id, password); err != nil {
		_ = t.close()
		return err
	}

	cs := &channelState{transport: t, connected: true, ready: true, channelType: typ, logger: m.sess.logger, metrics: m.sess.metrics}
	if typ == ChannelPlayback {
		// The playback channel has no explicit init message of its own
		// (spec.md §4.7 lists only start/data/stop/volume/mute), so it is
		// considered initialized as soon as the link handshake completes.
		cs.initDone = true
	}

	m.sess.mu.Lock()
	defer m.sess.mu.Unlock()
	switch typ {
	case ChannelInputs:
		m.sess.inputs = &inputsChannel{channelState: cs, sess: m.sess}
	case ChannelPlayback:
		m.sess.playback = &playbackChannel{channelState: cs, sess: m.sess}
	}
	return nil
}

// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package spice

import (
	"context"
	"net"
	"testing"
)

func newTestMainChannel(t *testing.T) (*mainChannel, *Session, net.Conn) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() {
		clientConn.Close()
		serverConn.Close()
	})

	sess := &Session{validator: newInputValidator(), agent: newAgentState()}
	m := &mainChannel{
		channelState: &channelState{transport: &transport{conn: clientConn}, channelType: ChannelMain},
		sess:         sess,
	}
	sess.main = m
	return m, sess, serverConn
}

func encodeMainInit(p mainInitPayload) []byte {
	enc := newWireEncoder()
	enc.put(p.SessionID)
	enc.put(p.DisplayChannelsHint)
	enc.put(p.SupportedMouseModes)
	enc.put(p.CurrentMouseMode)
	enc.put(p.AgentConnected)
	enc.put(p.AgentTokens)
	enc.put(p.MultiMediaTime)
	enc.put(p.RamHint)
	return enc.bytes()
}

func TestChannelMain_HandleInitRequiresMainInit(t *testing.T) {
	m, _, _ := newTestMainChannel(t)
	ctx := context.Background()

	if err := m.handleInit(ctx, frame{Type: MessageType(0xDEAD)}); err == nil {
		t.Fatal("handleInit() should reject a non-main-init first message")
	}
}

func TestChannelMain_HandleInitSetsSessionStateAndAttachesChannels(t *testing.T) {
	m, sess, serverConn := newTestMainChannel(t)
	ctx := context.Background()

	payload := encodeMainInit(mainInitPayload{
		SessionID:        99,
		CurrentMouseMode: uint32(MouseModeClient),
		AgentConnected:   0,
	})

	done := make(chan error, 1)
	go func() { done <- m.handleInit(ctx, frame{Type: MsgMainInit, Bytes: payload}) }()

	f, err := readFrame(ctx, serverConn)
	if err != nil {
		t.Fatalf("readFrame() error = %v", err)
	}
	if f.Type != MsgcMainAttachChannels {
		t.Errorf("frame type = %v, want MsgcMainAttachChannels", f.Type)
	}
	if err := <-done; err != nil {
		t.Fatalf("handleInit() error = %v", err)
	}

	if sess.sessionID != 99 {
		t.Errorf("sessionID = %d, want 99", sess.sessionID)
	}
	if !m.initDone {
		t.Error("handleInit() should set initDone")
	}
}

func TestChannelMain_HandleInitRequestsClientModeWhenServerOwnsCursor(t *testing.T) {
	m, _, serverConn := newTestMainChannel(t)
	ctx := context.Background()

	payload := encodeMainInit(mainInitPayload{CurrentMouseMode: uint32(MouseModeServer)})

	done := make(chan error, 1)
	go func() { done <- m.handleInit(ctx, frame{Type: MsgMainInit, Bytes: payload}) }()

	f1, err := readFrame(ctx, serverConn)
	if err != nil {
		t.Fatalf("readFrame() mode request error = %v", err)
	}
	if f1.Type != MsgcMainMouseModeRequest {
		t.Errorf("first frame = %v, want MsgcMainMouseModeRequest", f1.Type)
	}
	f2, err := readFrame(ctx, serverConn)
	if err != nil {
		t.Fatalf("readFrame() attach-channels error = %v", err)
	}
	if f2.Type != MsgcMainAttachChannels {
		t.Errorf("second frame = %v, want MsgcMainAttachChannels", f2.Type)
	}
	if err := <-done; err != nil {
		t.Fatalf("handleInit() error = %v", err)
	}
}

func TestChannelMain_HandleInitConnectsAgentWhenAlreadyConnected(t *testing.T) {
	m, sess, serverConn := newTestMainChannel(t)
	ctx := context.Background()

	payload := encodeMainInit(mainInitPayload{
		CurrentMouseMode: uint32(MouseModeClient),
		AgentConnected:   1,
		AgentTokens:      10,
	})

	done := make(chan error, 1)
	go func() { done <- m.handleInit(ctx, frame{Type: MsgMainInit, Bytes: payload}) }()

	// agent-start, capability announcement header+body, then attach-channels.
	for i := 0; i < 4; i++ {
		if _, err := readFrame(ctx, serverConn); err != nil {
			t.Fatalf("readFrame() #%d error = %v", i, err)
		}
	}
	if err := <-done; err != nil {
		t.Fatalf("handleInit() error = %v", err)
	}
	if !sess.agent.connected() {
		t.Error("handleInit() should connect the agent when agent-connected is set")
	}
}

func TestChannelMain_DispatchAgentConnectedTokensSetsTokensAndConnects(t *testing.T) {
	m, sess, serverConn := newTestMainChannel(t)
	ctx := context.Background()

	enc := newWireEncoder()
	enc.put(uint32(7))

	done := make(chan error, 1)
	go func() { done <- m.dispatch(ctx, frame{Type: MsgMainAgentConnectedTokens, Bytes: enc.bytes()}) }()

	for i := 0; i < 3; i++ {
		if _, err := readFrame(ctx, serverConn); err != nil {
			t.Fatalf("readFrame() #%d error = %v", i, err)
		}
	}
	if err := <-done; err != nil {
		t.Fatalf("dispatch() error = %v", err)
	}
	if !sess.agent.connected() {
		t.Error("dispatch(agent-connected-tokens) should connect the agent")
	}
}

func TestChannelMain_DispatchAgentDisconnected(t *testing.T) {
	m, sess, _ := newTestMainChannel(t)
	sess.agent.hasAgent = true
	ctx := context.Background()

	if err := m.dispatch(ctx, frame{Type: MsgMainAgentDisconnected}); err != nil {
		t.Fatalf("dispatch() error = %v", err)
	}
	if sess.agent.connected() {
		t.Error("dispatch(agent-disconnected) should clear agent connection state")
	}
}

func TestChannelMain_DispatchAgentToken(t *testing.T) {
	m, sess, serverConn := newTestMainChannel(t)
	sess.agent.queue.push([]byte("queued"))
	ctx := context.Background()

	enc := newWireEncoder()
	enc.put(uint32(1))

	done := make(chan error, 1)
	go func() { done <- m.dispatch(ctx, frame{Type: MsgMainAgentToken, Bytes: enc.bytes()}) }()

	f, err := readFrame(ctx, serverConn)
	if err != nil {
		t.Fatalf("readFrame() error = %v", err)
	}
	if f.Type != MsgcMainAgentData || string(f.Bytes) != "queued" {
		t.Errorf("frame = %+v, want MsgcMainAgentData carrying \"queued\"", f)
	}
	if err := <-done; err != nil {
		t.Fatalf("dispatch() error = %v", err)
	}
}

func TestChannelMain_HandleChannelsListSkipsPlaybackUnlessRequested(t *testing.T) {
	m, sess, _ := newTestMainChannel(t)
	sess.cfg.PlaybackRequested = false
	ctx := context.Background()

	// Only the playback entry is listed; since playback wasn't requested,
	// connectSubChannel is never called and handleChannelsList returns
	// without attempting any dial.
	enc := newWireEncoder()
	enc.put(uint32(1))
	enc.put(uint8(ChannelPlayback))
	enc.put(uint8(2))

	if err := m.handleChannelsList(ctx, frame{Bytes: enc.bytes()}); err != nil {
		t.Fatalf("handleChannelsList() error = %v", err)
	}
	if sess.playback != nil {
		t.Error("handleChannelsList() should not connect playback when it wasn't requested")
	}
}

func TestChannelMain_HandleChannelsListRejectsOversizedCount(t *testing.T) {
	m, _, _ := newTestMainChannel(t)
	ctx := context.Background()

	enc := newWireEncoder()
	enc.put(uint32(maxChannelsListEntries + 1))

	if err := m.handleChannelsList(ctx, frame{Bytes: enc.bytes()}); err == nil {
		t.Fatal("handleChannelsList() should reject a count beyond maxChannelsListEntries")
	}
}

func TestChannelMain_ConnectSubChannelRejectsDuplicate(t *testing.T) {
	m, sess, _ := newTestMainChannel(t)
	sess.inputs = &inputsChannel{channelState: &channelState{}, sess: sess}
	ctx := context.Background()

	if err := m.connectSubChannel(ctx, ChannelInputs, 1); err == nil {
		t.Fatal("connectSubChannel() should reject connecting an already-connected inputs channel")
	}
}

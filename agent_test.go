// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package spice

import (
	"context"
	"net"
	"testing"
)

func newTestAgentSession(t *testing.T) (*Session, net.Conn) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() {
		clientConn.Close()
		serverConn.Close()
	})

	sess := &Session{validator: newInputValidator(), agent: newAgentState()}
	sess.main = &mainChannel{
		channelState: &channelState{transport: &transport{conn: clientConn}, channelType: ChannelMain},
		sess:         sess,
	}
	return sess, serverConn
}

func TestAgent_TakeTokenExhaustsAtZero(t *testing.T) {
	a := newAgentState()
	a.setServerTokens(2)

	if !a.takeToken() {
		t.Fatal("takeToken() should succeed with tokens available")
	}
	if !a.takeToken() {
		t.Fatal("takeToken() should succeed for the second token")
	}
	if a.takeToken() {
		t.Fatal("takeToken() should fail once tokens are exhausted")
	}
}

func TestAgent_CreditAddsToExistingTokens(t *testing.T) {
	a := newAgentState()
	a.setServerTokens(1)
	a.credit(4)

	for i := 0; i < 5; i++ {
		if !a.takeToken() {
			t.Fatalf("takeToken() #%d should succeed after crediting", i)
		}
	}
	if a.takeToken() {
		t.Fatal("takeToken() should fail after all credited tokens are consumed")
	}
}

func TestAgent_ResetClearsAllState(t *testing.T) {
	a := newAgentState()
	a.setServerTokens(5)
	a.hasAgent = true
	a.cbSupported = true
	a.cbSelection = true
	a.agentGrabbed = true
	a.clientGrabbed = true
	a.currentType = DataText
	a.reassembly = &clipboardReassembly{}
	a.queue.push([]byte("pending"))

	a.reset()

	if a.hasAgent || a.cbSupported || a.cbSelection || a.agentGrabbed || a.clientGrabbed {
		t.Error("reset() should clear all boolean state")
	}
	if a.currentType != DataNone {
		t.Errorf("currentType = %v, want DataNone", a.currentType)
	}
	if a.reassembly != nil {
		t.Error("reset() should clear the reassembly buffer")
	}
	if a.queue.len() != 0 {
		t.Error("reset() should clear the send queue")
	}
	if a.takeToken() {
		t.Error("reset() should zero server tokens")
	}
}

func TestAgent_DrainRespectsTokenBudget(t *testing.T) {
	sess, serverConn := newTestAgentSession(t)
	a := sess.agent
	a.setServerTokens(1)
	a.queue.push([]byte("one"))
	a.queue.push([]byte("two"))
	ctx := context.Background()

	errCh := make(chan error, 1)
	go func() { errCh <- a.drain(ctx, sess.main.transport) }()

	f, err := readFrame(ctx, serverConn)
	if err != nil {
		t.Fatalf("readFrame() error = %v", err)
	}
	if f.Type != MsgcMainAgentData || string(f.Bytes) != "one" {
		t.Errorf("frame = %+v, want MsgcMainAgentData carrying \"one\"", f)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("drain() error = %v", err)
	}
	if a.queue.len() != 1 {
		t.Errorf("queue.len() = %d, want 1 (second packet held back for lack of tokens)", a.queue.len())
	}
}

func TestAgent_ConnectSendsAgentStartAndCaps(t *testing.T) {
	sess, serverConn := newTestAgentSession(t)
	// connect leaves server-tokens alone; grant one token for each of the
	// caps announcement's two agent-data packets.
	sess.agent.setServerTokens(2)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- sess.agent.connect(ctx, sess) }()

	f1, err := readFrame(ctx, serverConn)
	if err != nil {
		t.Fatalf("readFrame() agent-start error = %v", err)
	}
	if f1.Type != MsgcMainAgentStart {
		t.Errorf("first frame type = %v, want MsgcMainAgentStart", f1.Type)
	}

	f2, err := readFrame(ctx, serverConn)
	if err != nil {
		t.Fatalf("readFrame() caps header error = %v", err)
	}
	if f2.Type != MsgcMainAgentData {
		t.Errorf("second frame type = %v, want MsgcMainAgentData", f2.Type)
	}
	if _, err := readFrame(ctx, serverConn); err != nil {
		t.Fatalf("readFrame() caps payload error = %v", err)
	}

	if err := <-done; err != nil {
		t.Fatalf("connect() error = %v", err)
	}
	if !sess.agent.connected() {
		t.Error("connect() should mark the agent connected")
	}
}

func TestAgent_DisconnectClearsReassembly(t *testing.T) {
	a := newAgentState()
	a.hasAgent = true
	a.reassembly = &clipboardReassembly{dataType: DataText}

	a.disconnect()

	if a.connected() {
		t.Error("disconnect() should clear hasAgent")
	}
	if a.reassembly != nil {
		t.Error("disconnect() should clear the in-progress reassembly")
	}
}

func TestAgent_HasAgentCap(t *testing.T) {
	caps := make([]byte, 4)
	caps[0] = 1 << 0 // bit 0 set -> cap 1

	if !hasAgentCap(caps, agentCapClipboardByDemand) {
		t.Error("hasAgentCap() should report cap 1 set")
	}
	if hasAgentCap(caps, agentCapClipboardSelection) {
		t.Error("hasAgentCap() should report cap 2 unset")
	}
	if hasAgentCap(nil, agentCapClipboardByDemand) {
		t.Error("hasAgentCap() on empty caps should be false")
	}
}

func TestAgent_DataTypeRoundTrip(t *testing.T) {
	types := []DataType{DataText, DataPNG, DataBMP, DataTIFF, DataJPEG}
	for _, ty := range types {
		wire := dataTypeToAgentType(ty)
		if got := agentTypeToDataType(wire); got != ty {
			t.Errorf("round trip for %v got %v", ty, got)
		}
	}
	if dataTypeToAgentType(DataNone) != agentClipboardNone {
		t.Error("DataNone should map to agentClipboardNone")
	}
	if agentTypeToDataType(0xFFFF) != DataNone {
		t.Error("unknown wire code should map to DataNone")
	}
}

func TestAgent_SelectionPrefixGatedOnNegotiation(t *testing.T) {
	a := newAgentState()
	if p := a.selectionPrefix(); p != nil {
		t.Errorf("selectionPrefix() = %v, want nil before negotiation", p)
	}

	a.cbSelection = true
	p := a.selectionPrefix()
	if len(p) != 4 || p[0] != clipboardSelectionClipboard {
		t.Errorf("selectionPrefix() = %v, want 4-byte clipboard selection preamble", p)
	}
}

func TestAgent_StripSelectionSymmetricWithPrefix(t *testing.T) {
	a := newAgentState()
	a.cbSelection = true

	body := append(a.selectionPrefix(), []byte("payload")...)
	stripped := a.stripSelection(body)
	if string(stripped) != "payload" {
		t.Errorf("stripSelection() = %q, want %q", stripped, "payload")
	}

	a.cbSelection = false
	if got := a.stripSelection([]byte("payload")); string(got) != "payload" {
		t.Errorf("stripSelection() without negotiation = %q, want unchanged", got)
	}
}

func TestAgent_OnAnnounceCapsRepliesWhenRequested(t *testing.T) {
	sess, serverConn := newTestAgentSession(t)
	sess.agent.setServerTokens(2)
	ctx := context.Background()

	body := newWireEncoder()
	body.put(uint32(1)) // request
	body.put(agentCapsBitset())

	done := make(chan error, 1)
	go func() { done <- sess.agent.onAnnounceCaps(ctx, sess, body.bytes()) }()

	f1, err := readFrame(ctx, serverConn)
	if err != nil {
		t.Fatalf("readFrame() error = %v", err)
	}
	if f1.Type != MsgcMainAgentData {
		t.Errorf("reply header type = %v, want MsgcMainAgentData", f1.Type)
	}
	if _, err := readFrame(ctx, serverConn); err != nil {
		t.Fatalf("readFrame() payload error = %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("onAnnounceCaps() error = %v", err)
	}

	if !sess.agent.cbSupported || !sess.agent.cbSelection {
		t.Error("onAnnounceCaps() should record both capabilities as supported")
	}
}

func TestAgent_OnClipboardGrabFiresNoticeCallback(t *testing.T) {
	sess, _ := newTestAgentSession(t)
	var notified []DataType
	sess.clipboard.notice = func(types []DataType) { notified = types }

	body := newWireEncoder()
	body.put(agentClipboardUTF8Text)

	if err := sess.agent.onClipboardGrab(sess, body.bytes()); err != nil {
		t.Fatalf("onClipboardGrab() error = %v", err)
	}
	if len(notified) != 1 || notified[0] != DataText {
		t.Errorf("notice callback got %v, want [DataText]", notified)
	}
	if !sess.agent.agentGrabbed {
		t.Error("onClipboardGrab() should mark agentGrabbed")
	}
}

func TestAgent_OnClipboardRequestFiresRequestCallback(t *testing.T) {
	sess, _ := newTestAgentSession(t)
	var requested DataType = DataNone
	sess.clipboard.request = func(t DataType) { requested = t }

	body := newWireEncoder()
	body.put(agentClipboardUTF8Text)

	if err := sess.agent.onClipboardRequest(sess, body.bytes()); err != nil {
		t.Fatalf("onClipboardRequest() error = %v", err)
	}
	if requested != DataText {
		t.Errorf("requested = %v, want DataText", requested)
	}
}

func TestAgent_OnClipboardRelease(t *testing.T) {
	sess, _ := newTestAgentSession(t)
	sess.agent.agentGrabbed = true
	called := false
	sess.clipboard.release = func() { called = true }

	if err := sess.agent.onClipboardRelease(sess, nil); err != nil {
		t.Fatalf("onClipboardRelease() error = %v", err)
	}
	if sess.agent.agentGrabbed {
		t.Error("onClipboardRelease() should clear agentGrabbed")
	}
	if !called {
		t.Error("release callback should have fired")
	}
}

func TestAgent_OnClipboardDeliversWhenComplete(t *testing.T) {
	sess, _ := newTestAgentSession(t)
	var gotType DataType
	var gotData []byte
	sess.clipboard.data = func(t DataType, data []byte) { gotType, gotData = t, data }

	payload := []byte("hello")
	body := newWireEncoder()
	body.put(agentClipboardUTF8Text)
	body.putBytes(payload)
	announced := uint32(4 + len(payload))

	if err := sess.agent.onClipboard(sess, body.bytes(), announced); err != nil {
		t.Fatalf("onClipboard() error = %v", err)
	}
	if gotType != DataText || string(gotData) != "hello" {
		t.Errorf("data callback got (%v, %q), want (DataText, %q)", gotType, gotData, "hello")
	}
	if sess.agent.reassembly != nil {
		t.Error("a fully-delivered clipboard message should not leave a reassembly buffer behind")
	}
}

func TestAgent_OnClipboardStartsReassemblyWhenIncomplete(t *testing.T) {
	sess, _ := newTestAgentSession(t)
	called := false
	sess.clipboard.data = func(t DataType, data []byte) { called = true }

	first := []byte("hel")
	body := newWireEncoder()
	body.put(agentClipboardUTF8Text)
	body.putBytes(first)
	announced := uint32(4 + 5) // total payload is "hello", only "hel" present so far

	if err := sess.agent.onClipboard(sess, body.bytes(), announced); err != nil {
		t.Fatalf("onClipboard() error = %v", err)
	}
	if called {
		t.Fatal("data callback should not fire until reassembly completes")
	}
	if sess.agent.reassembly == nil || sess.agent.reassembly.remain != 2 {
		t.Fatalf("reassembly = %+v, want remain=2", sess.agent.reassembly)
	}

	if err := sess.agent.continueReassembly(sess, []byte("lo")); err != nil {
		t.Fatalf("continueReassembly() error = %v", err)
	}
	if !called {
		t.Error("data callback should fire once reassembly completes")
	}
	if sess.agent.reassembly != nil {
		t.Error("reassembly buffer should be freed once complete")
	}
}

func TestAgent_OnClipboardRejectsConcurrentReassembly(t *testing.T) {
	sess, _ := newTestAgentSession(t)
	sess.agent.reassembly = &clipboardReassembly{dataType: DataText, remain: 10}

	body := newWireEncoder()
	body.put(agentClipboardUTF8Text)
	body.putBytes([]byte("x"))

	if err := sess.agent.onClipboard(sess, body.bytes(), 5); err == nil {
		t.Fatal("onClipboard() should reject a second message while reassembly is in progress")
	}
}

func TestAgent_ContinueReassemblyWithNoneInProgress(t *testing.T) {
	sess, _ := newTestAgentSession(t)
	if err := sess.agent.continueReassembly(sess, []byte("x")); err == nil {
		t.Fatal("continueReassembly() should error when no reassembly is pending")
	}
}

func TestAgent_RequireAgentErrorsWithoutMainOrAgent(t *testing.T) {
	sess := &Session{agent: newAgentState()}
	if err := sess.requireAgent(); err == nil {
		t.Fatal("requireAgent() should error with no main channel")
	}

	sess.main = &mainChannel{channelState: &channelState{}, sess: sess}
	if err := sess.requireAgent(); err == nil {
		t.Fatal("requireAgent() should error when the agent isn't connected")
	}
}

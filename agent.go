// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package spice

import (
	"context"
	"sync"
	"sync/atomic"
)

// agentHeaderSize is the encoded size of one VDAgentMessage-equivalent
// header: {protocol, type, opaque, size}, all u32 (spec.md §4.8).
const agentHeaderSize = 16

// clipboardReassembly tracks one in-progress inbound clipboard payload
// (spec.md §3's reassembly buffer, I5's size+remain invariant).
type clipboardReassembly struct {
	dataType DataType
	buf      []byte
	remain   int
}

// agentState is the agent tunnel: outbound token-bucket flow control
// over a FIFO of pre-framed fragments, and inbound demux/reassembly for
// clipboard and capability messages (spec.md §4.8). Grounded on
// original_source/src/spice.c's spice.agent* fields and
// purespice_agent{Connect,StartMsg,WriteMsg,ProcessQueue,Process}
// functions (DESIGN.md "Agent tunnel").
type agentState struct {
	mu sync.Mutex

	metrics MetricsCollector

	hasAgent bool
	queue    *packetQueue

	serverTokens uint32 // atomic
	msgRemaining uint32 // agent-msg-remaining, guarded by mu (send path is single-writer per caller contract)

	cbSupported bool
	cbSelection bool

	agentGrabbed  bool
	clientGrabbed bool
	currentType   DataType

	reassembly *clipboardReassembly
}

func newAgentState() *agentState {
	return &agentState{queue: newPacketQueue()}
}

// reset clears all agent state, used on session Disconnect and on main
// channel loss (spec.md §4.9's global teardown).
func (a *agentState) reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hasAgent = false
	a.queue.clear()
	atomic.StoreUint32(&a.serverTokens, 0)
	a.msgRemaining = 0
	a.cbSupported = false
	a.cbSelection = false
	a.agentGrabbed = false
	a.clientGrabbed = false
	a.currentType = DataNone
	a.reassembly = nil
}

// setServerTokens replaces the outstanding server-token count (main-init
// and agent-connected-tokens both set it directly rather than crediting
// it incrementally).
func (a *agentState) setServerTokens(tokens uint32) {
	atomic.StoreUint32(&a.serverTokens, tokens)
	a.reportTokenGauge()
}

// credit adds tokens granted by an agent-token message.
func (a *agentState) credit(tokens uint32) {
	atomic.AddUint32(&a.serverTokens, tokens)
	a.reportTokenGauge()
}

// reportTokenGauge publishes the current outstanding server-token count,
// a no-op until a metrics collector has been attached.
func (a *agentState) reportTokenGauge() {
	if a.metrics != nil {
		a.metrics.SetGauge("agent_tokens_outstanding", float64(atomic.LoadUint32(&a.serverTokens)))
	}
}

// takeToken atomically decrements server-tokens by one, CAS-style,
// failing if none remain (original_source's purespice_takeServerToken).
func (a *agentState) takeToken() bool {
	for {
		tokens := atomic.LoadUint32(&a.serverTokens)
		if tokens == 0 {
			return false
		}
		if atomic.CompareAndSwapUint32(&a.serverTokens, tokens, tokens-1) {
			return true
		}
	}
}

// connect resets the send queue, announces the client's own (effectively
// unbounded) token grant via agent-start, marks the agent connected, and
// requests the server's capabilities (spec.md §4.8, §6's set_clipboard_cb
// table; original_source's purespice_agentConnect). It does not touch
// server-tokens: those are set independently by whichever main-channel
// message carried them (main-init or agent-connected-tokens).
func (a *agentState) connect(ctx context.Context, sess *Session) error {
	a.mu.Lock()
	a.queue.clear()
	a.hasAgent = true
	a.mu.Unlock()

	enc := newWireEncoder()
	enc.put(agentStartTokens)
	if err := sess.main.transport.send(ctx, MsgcMainAgentStart, enc.bytes()); err != nil {
		a.mu.Lock()
		a.hasAgent = false
		a.mu.Unlock()
		return err
	}

	if err := a.sendCaps(ctx, sess, true); err != nil {
		a.mu.Lock()
		a.hasAgent = false
		a.mu.Unlock()
		return err
	}
	return nil
}

// disconnect marks the agent gone and frees any in-progress reassembly
// buffer, mirroring original_source's SPICE_MSG_MAIN_AGENT_DISCONNECTED
// handling.
func (a *agentState) disconnect() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hasAgent = false
	a.reassembly = nil
}

func (a *agentState) connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hasAgent
}

// startMsg enqueues the header-only leading packet for a new logical
// agent message and records how many payload bytes are still owed
// (spec.md §4.8's send path contract).
func (a *agentState) startMsg(ctx context.Context, sess *Session, msgType uint32, size uint32) error {
	enc := newWireEncoder()
	enc.put(agentProtocolVersion)
	enc.put(msgType)
	enc.put(uint32(0)) // opaque: unused by this client
	enc.put(size)

	a.mu.Lock()
	a.msgRemaining = size
	a.mu.Unlock()

	a.queue.push(enc.bytes())
	return a.drain(ctx, sess.main.transport)
}

// writeMsg splits buf into continuation packets of at most
// agentMaxDataSize bytes, enqueues them, and drains. n must not exceed
// the payload size declared by the preceding startMsg call.
func (a *agentState) writeMsg(ctx context.Context, sess *Session, buf []byte) error {
	a.mu.Lock()
	if uint32(len(buf)) > a.msgRemaining {
		a.mu.Unlock()
		return agentError("agentState.writeMsg", "write exceeds declared agent message size", nil)
	}
	a.msgRemaining -= uint32(len(buf))
	a.mu.Unlock()

	for len(buf) > 0 {
		n := len(buf)
		if n > agentMaxDataSize {
			n = agentMaxDataSize
		}
		chunk := make([]byte, n)
		copy(chunk, buf[:n])
		a.queue.push(chunk)
		buf = buf[n:]
	}
	return a.drain(ctx, sess.main.transport)
}

// drain releases as many queued fragments as server-tokens allow, each
// as its own SPICE_MSGC_MAIN_AGENT_DATA frame, under the main channel's
// send mutex (spec.md §4.8: "drain is atomic with respect to token
// acquisition"). Held under transport.withSendLock so the whole
// peek/take-token/shift/write sequence is one critical section without
// recursing through transport.send's own locking.
func (a *agentState) drain(ctx context.Context, t *transport) error {
	return t.withSendLock(func() error {
		for {
			pkt, ok := a.queue.peek()
			if !ok {
				return nil
			}
			if !a.takeToken() {
				return nil
			}
			a.reportTokenGauge()
			a.queue.shift()
			if err := writeFrame(ctx, t.conn, MsgcMainAgentData, pkt); err != nil {
				return err
			}
		}
	})
}

// sendCaps announces this client's own clipboard capabilities
// (by-demand and per-selection), with request indicating whether the
// server should reply with its own announcement in turn
// (original_source's purespice_agentSendCaps).
func (a *agentState) sendCaps(ctx context.Context, sess *Session, request bool) error {
	enc := newWireEncoder()
	var req uint32
	if request {
		req = 1
	}
	enc.put(req)
	enc.put(agentCapsBitset())
	payload := enc.bytes()

	if err := a.startMsg(ctx, sess, agentAnnounceCapabilities, uint32(len(payload))); err != nil {
		return err
	}
	return a.writeMsg(ctx, sess, payload)
}

// agentCapsBitset encodes the single u32 capability word this client
// advertises: VD_AGENT_CAP_CLIPBOARD_BY_DEMAND and
// VD_AGENT_CAP_CLIPBOARD_SELECTION.
func agentCapsBitset() uint32 {
	return 1<<(agentCapClipboardByDemand-1) | 1<<(agentCapClipboardSelection-1)
}

// onAgentData demultiplexes one SPICE_MSG_MAIN_AGENT_DATA frame. If a
// clipboard reassembly is already in progress, the whole payload is
// treated as pure continuation bytes with no agent header (spec.md
// §4.8, original_source's purespice_agentProcess checking cbRemain
// first); otherwise the payload begins with a fresh agent header.
func (a *agentState) onAgentData(ctx context.Context, sess *Session, payload []byte) error {
	a.mu.Lock()
	reassembling := a.reassembly != nil
	a.mu.Unlock()
	if reassembling {
		return a.continueReassembly(sess, payload)
	}

	dec := newWireDecoder(payload)
	var protocol, msgType, opaque, size uint32
	dec.get(&protocol)
	dec.get(&msgType)
	dec.get(&opaque)
	dec.get(&size)
	if dec.Err() != nil {
		return protocolError("agentState.onAgentData", "malformed agent header", dec.Err())
	}
	if err := sess.validator.ValidateAgentProtocol(protocol); err != nil {
		return agentError("agentState.onAgentData", "unsupported agent protocol version", err)
	}
	_ = opaque

	body := dec.remaining()

	switch msgType {
	case agentAnnounceCapabilities:
		return a.onAnnounceCaps(ctx, sess, body)
	case agentClipboardGrab:
		return a.onClipboardGrab(sess, body)
	case agentClipboardRequest:
		return a.onClipboardRequest(sess, body)
	case agentClipboard:
		return a.onClipboard(sess, body, size)
	case agentClipboardRelease:
		return a.onClipboardRelease(sess, body)
	default:
		return nil
	}
}

// onAnnounceCaps reads the server's capability bitset, updates
// cb-supported/cb-selection, and replies with our own announcement if
// the server set the request flag (spec.md §4.8).
func (a *agentState) onAnnounceCaps(ctx context.Context, sess *Session, body []byte) error {
	if err := sess.validator.ValidateAnnouncementSize(len(body)); err != nil {
		return agentError("agentState.onAnnounceCaps", "capability announcement too large", err)
	}
	if len(body) < 4 {
		return protocolError("agentState.onAnnounceCaps", "truncated capability announcement", nil)
	}

	dec := newWireDecoder(body)
	var request uint32
	dec.get(&request)
	caps := dec.remaining()

	bySel := hasAgentCap(caps, agentCapClipboardSelection)
	byDemand := hasAgentCap(caps, agentCapClipboardByDemand)

	a.mu.Lock()
	a.cbSupported = byDemand || bySel
	a.cbSelection = bySel
	a.mu.Unlock()

	if request != 0 {
		return a.sendCaps(ctx, sess, false)
	}
	return nil
}

// hasAgentCap tests bit (cap-1) across the little-endian u32 words of
// caps, mirroring VD_AGENT_HAS_CAPABILITY's bit-array addressing.
func hasAgentCap(caps []byte, capBit uint32) bool {
	word := (capBit - 1) / 32
	bit := (capBit - 1) % 32
	off := int(word) * 4
	if off+4 > len(caps) {
		return false
	}
	v := uint32(caps[off]) | uint32(caps[off+1])<<8 | uint32(caps[off+2])<<16 | uint32(caps[off+3])<<24
	return v&(1<<bit) != 0
}

// selectionPrefix returns the opaque 4-byte selection preamble when the
// server negotiated per-selection clipboards, or nil otherwise —
// symmetric with stripSelection on the receive side
// (original_source's purespice_clipboardGrab/Release gate the same
// prefix on spice.cbSelection).
func (a *agentState) selectionPrefix() []byte {
	a.mu.Lock()
	sel := a.cbSelection
	a.mu.Unlock()
	if !sel {
		return nil
	}
	return []byte{clipboardSelectionClipboard, 0, 0, 0}
}

// stripSelection removes the opaque 4-byte selection preamble when the
// server negotiated per-selection clipboards, symmetric with the send
// side's selectionPrefix, which adds it under the same condition (spec.md §9 Open Questions,
// original_source's "struct Selection" read gated on spice.cbSelection).
func (a *agentState) stripSelection(body []byte) []byte {
	a.mu.Lock()
	sel := a.cbSelection
	a.mu.Unlock()
	if sel && len(body) >= 4 {
		return body[4:]
	}
	return body
}

// onClipboardGrab records the offered type list's first entry as the
// current type, marks the clipboard agent-grabbed, and fires the notice
// callback — skipped when per-selection clipboards are negotiated, since
// this client has no selection-aware consumer (original_source's
// comment: "Windows doesnt support this, so until it's needed there is
// no point messing with it").
func (a *agentState) onClipboardGrab(sess *Session, body []byte) error {
	body = a.stripSelection(body)
	if err := sess.validator.ValidateAnnouncementSize(len(body)); err != nil {
		return agentError("agentState.onClipboardGrab", "clipboard grab list too large", err)
	}
	if len(body) < 4 {
		return protocolError("agentState.onClipboardGrab", "empty clipboard grab list", nil)
	}

	dec := newWireDecoder(body)
	var first uint32
	dec.get(&first)
	if dec.Err() != nil {
		return protocolError("agentState.onClipboardGrab", "malformed clipboard grab list", dec.Err())
	}

	t := agentTypeToDataType(first)

	a.mu.Lock()
	a.currentType = t
	a.agentGrabbed = true
	a.clientGrabbed = false
	selection := a.cbSelection
	a.mu.Unlock()

	if selection {
		return nil
	}

	cb := sess.clipboardCallbacksSnapshot()
	if cb.notice != nil {
		cb.notice([]DataType{t})
	}
	return nil
}

// onClipboardRequest invokes the request callback with the mapped type
// the agent is asking the client to supply.
func (a *agentState) onClipboardRequest(sess *Session, body []byte) error {
	body = a.stripSelection(body)
	if len(body) < 4 {
		return protocolError("agentState.onClipboardRequest", "malformed clipboard request", nil)
	}
	dec := newWireDecoder(body)
	var typ uint32
	dec.get(&typ)
	if dec.Err() != nil {
		return protocolError("agentState.onClipboardRequest", "malformed clipboard request type", dec.Err())
	}

	cb := sess.clipboardCallbacksSnapshot()
	if cb.request != nil {
		cb.request(agentTypeToDataType(typ))
	}
	return nil
}

// onClipboard begins reassembling an inbound clipboard payload. The
// total payload length comes from the agent header's announced size,
// not from how many bytes happen to already be present in this wire
// frame: the leading frame carries the selection preamble (if
// negotiated) and the 4-byte type, and may carry only a prefix of the
// data; a leading frame without the type is rejected as malformed —
// mirroring
// original_source's `remaining = msg.size - sizeof(selection) -
// sizeof(type)` accounting. I5 permits at most one reassembly at a
// time; a second clipboard message while one is already in progress is
// a protocol error.
func (a *agentState) onClipboard(sess *Session, body []byte, announcedSize uint32) error {
	a.mu.Lock()
	selLen := 0
	if a.cbSelection {
		selLen = 4
	}
	a.mu.Unlock()

	body = a.stripSelection(body)
	if len(body) < 4 {
		return protocolError("agentState.onClipboard", "malformed clipboard payload", nil)
	}
	dec := newWireDecoder(body)
	var typ uint32
	dec.get(&typ)
	if dec.Err() != nil {
		return protocolError("agentState.onClipboard", "malformed clipboard type", dec.Err())
	}
	present := dec.remaining()

	total := int(announcedSize) - selLen - 4
	if total < 0 || len(present) > total {
		return protocolError("agentState.onClipboard", "clipboard size field inconsistent with frame payload", nil)
	}
	if err := sess.validator.ValidateBinaryData(present, 0, maxClipboardSize); err != nil {
		return agentError("agentState.onClipboard", "clipboard payload too large", err)
	}
	if total > maxClipboardSize {
		return agentError("agentState.onClipboard", "announced clipboard size exceeds maximum", nil)
	}

	a.mu.Lock()
	if a.reassembly != nil {
		a.mu.Unlock()
		return agentError("agentState.onClipboard", "clipboard reassembly already in progress", nil)
	}

	r := &clipboardReassembly{
		dataType: agentTypeToDataType(typ),
		buf:      make([]byte, 0, total),
		remain:   total,
	}
	r.buf = append(r.buf, present...)
	r.remain -= len(present)
	done := r.remain == 0
	if !done {
		a.reassembly = r
	}
	a.mu.Unlock()

	if done {
		a.reportReassemblyComplete()
		sess.deliverClipboard(r.dataType, r.buf)
	}
	return nil
}

// continueReassembly routes pure continuation bytes into the pending
// reassembly buffer until remain reaches zero, at which point the data
// callback fires and the buffer is freed (spec.md §4.8, I5).
func (a *agentState) continueReassembly(sess *Session, chunk []byte) error {
	a.mu.Lock()
	r := a.reassembly
	if r == nil {
		a.mu.Unlock()
		return agentError("agentState.continueReassembly", "continuation with no reassembly in progress", nil)
	}
	a.mu.Unlock()

	if err := sess.validator.ValidateBinaryData(chunk, 0, maxClipboardSize); err != nil {
		return agentError("agentState.continueReassembly", "continuation chunk too large", err)
	}

	a.mu.Lock()
	r = a.reassembly
	if r == nil {
		a.mu.Unlock()
		return agentError("agentState.continueReassembly", "continuation with no reassembly in progress", nil)
	}

	take := len(chunk)
	if take > r.remain {
		take = r.remain
	}
	r.buf = append(r.buf, chunk[:take]...)
	r.remain -= take

	var finished *clipboardReassembly
	if r.remain == 0 {
		finished = r
		a.reassembly = nil
	}
	a.mu.Unlock()

	if finished != nil {
		a.reportReassemblyComplete()
		sess.deliverClipboard(finished.dataType, finished.buf)
	}
	return nil
}

// reportReassemblyComplete counts one finished inbound clipboard
// payload, a no-op until a metrics collector has been attached.
func (a *agentState) reportReassemblyComplete() {
	if a.metrics != nil {
		a.metrics.IncCounter("clipboard_reassemblies_completed", 1)
	}
}

// onClipboardRelease clears agent-grabbed state and fires the release
// callback.
func (a *agentState) onClipboardRelease(sess *Session, _ []byte) error {
	a.mu.Lock()
	a.agentGrabbed = false
	a.mu.Unlock()

	cb := sess.clipboardCallbacksSnapshot()
	if cb.release != nil {
		cb.release()
	}
	return nil
}

// deliverClipboard invokes the registered data callback outside of any
// internal lock. Text payloads are checked for well-formed UTF-8 before
// delivery; a malformed payload is logged and dropped rather than handed
// to the callback.
func (s *Session) deliverClipboard(t DataType, data []byte) {
	if t == DataText {
		if err := s.validator.ValidateClipboardText(string(data), maxClipboardSize); err != nil {
			if s.logger != nil {
				s.logger.Warn("dropping malformed clipboard text", Field{Key: "error", Value: err})
			}
			return
		}
	}

	cb := s.clipboardCallbacksSnapshot()
	if cb.data != nil {
		cb.data(t, data)
	}
}

// clipboardCallbacksSnapshot takes a consistent copy of the registered
// clipboard callbacks under the session lock.
func (s *Session) clipboardCallbacksSnapshot() clipboardCallbacks {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clipboard
}

// dataTypeToAgentType maps the public DataType tag to its VD_AGENT_CLIPBOARD_* wire code.
func dataTypeToAgentType(t DataType) uint32 {
	switch t {
	case DataText:
		return agentClipboardUTF8Text
	case DataPNG:
		return agentClipboardImagePNG
	case DataBMP:
		return agentClipboardImageBMP
	case DataTIFF:
		return agentClipboardImageTIFF
	case DataJPEG:
		return agentClipboardImageJPG
	default:
		return agentClipboardNone
	}
}

// agentTypeToDataType maps a VD_AGENT_CLIPBOARD_* wire code to the
// public DataType tag.
func agentTypeToDataType(v uint32) DataType {
	switch v {
	case agentClipboardUTF8Text:
		return DataText
	case agentClipboardImagePNG:
		return DataPNG
	case agentClipboardImageBMP:
		return DataBMP
	case agentClipboardImageTIFF:
		return DataTIFF
	case agentClipboardImageJPG:
		return DataJPEG
	default:
		return DataNone
	}
}

// requireAgent returns an error unless both the main channel and the
// agent tunnel are connected.
func (s *Session) requireAgent() error {
	s.mu.RLock()
	main := s.main
	s.mu.RUnlock()
	if main == nil {
		return protocolError("Session.requireAgent", "main channel not connected", nil)
	}
	if !s.agent.connected() {
		return agentError("Session.requireAgent", "agent not connected", nil)
	}
	return nil
}

// ClipboardGrab announces that the client now owns the clipboard,
// offering the given data types in order. The opaque 4-byte selection
// preamble is included only when the server negotiated per-selection
// clipboards, symmetric with the receive side (spec.md §4.8,
// original_source's purespice_clipboardGrab).
func (s *Session) ClipboardGrab(ctx context.Context, types []DataType) error {
	if err := s.requireAgent(); err != nil {
		return err
	}
	if len(types) == 0 {
		return validationError("Session.ClipboardGrab", "at least one data type is required", nil)
	}

	enc := newWireEncoder()
	enc.putBytes(s.agent.selectionPrefix())
	for _, t := range types {
		enc.put(dataTypeToAgentType(t))
	}
	payload := enc.bytes()

	if err := s.agent.startMsg(ctx, s, agentClipboardGrab, uint32(len(payload))); err != nil {
		return err
	}
	if err := s.agent.writeMsg(ctx, s, payload); err != nil {
		return err
	}

	s.agent.mu.Lock()
	s.agent.clientGrabbed = true
	s.agent.mu.Unlock()
	return nil
}

// ClipboardRelease announces that the client has released the
// clipboard.
func (s *Session) ClipboardRelease(ctx context.Context) error {
	if err := s.requireAgent(); err != nil {
		return err
	}

	s.agent.mu.Lock()
	grabbed := s.agent.clientGrabbed
	s.agent.mu.Unlock()
	if !grabbed {
		return nil
	}

	enc := newWireEncoder()
	enc.putBytes(s.agent.selectionPrefix())
	payload := enc.bytes()

	if err := s.agent.startMsg(ctx, s, agentClipboardRelease, uint32(len(payload))); err != nil {
		return err
	}
	if err := s.agent.writeMsg(ctx, s, payload); err != nil {
		return err
	}

	s.agent.mu.Lock()
	s.agent.clientGrabbed = false
	s.agent.mu.Unlock()
	return nil
}

// ClipboardRequest asks the agent to send clipboard data of type t.
func (s *Session) ClipboardRequest(ctx context.Context, t DataType) error {
	if err := s.requireAgent(); err != nil {
		return err
	}

	enc := newWireEncoder()
	enc.putBytes(s.agent.selectionPrefix())
	enc.put(dataTypeToAgentType(t))
	payload := enc.bytes()

	if err := s.agent.startMsg(ctx, s, agentClipboardRequest, uint32(len(payload))); err != nil {
		return err
	}
	return s.agent.writeMsg(ctx, s, payload)
}

// ClipboardDataStart begins sending a clipboard payload of the given
// type and total size to the agent, mirroring spec.md §4.8's
// start_msg/write_msg send-path contract. Call ClipboardData one or
// more times afterward with chunks summing to size.
func (s *Session) ClipboardDataStart(ctx context.Context, t DataType, size uint32) error {
	if err := s.requireAgent(); err != nil {
		return err
	}

	header := newWireEncoder()
	header.putBytes(s.agent.selectionPrefix())
	header.put(dataTypeToAgentType(t))
	headerBytes := header.bytes()

	if err := s.agent.startMsg(ctx, s, agentClipboard, uint32(len(headerBytes))+size); err != nil {
		return err
	}
	return s.agent.writeMsg(ctx, s, headerBytes)
}

// ClipboardData sends the next chunk of a clipboard payload begun with
// ClipboardDataStart.
func (s *Session) ClipboardData(ctx context.Context, chunk []byte) error {
	if err := s.requireAgent(); err != nil {
		return err
	}
	return s.agent.writeMsg(ctx, s, chunk)
}

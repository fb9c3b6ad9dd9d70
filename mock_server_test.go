// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package spice

import (
	"context"
	"encoding/binary"
	"net"
	"strconv"
	"sync"
	"time"
)

// mockSpiceServer plays the server half of the link handshake and the
// main/inputs/playback message loops over plain TCP, enough to drive
// Session.Connect/Process end to end without a real spice-server. Caps
// negotiation is accepted without inspection; the auth ciphertext is not
// checked, and auth succeeds unless RejectAuth is set. Grounded on the teacher's MockVNCServer (handshake
// simulation over net.Listener), generalized from RFB's three-phase
// handshake to SPICE's per-channel link negotiation.
type mockSpiceServer struct {
	listener net.Listener
	addr     string
	wg       sync.WaitGroup
	stop     chan struct{}

	Password       string
	RejectAuth     bool
	CiphertextLen  int
	AgentConnected bool
	AgentTokens    uint32
	PlaybackListed bool
	mainInitExtra  mainInitPayload

	mu       sync.Mutex
	received []frame
}

func newMockSpiceServer() *mockSpiceServer {
	return &mockSpiceServer{
		CiphertextLen: 8,
		AgentTokens:   1 << 20,
		stop:          make(chan struct{}),
	}
}

func (m *mockSpiceServer) start() error {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	m.listener = listener
	m.addr = listener.Addr().String()

	m.wg.Add(1)
	go m.serve()
	return nil
}

func (m *mockSpiceServer) stopServer() {
	close(m.stop)
	if m.listener != nil {
		_ = m.listener.Close()
	}
	m.wg.Wait()
}

func (m *mockSpiceServer) hostPort() (string, int) {
	host, portStr, _ := net.SplitHostPort(m.addr)
	port, _ := strconv.Atoi(portStr)
	return host, port
}

func (m *mockSpiceServer) recordedFrames() []frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]frame, len(m.received))
	copy(out, m.received)
	return out
}

func (m *mockSpiceServer) serve() {
	defer m.wg.Done()
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			select {
			case <-m.stop:
				return
			default:
				continue
			}
		}
		go m.handleConnection(conn)
	}
}

func (m *mockSpiceServer) handleConnection(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	ctx := context.Background()

	channelType, err := m.handleLink(ctx, conn)
	if err != nil {
		return
	}

	switch channelType {
	case ChannelMain:
		m.handleMain(ctx, conn)
	case ChannelInputs:
		m.handleInputs(ctx, conn)
	case ChannelPlayback:
		// No init message; just record whatever the client sends.
		m.readLoop(ctx, conn)
	}
}

func (m *mockSpiceServer) handleLink(ctx context.Context, conn net.Conn) (ChannelType, error) {
	var hdr [16]byte
	if _, err := readAll(conn, hdr[:]); err != nil {
		return 0, err
	}
	messSize := binary.LittleEndian.Uint32(hdr[12:16])
	mess := make([]byte, messSize)
	if _, err := readAll(conn, mess); err != nil {
		return 0, err
	}

	dec := newWireDecoder(mess)
	var sessionID uint32
	var channelType, channelID uint8
	dec.get(&sessionID)
	dec.get(&channelType)
	dec.get(&channelID)

	body := newWireEncoder()
	body.put(uint32(LinkErrOK))
	body.putBytes(make([]byte, ticketPubKeyBytes))
	body.put(uint32(0))
	body.put(uint32(0))
	body.put(uint32(4 * 6))
	bodyBytes := body.bytes()

	replyHdr := newWireEncoder()
	replyHdr.put(LinkMagic)
	replyHdr.put(VersionMajor)
	replyHdr.put(VersionMinor)
	replyHdr.put(uint32(len(bodyBytes)))
	if _, err := conn.Write(append(replyHdr.bytes(), bodyBytes...)); err != nil {
		return 0, err
	}

	var authSel [4]byte
	if _, err := readAll(conn, authSel[:]); err != nil {
		return 0, err
	}
	ciphertext := make([]byte, m.CiphertextLen)
	if _, err := readAll(conn, ciphertext); err != nil {
		return 0, err
	}

	status := uint32(LinkErrOK)
	if m.RejectAuth {
		status = LinkErrPermissionDenied
	}
	var statusBuf [4]byte
	binary.LittleEndian.PutUint32(statusBuf[:], status)
	if _, err := conn.Write(statusBuf[:]); err != nil {
		return 0, err
	}
	if m.RejectAuth {
		return 0, authenticationError("mockSpiceServer.handleLink", "rejected by test configuration", nil)
	}

	return ChannelType(channelType), nil
}

func (m *mockSpiceServer) handleMain(ctx context.Context, conn net.Conn) {
	init := m.mainInitExtra
	init.CurrentMouseMode = uint32(MouseModeClient)
	if m.AgentConnected {
		init.AgentConnected = 1
		init.AgentTokens = m.AgentTokens
	}

	enc := newWireEncoder()
	enc.put(init.SessionID)
	enc.put(init.DisplayChannelsHint)
	enc.put(init.SupportedMouseModes)
	enc.put(init.CurrentMouseMode)
	enc.put(init.AgentConnected)
	enc.put(init.AgentTokens)
	enc.put(init.MultiMediaTime)
	enc.put(init.RamHint)
	if err := writeFrame(ctx, conn, MsgMainInit, enc.bytes()); err != nil {
		return
	}

	list := newWireEncoder()
	n := uint32(1)
	if m.PlaybackListed {
		n = 2
	}
	list.put(n)
	list.put(uint8(ChannelInputs))
	list.put(uint8(1))
	if m.PlaybackListed {
		list.put(uint8(ChannelPlayback))
		list.put(uint8(2))
	}
	if err := writeFrame(ctx, conn, MsgMainChannelsList, list.bytes()); err != nil {
		return
	}

	m.readLoop(ctx, conn)
}

func (m *mockSpiceServer) handleInputs(ctx context.Context, conn net.Conn) {
	enc := newWireEncoder()
	enc.put(uint32(0)) // key modifiers
	if err := writeFrame(ctx, conn, MsgInputsInit, enc.bytes()); err != nil {
		return
	}
	m.readLoop(ctx, conn)
}

// readLoop records every frame the client sends until the connection
// closes or a short idle read times out, since the test driving this
// server owns the Process loop's pacing.
func (m *mockSpiceServer) readLoop(ctx context.Context, conn net.Conn) {
	for {
		_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		f, err := readFrame(ctx, conn)
		if err != nil {
			if err == errTimeout {
				select {
				case <-m.stop:
					return
				default:
					continue
				}
			}
			return
		}
		m.mu.Lock()
		m.received = append(m.received, f)
		m.mu.Unlock()
	}
}

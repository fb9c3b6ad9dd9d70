// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package spice

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// ClipboardNoticeFunc is invoked when the agent grabs the clipboard and
// offers a set of data types (spec.md §6 set_clipboard_cb's notice arg).
type ClipboardNoticeFunc func(types []DataType)

// ClipboardDataFunc is invoked once a full inbound clipboard payload has
// been reassembled.
type ClipboardDataFunc func(t DataType, data []byte)

// ClipboardReleaseFunc is invoked when the agent releases the clipboard.
type ClipboardReleaseFunc func()

// ClipboardRequestFunc is invoked when the agent requests clipboard data
// of a given type from the client.
type ClipboardRequestFunc func(t DataType)

// clipboardCallbacks groups the four clipboard callbacks. spec.md §6
// requires notice and data be both present or both absent; that
// constraint is enforced by SetClipboardCallbacks.
type clipboardCallbacks struct {
	notice  ClipboardNoticeFunc
	data    ClipboardDataFunc
	release ClipboardReleaseFunc
	request ClipboardRequestFunc
}

// AudioStartFunc is invoked on SPICE_MSG_PLAYBACK_START.
type AudioStartFunc func(channels uint8, frequency uint32, format AudioFormat)

// AudioVolumeFunc is invoked on SPICE_MSG_PLAYBACK_VOLUME.
type AudioVolumeFunc func(volume []uint16)

// AudioMuteFunc is invoked on SPICE_MSG_PLAYBACK_MUTE.
type AudioMuteFunc func(mute bool)

// AudioStopFunc is invoked on SPICE_MSG_PLAYBACK_STOP.
type AudioStopFunc func()

// AudioDataFunc is invoked on SPICE_MSG_PLAYBACK_DATA.
type AudioDataFunc func(payload []byte)

// audioCallbacks groups the playback-channel callbacks. spec.md §6
// requires start, stop, and data be provided.
type audioCallbacks struct {
	start  AudioStartFunc
	volume AudioVolumeFunc
	mute   AudioMuteFunc
	stop   AudioStopFunc
	data   AudioDataFunc
}

// mouseState is the shared pointer state protected by its own lock
// (spec.md §3, §5): buttonState is read-modify-written under mu so that
// state update and packet construction form a single critical section;
// sentCount is a separate atomic counter.
type mouseState struct {
	mu          sync.Mutex
	buttonState uint16
	sentCount   int32
	mode        MouseMode
}

// Session is the explicit, caller-owned replacement for the original C
// implementation's process-wide singleton (spec.md §9 DESIGN NOTES):
// one Session per connection, safe to instantiate per test. It holds the
// destination, the per-channel records, the agent tunnel, the mouse
// state, and the user-supplied callbacks (spec.md §3's Session record).
type Session struct {
	cfg       ClientConfig
	logger    Logger
	metrics   MetricsCollector
	encrypter PasswordEncrypter
	validator *InputValidator

	mu        sync.RWMutex
	sessionID uint32
	main      *mainChannel
	inputs    *inputsChannel
	playback  *playbackChannel

	mouse mouseState
	agent *agentState

	clipboard clipboardCallbacks
	audio     audioCallbacks

	terminal bool
}

// NewSession constructs a Session from a ClientConfig and options,
// grounded on the teacher's ClientWithOptions construction in client.go.
func NewSession(cfg ClientConfig, opts ...ClientOption) *Session {
	for _, opt := range opts {
		opt(&cfg)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = &NoOpLogger{}
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	enc := cfg.PasswordEncrypter
	if enc == nil {
		enc = newPasswordEncrypter()
	}

	agent := newAgentState()
	agent.metrics = metrics

	return &Session{
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
		encrypter: enc,
		validator: newInputValidator(),
		agent:     agent,
	}
}

// SetClipboardCallbacks registers the agent clipboard callbacks. notice
// and data must both be provided or both be nil (spec.md §6).
func (s *Session) SetClipboardCallbacks(notice ClipboardNoticeFunc, data ClipboardDataFunc, release ClipboardReleaseFunc, request ClipboardRequestFunc) error {
	if (notice == nil) != (data == nil) {
		return validationError("Session.SetClipboardCallbacks",
			"notice and data callbacks must both be provided or both be absent", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clipboard = clipboardCallbacks{notice: notice, data: data, release: release, request: request}
	return nil
}

// SetAudioCallbacks registers the playback-channel callbacks. start,
// stop, and data are required (spec.md §6).
func (s *Session) SetAudioCallbacks(start AudioStartFunc, volume AudioVolumeFunc, mute AudioMuteFunc, stop AudioStopFunc, data AudioDataFunc) error {
	if start == nil || stop == nil || data == nil {
		return validationError("Session.SetAudioCallbacks",
			"start, stop, and data callbacks are required", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audio = audioCallbacks{start: start, volume: volume, mute: mute, stop: stop, data: data}
	return nil
}

// Connect dials and links the main channel (spec.md §6's connect). Port
// zero selects a local stream socket at host. The main-init handshake
// that follows link negotiation is driven later by calls to Process, the
// same way the original event loop learns main-init asynchronously.
func (s *Session) Connect(ctx context.Context, host string, port int, password string, playbackRequested bool) error {
	if err := s.validator.ValidatePassword(password); err != nil {
		return err
	}

	s.cfg.Host = host
	s.cfg.Port = port
	s.cfg.Password = password
	s.cfg.PlaybackRequested = playbackRequested

	dialCtx := ctx
	if s.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		defer cancel()
	}

	t, err := dialTransport(dialCtx, host, port)
	if err != nil {
		return err
	}
	t.attachMetrics(s.metrics, ChannelMain)
	t.attachTimeouts(s.cfg.WriteTimeout)

	if _, err := linkChannel(dialCtx, t, s.encrypter, 0, ChannelMain, 0, password); err != nil {
		_ = t.close()
		return err
	}

	cs := &channelState{transport: t, connected: true, ready: true, channelType: ChannelMain, logger: s.logger, metrics: s.metrics}
	main := &mainChannel{channelState: cs, sess: s}

	s.mu.Lock()
	s.main = main
	s.mu.Unlock()

	s.logger.Info("main channel linked", Field{Key: "host", Value: host}, Field{Key: "port", Value: port})
	return nil
}

// Disconnect tears down every open channel, sending the disconnect
// handshake (SPICE_MSGC_DISCONNECTING with a NODELAY flush toggle) on
// each still-ready channel, grounded on
// original_source/src/spice.c's purespice_disconnectChannel
// (SPEC_FULL.md §4) — the distilled spec.md only describes handling an
// inbound disconnecting message, not sending one; this module sends it
// symmetrically on graceful shutdown.
func (s *Session) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ch := range []*channelState{
		channelStateOf(s.playback),
		channelStateOf(s.inputs),
		channelStateOf(s.main),
	} {
		if ch == nil || !ch.connected {
			continue
		}
		disconnectChannel(ch)
	}

	s.main, s.inputs, s.playback = nil, nil, nil
	s.sessionID = 0
	s.agent.reset()
	s.terminal = true
}

// disconnectChannel sends SPICE_MSGC_DISCONNECTING and closes the
// socket. TCP_NODELAY is disabled before the send and re-enabled after,
// forcing the message to flush even though the connection is about to
// close (the same trick PureSpice uses).
func disconnectChannel(cs *channelState) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	cs.transport.setNoDelay(false)
	enc := newWireEncoder()
	enc.put(uint32(0)) // time_stamp: unused by this client, kept for wire shape
	enc.put(uint32(0)) // reason: OK
	_ = cs.transport.send(ctx, MsgcDisconnecting, enc.bytes())
	cs.transport.setNoDelay(true)

	_ = cs.transport.close()
	cs.connected = false
	cs.ready = false
}

// channelStateOf extracts the embedded *channelState from any of the
// three channel kinds, or nil.
func channelStateOf(ch any) *channelState {
	switch v := ch.(type) {
	case *mainChannel:
		if v == nil {
			return nil
		}
		return v.channelState
	case *inputsChannel:
		if v == nil {
			return nil
		}
		return v.channelState
	case *playbackChannel:
		if v == nil {
			return nil
		}
		return v.channelState
	default:
		return nil
	}
}

// Ready reports whether both the main and inputs channels are connected
// (spec.md §6's ready()).
func (s *Session) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.main != nil && s.main.connected && s.inputs != nil && s.inputs.connected
}

// Process runs one event-loop tick: it polls every open channel for a
// bounded amount of readable data and dispatches what arrives. It
// returns false once the session has reached terminal shutdown (the
// main channel was lost), matching spec.md §6's process(timeout_ms).
//
// Go's net.Conn has no portable bytes-available (FIONREAD) query, so
// this loop substitutes a short per-channel read deadline as its
// readiness primitive (spec.md §9 DESIGN NOTES calls out the original's
// raw-pointer/epoll machinery as needing re-architecture); each ready
// channel is then drained message-by-message, up to eventBatchSize
// messages per tick or until a read would block.
func (s *Session) Process(ctx context.Context, timeout time.Duration) (bool, error) {
	s.mu.RLock()
	channels := []channelPoller{}
	if s.main != nil {
		channels = append(channels, s.main)
	}
	if s.inputs != nil {
		channels = append(channels, s.inputs)
	}
	if s.playback != nil {
		channels = append(channels, s.playback)
	}
	s.mu.RUnlock()

	for _, ch := range channels {
		if err := s.drainChannel(ctx, ch, timeout); err != nil {
			if err == errNoData {
				s.handleChannelLoss(ch)
				continue
			}
			return false, err
		}
	}

	s.mu.RLock()
	terminal := s.terminal
	s.mu.RUnlock()
	return !terminal, nil
}

// channelPoller is implemented by each of the three channel kinds.
type channelPoller interface {
	poll(ctx context.Context, timeout time.Duration) error
	state() *channelState
}

// drainChannel polls one channel for up to eventBatchSize messages
// (spec.md §4.9's small batch), refreshing readiness between reads.
func (s *Session) drainChannel(ctx context.Context, ch channelPoller, timeout time.Duration) error {
	readTimeout := timeout
	if s.cfg.ReadTimeout > 0 && (readTimeout == 0 || s.cfg.ReadTimeout < readTimeout) {
		readTimeout = s.cfg.ReadTimeout
	}

	for i := 0; i < eventBatchSize; i++ {
		cs := ch.state()
		cs.transport.setReadDeadline(readTimeout)
		err := ch.poll(ctx, readTimeout)
		cs.transport.setReadDeadline(0)

		if err == errTimeout {
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// eventBatchSize bounds how many messages are drained from one channel
// per Process tick (spec.md §4.9 says "a small batch, e.g. 4").
const eventBatchSize = 4

// handleChannelLoss marks a channel disconnected on NODATA and, if it
// was the main channel, performs the global teardown spec.md §4.9
// describes: zero the session id, reset the agent state (including the
// clipboard reassembly), close any still-open sub-channels. The mouse
// button state and sent-count are left as they are.
func (s *Session) handleChannelLoss(ch channelPoller) {
	cs := ch.state()
	cs.connected = false
	cs.ready = false
	_ = cs.transport.close()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := ch.(*mainChannel); !ok {
		return
	}

	if s.inputs != nil {
		_ = s.inputs.transport.close()
		s.inputs = nil
	}
	if s.playback != nil {
		_ = s.playback.transport.close()
		s.playback = nil
	}
	s.main = nil
	s.sessionID = 0
	s.agent.reset()
	s.terminal = true
}

// mouseSentCount returns the current outstanding motion-message count.
func (s *Session) mouseSentCount() int32 {
	return atomic.LoadInt32(&s.mouse.sentCount)
}

// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package spice

import (
	"context"
	"sync/atomic"
	"time"
)

// inputsChannel is the inputs channel's state machine: keyboard scancode
// translation, mouse button/motion/position, and motion-ack accounting
// (spec.md §4.6). Grounded on the teacher's PointerEvent/KeyEvent
// outbound-message construction in client.go (DESIGN.md "Inputs
// channel").
type inputsChannel struct {
	*channelState
	sess *Session

	keyModifiers uint32
}

func (in *inputsChannel) state() *channelState { return in.channelState }

func (in *inputsChannel) poll(ctx context.Context, timeout time.Duration) error {
	f, result, err := in.readOne(ctx)
	if err != nil {
		return err
	}
	if result == resultHandled {
		return nil
	}

	if !in.initDone {
		if err := in.handleInit(f); err != nil {
			return err
		}
		return in.afterMessage(ctx)
	}

	if err := in.dispatch(f); err != nil {
		return err
	}
	return in.afterMessage(ctx)
}

// handleInit enforces that the first in-message is inputs-init, a
// key-modifier bitmap (spec.md §4.6).
func (in *inputsChannel) handleInit(f frame) error {
	if f.Type != MsgInputsInit {
		return protocolError("inputsChannel.handleInit", "first inputs-channel message was not inputs-init", nil)
	}
	dec := newWireDecoder(f.Bytes)
	var modifiers uint32
	dec.get(&modifiers)
	if dec.Err() != nil {
		return protocolError("inputsChannel.handleInit", "malformed inputs-init", dec.Err())
	}
	in.keyModifiers = modifiers
	in.initDone = true
	return nil
}

// dispatch handles the inputs-channel messages that follow inputs-init.
func (in *inputsChannel) dispatch(f frame) error {
	switch f.Type {
	case MsgInputsKeyModifiers:
		dec := newWireDecoder(f.Bytes)
		var modifiers uint32
		dec.get(&modifiers)
		if dec.Err() != nil {
			return protocolError("inputsChannel.dispatch", "malformed key-modifiers", dec.Err())
		}
		in.keyModifiers = modifiers
		return nil

	case MsgInputsMouseMotionAck:
		newCount := atomic.AddInt32(&in.sess.mouse.sentCount, -MotionAckBunch)
		if newCount < 0 {
			return protocolError("inputsChannel.dispatch", "mouse-motion-ack underflowed sent-count", nil)
		}
		if in.metrics != nil {
			in.metrics.SetGauge("mouse_messages_in_flight", float64(newCount))
		}
		return nil

	default:
		return nil
	}
}

// wireScancode computes the wire-format scancode for a 32-bit client
// scancode, per spec.md §4.6: values below 0x100 are raw PS/2 set-1
// bytes; values at or above are escaped as a leading 0xE0 byte followed
// by (code-0x100) as the high byte. For key-up, 0x80 is OR'd into the
// byte that actually encodes the key identity (the single byte in the
// unescaped case, the high byte in the escaped case).
func wireScancode(code uint32, up bool) uint32 {
	if code < 0x100 {
		b := byte(code)
		if up {
			b |= 0x80
		}
		return uint32(b)
	}
	high := byte(code - 0x100)
	if up {
		high |= 0x80
	}
	return uint32(0xE0) | uint32(high)<<8
}

// KeyDown sends a key-down event for the given 32-bit scancode.
func (s *Session) KeyDown(ctx context.Context, code uint32) error {
	return s.sendKeyEvent(ctx, MsgcInputsKeyDown, code, false)
}

// KeyUp sends a key-up event for the given 32-bit scancode.
func (s *Session) KeyUp(ctx context.Context, code uint32) error {
	return s.sendKeyEvent(ctx, MsgcInputsKeyUp, code, true)
}

func (s *Session) sendKeyEvent(ctx context.Context, msgType MessageType, code uint32, up bool) error {
	if err := s.validator.ValidateScancode(code); err != nil {
		return err
	}
	in, err := s.requireInputs()
	if err != nil {
		return err
	}
	enc := newWireEncoder()
	enc.put(wireScancode(code, up))
	return in.transport.send(ctx, msgType, enc.bytes())
}

// KeyModifiers sends the client's current key-modifier mask.
func (s *Session) KeyModifiers(ctx context.Context, mask uint32) error {
	in, err := s.requireInputs()
	if err != nil {
		return err
	}
	enc := newWireEncoder()
	enc.put(mask)
	return in.transport.send(ctx, MsgcInputsKeyModifiers, enc.bytes())
}

// MouseMode requests the client or server own cursor rendering.
func (s *Session) MouseMode(ctx context.Context, server bool) error {
	s.mu.Lock()
	main := s.main
	s.mu.Unlock()
	if main == nil {
		return protocolError("Session.MouseMode", "main channel not connected", nil)
	}
	mode := MouseModeClient
	if server {
		mode = MouseModeServer
	}
	return main.sendMouseModeRequest(ctx, mode)
}

// MousePosition sends an absolute pointer position with the current
// button mask (spec.md §4.6).
func (s *Session) MousePosition(ctx context.Context, x, y uint32) error {
	in, err := s.requireInputs()
	if err != nil {
		return err
	}

	s.mouse.mu.Lock()
	buttons := s.mouse.buttonState
	s.mouse.mu.Unlock()

	enc := newWireEncoder()
	enc.put(x)
	enc.put(y)
	enc.put(buttons)
	return in.transport.send(ctx, MsgcInputsMousePosition, enc.bytes())
}

// MouseMotion sends a relative pointer motion, splitting it into
// ceil(max(|dx|,|dy|)/127) sub-messages each clamped to ±127 per axis
// (spec.md §4.6, §8's testable property). All sub-messages for one call
// are built into a single contiguous buffer and sent with one write, and
// sent-count is incremented atomically by the sub-message count —
// protection against per-message fragmentation hurting throughput
// (spec.md §4.6).
func (s *Session) MouseMotion(ctx context.Context, dx, dy int32) error {
	in, err := s.requireInputs()
	if err != nil {
		return err
	}

	s.mouse.mu.Lock()
	buttons := s.mouse.buttonState
	s.mouse.mu.Unlock()

	steps := splitMotion(dx, dy)

	buf := newWireEncoder()
	for _, step := range steps {
		buf.put(int32(step.x))
		buf.put(int32(step.y))
		buf.put(buttons)
	}

	if err := in.transport.sendRaw(ctx, framedRepeat(MsgcInputsMouseMotion, motionStepSize, len(steps), buf.bytes())); err != nil {
		return err
	}
	newCount := atomic.AddInt32(&s.mouse.sentCount, int32(len(steps)))
	if in.metrics != nil {
		in.metrics.SetGauge("mouse_messages_in_flight", float64(newCount))
	}
	return nil
}

// motionStepSize is the encoded payload size of one mouse-motion
// sub-message: {dx: i32, dy: i32, buttons: u16}.
const motionStepSize = 4 + 4 + 2

type motionStep struct {
	x, y int32
}

// splitMotion implements spec.md §4.6/§8's splitting rule: the target
// device saturates at ±127 per message, so the requested delta is split
// into ceil(max(|dx|,|dy|)/127) sub-messages, each clamped per axis,
// subtracting the emitted delta until both axes reach zero.
func splitMotion(dx, dy int32) []motionStep {
	absMax := abs32(dx)
	if absMax < abs32(dy) {
		absMax = abs32(dy)
	}
	n := 1
	if absMax > motionClamp {
		n = int((absMax + motionClamp - 1) / motionClamp)
	}

	steps := make([]motionStep, 0, n)
	remX, remY := dx, dy
	for i := 0; i < n; i++ {
		stepX := clamp32(remX, -motionClamp, motionClamp)
		stepY := clamp32(remY, -motionClamp, motionClamp)
		remX -= stepX
		remY -= stepY
		steps = append(steps, motionStep{x: stepX, y: stepY})
	}
	return steps
}

func abs32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}

func clamp32(v, lo, hi int32) int32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// framedRepeat builds n contiguous mini-header frames of msgType, each
// carrying one stepSize slice of payload, into a single buffer suitable
// for one write call.
func framedRepeat(msgType MessageType, stepSize, n int, payload []byte) []byte {
	out := make([]byte, 0, n*(headerSize+stepSize))
	for i := 0; i < n; i++ {
		chunk := payload[i*stepSize : (i+1)*stepSize]
		out = append(out, frameHeaderBytes(msgType, len(chunk))...)
		out = append(out, chunk...)
	}
	return out
}

// frameHeaderBytes builds a standalone mini-header, used when batching
// multiple frames into one write (framedRepeat) instead of calling
// writeFrame per message.
func frameHeaderBytes(typ MessageType, size int) []byte {
	enc := newWireEncoder()
	enc.put(uint16(typ))
	enc.put(uint32(size))
	return enc.bytes()
}

// MousePress updates button-state with the pressed button's mask bit
// under the mouse lock, then sends the framed packet with the
// post-update state (spec.md §4.6).
func (s *Session) MousePress(ctx context.Context, button uint8) error {
	return s.sendMouseButton(ctx, MsgcInputsMousePress, button, true)
}

// MouseRelease clears the released button's mask bit and sends the
// framed packet with the post-update state.
func (s *Session) MouseRelease(ctx context.Context, button uint8) error {
	return s.sendMouseButton(ctx, MsgcInputsMouseRelease, button, false)
}

func (s *Session) sendMouseButton(ctx context.Context, msgType MessageType, button uint8, pressed bool) error {
	in, err := s.requireInputs()
	if err != nil {
		return err
	}

	mask := buttonMask(button)

	s.mouse.mu.Lock()
	if pressed {
		s.mouse.buttonState |= mask
	} else {
		s.mouse.buttonState &^= mask
	}
	buttons := s.mouse.buttonState
	s.mouse.mu.Unlock()

	enc := newWireEncoder()
	enc.put(buttons)
	enc.put(button)
	return in.transport.send(ctx, msgType, enc.bytes())
}

func buttonMask(button uint8) uint16 {
	switch button {
	case MouseButtonLeft:
		return MouseMaskLeft
	case MouseButtonMiddle:
		return MouseMaskMiddle
	case MouseButtonRight:
		return MouseMaskRight
	case MouseButtonSide:
		return MouseMaskSide
	case MouseButtonExtra:
		return MouseMaskExtra
	default:
		return 0
	}
}

func (s *Session) requireInputs() (*inputsChannel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.inputs == nil {
		return nil, protocolError("Session.requireInputs", "inputs channel not connected", nil)
	}
	return s.inputs, nil
}

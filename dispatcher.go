// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package spice

import (
	"context"
	"encoding/binary"
)

// dispatchResult mirrors spec.md §7's error-handling taxonomy of kinds,
// not Go error types: OK/HANDLED/NODATA/ERROR. NODATA and genuine errors
// are still surfaced as Go errors from readOne; dispatchResult only
// distinguishes OK (channel-specific handler should run) from HANDLED
// (the common dispatcher already answered the message).
type dispatchResult int

const (
	resultOK dispatchResult = iota
	resultHandled
)

// channelState is the dispatcher-owned bookkeeping shared by every
// channel type (spec.md §3's Channel record): connected/ready/init-done
// flags and the ACK window.
type channelState struct {
	transport *transport

	connected bool
	ready     bool
	initDone  bool

	ackFrequency uint32
	ackCount     uint32

	channelType ChannelType
	logger      Logger
	metrics     MetricsCollector
}

// handleCommon processes the common message types shared by every
// channel (spec.md §4.4): migrate/migrate-data/wait-for-channels are
// acknowledged silently, set-ack updates the ack window and replies
// ack-sync, ping echoes pong, disconnecting half-shuts the write side,
// and notify is discarded. It reports whether the frame was a common
// message (resultHandled) or should fall through to the channel-specific
// handler (resultOK).
func (cs *channelState) handleCommon(ctx context.Context, f frame) (dispatchResult, error) {
	switch f.Type {
	case MsgMigrate, MsgMigrateData, MsgWaitForChannels:
		return resultHandled, nil

	case MsgSetAck:
		dec := newWireDecoder(f.Bytes)
		var generation, window uint32
		dec.get(&generation)
		dec.get(&window)
		if dec.Err() != nil {
			return resultHandled, protocolError("handleCommon", "malformed set-ack", dec.Err())
		}
		cs.ackFrequency = window

		reply := make([]byte, 4)
		binary.LittleEndian.PutUint32(reply, generation)
		if err := cs.transport.send(ctx, MsgcAckSync, reply); err != nil {
			return resultHandled, err
		}
		return resultHandled, nil

	case MsgPing:
		// The payload is {id: u32, timestamp: u64} plus possible trailing
		// padding (spec.md §4.4); echo exactly what was read, discarding
		// nothing beyond what the header already bounded.
		if err := cs.transport.send(ctx, MsgcPong, f.Bytes); err != nil {
			return resultHandled, err
		}
		return resultHandled, nil

	case MsgDisconnecting:
		_ = cs.transport.closeWrite()
		return resultHandled, nil

	case MsgNotify:
		if cs.logger != nil {
			cs.logger.Info("server notify", Field{Key: "channel", Value: cs.channelType.String()})
		}
		return resultHandled, nil

	default:
		return resultOK, nil
	}
}

// afterMessage runs ACK accounting once a non-common message has been
// fully consumed (spec.md §4.4). The comparison matches the original C
// source's post-increment-compare: `ackCount++ != ackFrequency`, which
// fires one ack every ackFrequency+1 data messages rather than every
// ackFrequency (SPEC_FULL.md §4, spec.md §9 Open Questions).
func (cs *channelState) afterMessage(ctx context.Context) error {
	if cs.ackFrequency == 0 {
		return nil
	}

	count := cs.ackCount
	cs.ackCount++
	if count != cs.ackFrequency {
		return nil
	}

	cs.ackCount = 0
	return cs.transport.send(ctx, MsgcAck, nil)
}

// readOne reads one frame and runs it through the common dispatcher,
// returning the frame (for channel-specific handling) alongside whether
// it was already fully handled.
//
// ACK accounting (afterMessage) is deliberately NOT done here: it only
// counts non-common, channel-specific messages (spec.md §4.4), and each
// channel's poll method is the one that knows whether the frame it just
// handled (an init message or a post-init dispatch) actually completed
// channel-specific processing. Accounting here as well as there would
// double-count every channel-specific message.
func (cs *channelState) readOne(ctx context.Context) (frame, dispatchResult, error) {
	f, err := readFrame(ctx, cs.transport.conn)
	if err != nil {
		return frame{}, resultHandled, err
	}
	if cs.metrics != nil {
		cs.metrics.IncCounter("bytes_received", float64(headerSize+len(f.Bytes)), cs.channelType.String())
	}

	result, err := cs.handleCommon(ctx, f)
	if err != nil {
		return frame{}, resultHandled, err
	}

	return f, result, nil
}

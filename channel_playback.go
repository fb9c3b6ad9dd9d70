// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package spice

import (
	"context"
	"time"
)

// playbackChannel demultiplexes SPICE_MSG_PLAYBACK_* to the registered
// audio callbacks (spec.md §4.7). It has no init message of its own, so
// initDone is set true by connectSubChannel as soon as the link
// handshake completes. Grounded on the teacher's frame-buffer-update
// demultiplexing switch in client.go, generalized from pixel data to
// raw PCM payloads (DESIGN.md "Playback channel").
type playbackChannel struct {
	*channelState
	sess *Session
}

func (p *playbackChannel) state() *channelState { return p.channelState }

func (p *playbackChannel) poll(ctx context.Context, timeout time.Duration) error {
	f, result, err := p.readOne(ctx)
	if err != nil {
		return err
	}
	if result == resultHandled {
		return nil
	}

	if err := p.dispatch(f); err != nil {
		return err
	}
	return p.afterMessage(ctx)
}

// playbackStartPayload is SPICE_MSG_PLAYBACK_START's fixed layout:
// channel count, sample rate, a 16-bit format tag, and a
// multi-media-time stamp (spec.md §4.7).
type playbackStartPayload struct {
	Channels  uint32
	Frequency uint32
	Format    uint16
	Time      uint32
}

// dispatch handles the five playback-channel message types (spec.md
// §4.7). Every handler is a straight passthrough to the registered
// callback except start, which maps the wire format tag to the named
// AudioFormat variant (unrecognized values become AudioFormatInvalid).
func (p *playbackChannel) dispatch(f frame) error {
	cb := p.sess.audioCallbacksSnapshot()

	switch f.Type {
	case MsgPlaybackStart:
		dec := newWireDecoder(f.Bytes)
		var start playbackStartPayload
		dec.get(&start.Channels)
		dec.get(&start.Frequency)
		dec.get(&start.Format)
		dec.get(&start.Time)
		if dec.Err() != nil {
			return protocolError("playbackChannel.dispatch", "malformed playback-start", dec.Err())
		}
		format := AudioFormatInvalid
		if start.Format == uint16(AudioFormatS16) {
			format = AudioFormatS16
		}
		if cb.start != nil {
			cb.start(uint8(start.Channels), start.Frequency, format)
		}
		return nil

	case MsgPlaybackData:
		if cb.data != nil {
			cb.data(f.Bytes)
		}
		return nil

	case MsgPlaybackStop:
		if cb.stop != nil {
			cb.stop()
		}
		return nil

	case MsgPlaybackVolume:
		dec := newWireDecoder(f.Bytes)
		var nchannels uint8
		dec.get(&nchannels)
		if dec.Err() != nil {
			return protocolError("playbackChannel.dispatch", "malformed playback-volume", dec.Err())
		}
		volumes := make([]uint16, nchannels)
		for i := range volumes {
			dec.get(&volumes[i])
		}
		if dec.Err() != nil {
			return protocolError("playbackChannel.dispatch", "malformed playback-volume levels", dec.Err())
		}
		if cb.volume != nil {
			cb.volume(volumes)
		}
		return nil

	case MsgPlaybackMute:
		dec := newWireDecoder(f.Bytes)
		var mute uint8
		dec.get(&mute)
		if dec.Err() != nil {
			return protocolError("playbackChannel.dispatch", "malformed playback-mute", dec.Err())
		}
		if cb.mute != nil {
			cb.mute(mute != 0)
		}
		return nil

	default:
		return nil
	}
}

// audioCallbacksSnapshot takes a consistent copy of the registered audio
// callbacks under the session lock, so dispatch can invoke them without
// holding it (callbacks may themselves call back into the Session).
func (s *Session) audioCallbacksSnapshot() audioCallbacks {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.audio
}

// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

// Package spice implements a client for the SPICE remote desktop wire
// protocol, enough to negotiate a session with a spice-server, attach the
// main/inputs/playback channels, and drive keyboard, mouse, clipboard, and
// audio-playback traffic.
//
// # Basic Usage
//
//	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
//	defer cancel()
//
//	sess := spice.NewSession(spice.ClientConfig{
//		ConnectTimeout: 10 * time.Second,
//	})
//	if err := sess.Connect(ctx, "localhost", 5900, "secret", false); err != nil {
//		log.Fatal(err)
//	}
//	defer sess.Disconnect()
//
//	for !sess.Ready() {
//		if _, err := sess.Process(ctx, time.Second); err != nil {
//			log.Fatal(err)
//		}
//	}
//
// # Input Events
//
//	sess.KeyDown(ctx, 0x1E) // 'a' key down
//	sess.KeyUp(ctx, 0x1E)   // 'a' key up
//
//	sess.MouseMotion(ctx, 10, 0)
//	sess.MousePress(ctx, spice.MouseButtonLeft)
//	sess.MouseRelease(ctx, spice.MouseButtonLeft)
//
// # Clipboard and Audio
//
//	sess.SetClipboardCallbacks(onNotice, onData, onRelease, onRequest)
//	sess.SetAudioCallbacks(onStart, onVolume, onMute, onStop, onData)
//
// # Error Handling
//
//	if spice.IsSpiceError(err, spice.ErrAuthentication) {
//		log.Printf("authentication failed: %v", err)
//	}
package spice

// Copyright 2026 The Wolflink Authors
// SPDX-License-Identifier: Apache-2.0

// Package linking drives messaging-account linking sessions.
//
// A session is one end-to-end attempt to attach an account to the bot
// identity: the client obtains a pairing code or QR payload, approves
// the link on their device, and the captured credential material is
// delivered back to the account's own chat before the session tears
// itself down.
//
// The [Registry] owns all live sessions. Each session runs an
// independent connection controller: a small state machine
// (pending → connecting → connected/failed, with terminated reachable
// from anywhere) that opens the wire handle through an injected
// [Dialer], reacts to handle events, retries closed connections with
// capped linear backoff, and on success runs the post-connection
// pipeline exactly once. failed and terminated are absorbing; a stale
// timer or late handle event can never resurrect a finished session.
//
// State changes fan out through a per-session [Broadcaster]. Any
// number of observers can subscribe; a subscriber is primed with the
// session's current state so late subscribers never miss a pairing
// code or QR payload that arrived before them. Publishing never blocks
// the controller: a subscriber that stops draining its channel loses
// events, not the session.
//
// The wire protocol itself (handshake, encryption, framing) lives
// behind the [Handle] interface; see package whatsapp for the
// production implementation and the fakes in this package's tests for
// the contract.
package linking

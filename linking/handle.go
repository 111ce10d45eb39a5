// Copyright 2026 The Wolflink Authors
// SPDX-License-Identifier: Apache-2.0

package linking

import "context"

// CredentialStore is the per-session credential location handed to a
// Dialer. The controller reads and purges it; the wire adapter writes
// durable credential material through it and may keep its own
// connection state under Dir.
type CredentialStore interface {
	// Dir is the session's private directory on disk.
	Dir() string

	// Write replaces the session's credential blob.
	Write(data []byte) error

	// Read returns the credential blob, or an error when none exists
	// or it fails verification.
	Read() ([]byte, error)

	// Purge removes the whole session directory. Idempotent.
	Purge() error
}

// HandleEventKind discriminates HandleEvent.
type HandleEventKind int

const (
	// HandleQR carries a (possibly rotated) QR payload.
	HandleQR HandleEventKind = iota

	// HandleOpen signals the connection is established and, for a
	// newly linked account, that the adapter has persisted credential
	// material through the session's CredentialStore.
	HandleOpen

	// HandleClosed signals the connection is gone. The handle emits
	// nothing afterwards.
	HandleClosed
)

// HandleEvent is one event from a wire handle's stream.
type HandleEvent struct {
	Kind HandleEventKind

	// QR is the payload for HandleQR events.
	QR string

	// LoggedOut is set on HandleClosed when the remote end revoked
	// the device registration.
	LoggedOut bool
}

// MessageRef identifies a sent message so a later message can quote it.
type MessageRef struct {
	ID     string
	Sender string
}

// Handle is the capability surface the controller needs from an open
// wire connection. Implementations own the handshake, encryption, and
// framing; the controller only reacts to the event stream.
type Handle interface {
	// Events returns the handle's event stream. The channel is closed
	// after HandleClosed is delivered.
	Events() <-chan HandleEvent

	// Registered reports whether this session's credential state has
	// completed a handshake registration.
	Registered() bool

	// RequestPairingCode asks the remote service for a pairing code
	// for the given digits-only phone number.
	RequestPairingCode(ctx context.Context, phoneDigits string) (string, error)

	// SendMessage delivers text to a chat address, optionally quoting
	// a previous message.
	SendMessage(ctx context.Context, to, text string, quote *MessageRef) (*MessageRef, error)

	// JoinGroup accepts a group invite code.
	JoinGroup(ctx context.Context, inviteCode string) error

	// FollowChannel follows a broadcast channel.
	FollowChannel(ctx context.Context, channelJID string) error

	// UserID returns the raw identifier of the linked account, or ""
	// before the link completes.
	UserID() string

	// End shuts the connection down. Safe to call more than once and
	// after HandleClosed.
	End()
}

// Dialer opens wire handles. One Dial call corresponds to one
// connection attempt; reconnection is the controller's job.
type Dialer interface {
	Dial(ctx context.Context, creds CredentialStore) (Handle, error)
}

// Copyright 2026 The Wolflink Authors
// SPDX-License-Identifier: Apache-2.0

package linking

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a linking session.
type Status string

const (
	// StatusPending is the initial state, before the wire handle has
	// produced anything observable.
	StatusPending Status = "pending"

	// StatusConnecting covers pairing-code issuance, QR rotation, and
	// reconnection backoff.
	StatusConnecting Status = "connecting"

	// StatusConnected means the account approved the link and
	// credentials were captured. The post-connection pipeline is
	// running.
	StatusConnected Status = "connected"

	// StatusFailed is terminal: the device logged out after
	// registering, or the retry budget ran out.
	StatusFailed Status = "failed"

	// StatusTerminated is terminal: the session was torn down, either
	// by an explicit request or by the pipeline after credential
	// delivery.
	StatusTerminated Status = "terminated"
)

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusFailed || s == StatusTerminated
}

// Method selects how the client proves control of the account.
type Method string

const (
	// MethodPairing links via a short code typed on the device.
	MethodPairing Method = "pairing"

	// MethodQR links via a QR payload scanned by the device.
	MethodQR Method = "qr"
)

// EventKind names the event stream's event types.
type EventKind string

const (
	// EventStatus announces a lifecycle transition.
	EventStatus EventKind = "status"

	// EventPairingCode carries a freshly issued pairing code.
	EventPairingCode EventKind = "pairing_code"

	// EventQR carries a QR payload. Republished on every rotation.
	EventQR EventKind = "qr"

	// EventAction reports a post-connection pipeline step.
	EventAction EventKind = "action"
)

// Pipeline action names carried by EventAction events.
const (
	ActionGroupJoined       = "group_joined"
	ActionChannelFollowed   = "channel_followed"
	ActionCredentialsSent   = "credentials_sent"
	ActionCredentialsFailed = "credentials_failed"
)

// Event is one entry in a session's observer stream. Only the fields
// relevant to Kind are set.
type Event struct {
	Kind        EventKind `json:"event"`
	Status      Status    `json:"status,omitempty"`
	Message     string    `json:"message,omitempty"`
	Error       string    `json:"error,omitempty"`
	Code        string    `json:"code,omitempty"`
	QR          string    `json:"qr,omitempty"`
	Action      string    `json:"action,omitempty"`
	Credentials string    `json:"credentials,omitempty"`
}

// Snapshot is an immutable copy of a session record, safe to hold
// after the controller has moved on.
type Snapshot struct {
	SessionID   string     `json:"session_id"`
	Status      Status     `json:"status"`
	Method      Method     `json:"connection_method"`
	PairingCode string     `json:"pairing_code,omitempty"`
	QR          string     `json:"qr,omitempty"`
	Credentials string     `json:"credentials,omitempty"`
	RetryCount  int        `json:"retry_count"`
	CreatedAt   time.Time  `json:"created_at"`
	LinkedAt    *time.Time `json:"linked_at,omitempty"`
}

// session is the mutable record behind a Snapshot. It is owned by one
// controller and only ever mutated under that controller's lock.
type session struct {
	id          string
	method      Method
	phone       string // digits only, pairing sessions
	status      Status
	pairingCode string
	qr          string
	credentials string // base64, set once on first connect
	credsSet    bool
	retryCount  int
	createdAt   time.Time
	linkedAt    time.Time
	endedAt     time.Time // set on failed, consumed by the reaper
}

func (s *session) snapshot() Snapshot {
	snap := Snapshot{
		SessionID:   s.id,
		Status:      s.status,
		Method:      s.method,
		PairingCode: s.pairingCode,
		QR:          s.qr,
		Credentials: s.credentials,
		RetryCount:  s.retryCount,
		CreatedAt:   s.createdAt,
	}
	if !s.linkedAt.IsZero() {
		linked := s.linkedAt
		snap.LinkedAt = &linked
	}
	return snap
}

// newSessionID returns a fresh "wolf_" + 8 hex chars identifier.
func newSessionID() string {
	var raw [4]byte
	if _, err := rand.Read(raw[:]); err != nil {
		panic(fmt.Sprintf("linking: session ID entropy: %v", err))
	}
	return "wolf_" + hex.EncodeToString(raw[:])
}

// digitsOnly strips everything but ASCII digits from a phone number.
func digitsOnly(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// minPhoneDigits is the shortest phone number accepted for pairing.
const minPhoneDigits = 10

// SelfJID converts the raw user identifier reported by a handle
// ("15551230000:17@s.whatsapp.net") into the bare address of the
// linked account's own chat. Returns "" when raw carries no user part.
func SelfJID(raw string) string {
	user := raw
	if i := strings.IndexByte(user, '@'); i >= 0 {
		user = user[:i]
	}
	if i := strings.IndexByte(user, ':'); i >= 0 {
		user = user[:i]
	}
	if user == "" {
		return ""
	}
	return user + "@s.whatsapp.net"
}

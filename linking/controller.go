// Copyright 2026 The Wolflink Authors
// SPDX-License-Identifier: Apache-2.0

package linking

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Terminal failure reasons, also surfaced in failed status events.
const (
	reasonLoggedOut    = "device logged out"
	reasonRetryBudget  = "max reconnection attempts reached"
	reasonInvalidPhone = "invalid phone number"
)

// Settings tunes the controller and the post-connection pipeline.
// Zero values take the defaults that match the production service.
type Settings struct {
	// MaxRetries bounds reconnection attempts.
	MaxRetries int

	// PairingSettle is the wait between opening the handle and
	// requesting a pairing code.
	PairingSettle time.Duration

	// BackoffStep and BackoffCap shape the reconnection delay:
	// min(BackoffStep * retryCount, BackoffCap).
	BackoffStep time.Duration
	BackoffCap  time.Duration

	// FailedTTL is how long failed sessions stay queryable before the
	// reaper removes them. Zero disables reaping.
	FailedTTL time.Duration

	// PipelineSettle, MessageGap, and FinalDelay pace the
	// post-connection pipeline.
	PipelineSettle time.Duration
	MessageGap     time.Duration
	FinalDelay     time.Duration

	// GroupInvite and ChannelJID are the pipeline's join targets. An
	// empty target skips that step.
	GroupInvite string
	ChannelJID  string

	// CredentialPrefix tags the credential message; Confirmation is
	// the quoted follow-up.
	CredentialPrefix string
	Confirmation     string
}

func (s Settings) withDefaults() Settings {
	if s.MaxRetries == 0 {
		s.MaxRetries = 10
	}
	if s.PairingSettle == 0 {
		s.PairingSettle = 3 * time.Second
	}
	if s.BackoffStep == 0 {
		s.BackoffStep = 2 * time.Second
	}
	if s.BackoffCap == 0 {
		s.BackoffCap = 10 * time.Second
	}
	if s.PipelineSettle == 0 {
		s.PipelineSettle = 2 * time.Second
	}
	if s.MessageGap == 0 {
		s.MessageGap = 1500 * time.Millisecond
	}
	if s.FinalDelay == 0 {
		s.FinalDelay = 3 * time.Second
	}
	if s.CredentialPrefix == "" {
		s.CredentialPrefix = "WOLF-BOT:~"
	}
	return s
}

// backoff returns the reconnection delay for the given retry count.
func (s Settings) backoff(retryCount int) time.Duration {
	delay := time.Duration(retryCount) * s.BackoffStep
	if delay > s.BackoffCap {
		delay = s.BackoffCap
	}
	return delay
}

// controller owns one session: the single writer for its record, the
// only component that talks to its wire handle, and the scheduler for
// its timers. All mutations happen under mu; timer callbacks re-check
// liveness under mu before acting, so a terminated session stays
// terminated no matter what fires late.
type controller struct {
	registry *Registry
	store    CredentialStore // nil for sessions failed at creation
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	broadcaster *Broadcaster

	mu              sync.Mutex
	session         session
	handle          Handle
	pipelineStarted bool
}

// start runs the first connection attempt. Called once, on the
// session's own goroutine.
func (c *controller) start() { c.connect() }

// connect opens the wire handle and wires its event stream into the
// controller. Also re-entered by the reconnection timer.
func (c *controller) connect() {
	c.mu.Lock()
	if c.session.status.Terminal() {
		c.mu.Unlock()
		return
	}
	attempt := c.session.retryCount
	c.mu.Unlock()

	c.logger.Info("opening handle", "attempt", attempt+1)
	handle, err := c.registry.dialer.Dial(c.ctx, c.store)
	if err != nil {
		c.logger.Error("dial failed", "error", err)
		c.fail(fmt.Sprintf("connection failed: %v", err))
		return
	}

	c.mu.Lock()
	if c.session.status.Terminal() {
		c.mu.Unlock()
		handle.End()
		return
	}
	c.handle = handle
	needsPairing := c.session.method == MethodPairing && !handle.Registered()
	if needsPairing && c.session.status == StatusPending {
		c.session.status = StatusConnecting
		c.publishLocked(Event{Kind: EventStatus, Status: StatusConnecting})
	}
	c.mu.Unlock()

	if needsPairing {
		c.schedulePairingCode(handle)
	}
	go c.pump(handle)
}

// schedulePairingCode requests a pairing code after the settle delay.
// A request failure is not fatal; the reconnection path produces a
// fresh handle and a fresh request.
func (c *controller) schedulePairingCode(handle Handle) {
	c.registry.clock.AfterFunc(c.registry.settings.PairingSettle, func() {
		c.mu.Lock()
		if c.session.status.Terminal() || c.handle != handle {
			c.mu.Unlock()
			return
		}
		phone := c.session.phone
		c.mu.Unlock()

		code, err := handle.RequestPairingCode(c.ctx, phone)

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.session.status.Terminal() || c.handle != handle {
			return
		}
		if err != nil {
			c.logger.Warn("pairing code request failed", "error", err)
			c.publishLocked(Event{
				Kind:   EventStatus,
				Status: StatusConnecting,
				Error:  "pairing code request failed, retrying",
			})
			return
		}
		c.logger.Info("pairing code issued")
		c.session.pairingCode = code
		c.publishLocked(Event{Kind: EventPairingCode, Code: code})
	})
}

// pump translates one handle's event stream into state transitions.
// Exits when the handle closes or the session ends.
func (c *controller) pump(handle Handle) {
	events := handle.Events()
	for {
		select {
		case <-c.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case HandleQR:
				c.handleQR(handle, ev.QR)
			case HandleOpen:
				c.handleOpen(handle)
			case HandleClosed:
				c.handleClosed(handle, ev.LoggedOut)
				return
			}
		}
	}
}

// handleQR stores a QR payload, replacing any previous one, and
// republishes it. Pairing sessions ignore QR traffic.
func (c *controller) handleQR(handle Handle, payload string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session.status.Terminal() || c.handle != handle || c.session.method != MethodQR {
		return
	}
	c.session.qr = payload
	if c.session.status == StatusPending {
		c.session.status = StatusConnecting
		c.publishLocked(Event{Kind: EventStatus, Status: StatusConnecting})
	}
	c.publishLocked(Event{Kind: EventQR, QR: payload})
}

// handleOpen moves the session to connected, captures the credential
// blob, and kicks off the post-connection pipeline.
func (c *controller) handleOpen(handle Handle) {
	c.mu.Lock()
	if c.session.status.Terminal() || c.handle != handle {
		c.mu.Unlock()
		return
	}

	c.session.status = StatusConnected
	c.session.linkedAt = c.registry.clock.Now()
	c.session.retryCount = 0

	if !c.session.credsSet {
		creds := ""
		if data, err := c.store.Read(); err != nil {
			// Empty string, never absent: connected implies a blob,
			// even when the store is unreadable.
			c.logger.Warn("credential blob unreadable", "error", err)
		} else {
			creds = base64.StdEncoding.EncodeToString(data)
		}
		c.session.credentials = creds
		c.session.credsSet = true
	}

	c.logger.Info("session connected", "credential_bytes", len(c.session.credentials))
	c.publishLocked(Event{
		Kind:        EventStatus,
		Status:      StatusConnected,
		Credentials: c.session.credentials,
	})

	startPipeline := !c.pipelineStarted
	c.pipelineStarted = true
	c.mu.Unlock()

	c.registry.recordStatus(c.session.id, StatusConnected)
	if startPipeline {
		go c.runPipeline(handle)
	}
}

// handleClosed classifies a connection close: ignore when already
// terminal, retry with backoff while budget remains, fail otherwise.
func (c *controller) handleClosed(handle Handle, loggedOut bool) {
	c.mu.Lock()
	if c.session.status.Terminal() || c.handle != handle {
		c.mu.Unlock()
		return
	}

	registered := handle.Registered()
	shouldReconnect := !loggedOut || !registered

	if shouldReconnect && c.session.retryCount < c.registry.settings.MaxRetries {
		c.session.retryCount++
		attempt := c.session.retryCount
		if c.session.status == StatusPending {
			c.session.status = StatusConnecting
		}
		c.publishLocked(Event{
			Kind:    EventStatus,
			Status:  StatusConnecting,
			Message: fmt.Sprintf("reconnecting (attempt %d)", attempt),
		})
		c.mu.Unlock()

		delay := c.registry.settings.backoff(attempt)
		c.logger.Info("connection closed, reconnecting",
			"logged_out", loggedOut,
			"registered", registered,
			"attempt", attempt,
			"delay", delay,
		)
		c.registry.clock.AfterFunc(delay, func() {
			c.mu.Lock()
			stale := c.session.status.Terminal()
			c.mu.Unlock()
			if stale {
				return
			}
			c.connect()
		})
		return
	}
	c.mu.Unlock()

	reason := reasonRetryBudget
	if loggedOut {
		reason = reasonLoggedOut
	}
	c.logger.Warn("connection closed, giving up",
		"logged_out", loggedOut,
		"registered", registered,
		"reason", reason,
	)
	c.fail(reason)
}

// fail moves the session to failed and releases its resources: the
// handle is ended and the credential store purged, so a failed session
// leaves no residue behind.
func (c *controller) fail(reason string) {
	c.mu.Lock()
	if c.session.status.Terminal() {
		c.mu.Unlock()
		return
	}
	c.session.status = StatusFailed
	c.session.endedAt = c.registry.clock.Now()
	c.publishLocked(Event{Kind: EventStatus, Status: StatusFailed, Error: reason})
	handle := c.handle
	c.handle = nil
	c.mu.Unlock()

	c.cancel()
	if handle != nil {
		handle.End()
	}
	c.purge()
	c.registry.recordStatus(c.session.id, StatusFailed)
}

// terminate forces the session into its final state. The failed state
// is absorbing: terminating a failed session tears resources down
// again (a no-op) without publishing a bogus transition.
func (c *controller) terminate() {
	c.mu.Lock()
	if !c.session.status.Terminal() {
		c.session.status = StatusTerminated
		c.session.endedAt = c.registry.clock.Now()
		c.publishLocked(Event{Kind: EventStatus, Status: StatusTerminated})
		defer c.registry.recordStatus(c.session.id, StatusTerminated)
	}
	handle := c.handle
	c.handle = nil
	c.mu.Unlock()

	c.cancel()
	if handle != nil {
		handle.End()
	}
	c.purge()
	c.broadcaster.Close()
}

// subscribe registers an observer and primes it with the session's
// current state under the lock, so the snapshot and the live stream
// cannot interleave out of order.
func (c *controller) subscribe() *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()

	prime := []Event{{Kind: EventStatus, Status: c.session.status}}
	if c.session.status == StatusConnected {
		prime[0].Credentials = c.session.credentials
	}
	if c.session.pairingCode != "" {
		prime = append(prime, Event{Kind: EventPairingCode, Code: c.session.pairingCode})
	}
	if c.session.qr != "" {
		prime = append(prime, Event{Kind: EventQR, QR: c.session.qr})
	}
	return c.broadcaster.Subscribe(prime...)
}

func (c *controller) snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.snapshot()
}

// publish delivers an event unless the session already reached a
// terminal state. For use outside the lock; the pipeline goroutine is
// the only caller, and a pipeline step finishing concurrently with a
// failure must not leak its action event into the dead stream.
func (c *controller) publish(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session.status.Terminal() && ev.Kind != EventStatus {
		return
	}
	c.publishLocked(ev)
}

// publishLocked requires c.mu held.
func (c *controller) publishLocked(ev Event) {
	c.broadcaster.Publish(ev)
}

func (c *controller) purge() {
	if c.store == nil {
		return
	}
	if err := c.store.Purge(); err != nil {
		c.logger.Error("credential purge failed", "error", err)
	}
}

// errSessionEnded is the pipeline's cancellation signal.
var errSessionEnded = errors.New("linking: session ended")

// wait sleeps on the session clock, aborting early when the session
// ends.
func (c *controller) wait(d time.Duration) error {
	select {
	case <-c.registry.clock.After(d):
		return nil
	case <-c.ctx.Done():
		return errSessionEnded
	}
}

// Copyright 2026 The Wolflink Authors
// SPDX-License-Identifier: Apache-2.0

package linking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wolfbot-labs/wolflink/lib/clock"
)

// ErrUnknownMethod is returned by Create for a connection method other
// than pairing or qr.
var ErrUnknownMethod = errors.New("linking: unknown connection method")

// ErrRegistryClosed is returned by Create after Close.
var ErrRegistryClosed = errors.New("linking: registry is closed")

// StoreOpener allocates the credential store for a new session.
type StoreOpener func(sessionID string) (CredentialStore, error)

// Recorder receives session lifecycle notifications for analytics.
// Implementations must not block; see package connlog.
type Recorder interface {
	SessionCreated(sessionID string, method Method, at time.Time)
	SessionStatus(sessionID string, status Status, at time.Time)
}

// reapInterval is how often the reaper sweeps for expired failed
// sessions.
const reapInterval = time.Minute

// RegistryConfig assembles a Registry's collaborators.
type RegistryConfig struct {
	// Dialer opens wire handles. Required.
	Dialer Dialer

	// Stores allocates per-session credential stores. Required.
	Stores StoreOpener

	// Clock defaults to clock.Real().
	Clock clock.Clock

	// Logger defaults to discard.
	Logger *slog.Logger

	// Recorder is optional.
	Recorder Recorder

	// Settings tunes controllers and pipelines.
	Settings Settings
}

// Registry is the process-wide map of live linking sessions. It
// creates sessions, hands out snapshots and subscriptions, and tears
// sessions down. Construct one per process (or per test) with
// NewRegistry; there is no package-level instance.
type Registry struct {
	dialer   Dialer
	stores   StoreOpener
	clock    clock.Clock
	logger   *slog.Logger
	recorder Recorder
	settings Settings

	mu       sync.RWMutex
	sessions map[string]*controller
	closed   bool

	reaperStop chan struct{}
	reaperDone chan struct{}
}

// NewRegistry builds a Registry and starts its failed-session reaper
// when Settings.FailedTTL is set.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Dialer == nil {
		return nil, fmt.Errorf("linking: RegistryConfig.Dialer is required")
	}
	if cfg.Stores == nil {
		return nil, fmt.Errorf("linking: RegistryConfig.Stores is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	r := &Registry{
		dialer:   cfg.Dialer,
		stores:   cfg.Stores,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		recorder: cfg.Recorder,
		settings: cfg.Settings.withDefaults(),
		sessions: make(map[string]*controller),
	}
	if r.settings.FailedTTL > 0 {
		r.reaperStop = make(chan struct{})
		r.reaperDone = make(chan struct{})
		go r.reap()
	}
	return r, nil
}

// Create starts a new linking session and returns its initial
// snapshot. A malformed phone number does not produce an error: the
// session is created directly in the failed state so clients poll a
// uniform shape either way. Only an unknown method or a closed
// registry produce errors.
func (r *Registry) Create(method Method, phoneNumber string) (Snapshot, error) {
	if method != MethodPairing && method != MethodQR {
		return Snapshot{}, fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}

	now := r.clock.Now()
	record := session{
		method:    method,
		status:    StatusPending,
		createdAt: now,
	}

	failReason := ""
	if method == MethodPairing {
		record.phone = digitsOnly(phoneNumber)
		if len(record.phone) < minPhoneDigits {
			failReason = reasonInvalidPhone
		}
	}

	var store CredentialStore
	if failReason == "" {
		// The store is allocated before dialing so the wire adapter
		// has its location from the first attempt. Sessions that fail
		// validation never allocate one.
		var err error
		if store, err = r.allocateStore(); err != nil {
			r.logger.Error("credential store allocation failed", "error", err)
			failReason = "credential store unavailable"
		} else {
			record.id = storeSessionID(store)
		}
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		if store != nil {
			_ = store.Purge()
		}
		return Snapshot{}, ErrRegistryClosed
	}
	if record.id == "" {
		record.id = r.freshIDLocked()
	}
	if failReason != "" {
		record.status = StatusFailed
		record.endedAt = now
	}

	ctx, cancel := context.WithCancel(context.Background())
	ctrl := &controller{
		registry:    r,
		store:       store,
		logger:      r.logger.With("session_id", record.id),
		ctx:         ctx,
		cancel:      cancel,
		broadcaster: NewBroadcaster(),
		session:     record,
	}
	r.sessions[record.id] = ctrl
	r.mu.Unlock()

	r.recordCreated(record.id, method)
	if failReason != "" {
		ctrl.logger.Warn("session failed at creation", "reason", failReason)
		r.recordStatus(record.id, StatusFailed)
	} else {
		go ctrl.start()
	}
	return ctrl.snapshot(), nil
}

// Get returns a snapshot of the session, if it exists.
func (r *Registry) Get(sessionID string) (Snapshot, bool) {
	r.mu.RLock()
	ctrl, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	return ctrl.snapshot(), true
}

// Subscribe attaches an observer to a session's event stream. The
// subscription is primed with the session's current status and any
// known pairing code or QR payload, so a late subscriber misses
// nothing that still matters.
func (r *Registry) Subscribe(sessionID string) (*Subscription, bool) {
	r.mu.RLock()
	ctrl, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return ctrl.subscribe(), true
}

// Terminate tears a session down: terminated transition published to
// subscribers, handle ended, credential store purged, record removed.
// Idempotent across callers — exactly one caller gets true, any other
// (including a second explicit terminate) gets false.
func (r *Registry) Terminate(sessionID string) bool {
	r.mu.Lock()
	ctrl, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	ctrl.terminate()
	ctrl.logger.Info("session terminated")
	return true
}

// ListAll returns snapshots of every live session, for observability.
func (r *Registry) ListAll() []Snapshot {
	r.mu.RLock()
	controllers := make([]*controller, 0, len(r.sessions))
	for _, ctrl := range r.sessions {
		controllers = append(controllers, ctrl)
	}
	r.mu.RUnlock()

	snapshots := make([]Snapshot, 0, len(controllers))
	for _, ctrl := range controllers {
		snapshots = append(snapshots, ctrl.snapshot())
	}
	return snapshots
}

// Close terminates every session and stops the reaper. The registry
// rejects Create afterwards.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Terminate(id)
	}
	if r.reaperStop != nil {
		close(r.reaperStop)
		<-r.reaperDone
	}
}

// reap periodically removes failed sessions older than FailedTTL so
// the registry does not accumulate dead records.
func (r *Registry) reap() {
	defer close(r.reaperDone)
	ticker := r.clock.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.reaperStop:
			return
		case <-ticker.C:
			cutoff := r.clock.Now().Add(-r.settings.FailedTTL)
			for _, id := range r.expiredFailed(cutoff) {
				r.logger.Info("reaping failed session", "session_id", id)
				r.Terminate(id)
			}
		}
	}
}

// expiredFailed returns the IDs of failed sessions whose failure is
// older than cutoff.
func (r *Registry) expiredFailed(cutoff time.Time) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var expired []string
	for id, ctrl := range r.sessions {
		ctrl.mu.Lock()
		failed := ctrl.session.status == StatusFailed && !ctrl.session.endedAt.After(cutoff)
		ctrl.mu.Unlock()
		if failed {
			expired = append(expired, id)
		}
	}
	return expired
}

// allocateStore picks a fresh session ID and opens its credential
// store. Collisions retry with a new ID; the 32-bit space is ample for
// a process-local registry but not guaranteed collision-free.
func (r *Registry) allocateStore() (CredentialStore, error) {
	for attempt := 0; attempt < 5; attempt++ {
		id := newSessionID()
		r.mu.RLock()
		_, taken := r.sessions[id]
		r.mu.RUnlock()
		if taken {
			continue
		}
		store, err := r.stores(id)
		if err != nil {
			return nil, err
		}
		return &namedStore{CredentialStore: store, id: id}, nil
	}
	return nil, fmt.Errorf("linking: session ID space exhausted")
}

// freshIDLocked returns an unused session ID. Caller holds r.mu.
func (r *Registry) freshIDLocked() string {
	for {
		id := newSessionID()
		if _, taken := r.sessions[id]; !taken {
			return id
		}
	}
}

// namedStore carries the session ID chosen during store allocation.
type namedStore struct {
	CredentialStore
	id string
}

func storeSessionID(store CredentialStore) string {
	if named, ok := store.(*namedStore); ok {
		return named.id
	}
	return ""
}

func (r *Registry) recordCreated(sessionID string, method Method) {
	if r.recorder == nil {
		return
	}
	r.recorder.SessionCreated(sessionID, method, r.clock.Now())
}

func (r *Registry) recordStatus(sessionID string, status Status) {
	if r.recorder == nil {
		return
	}
	r.recorder.SessionStatus(sessionID, status, r.clock.Now())
}

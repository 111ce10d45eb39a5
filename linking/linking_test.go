// Copyright 2026 The Wolflink Authors
// SPDX-License-Identifier: Apache-2.0

package linking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/wolfbot-labs/wolflink/lib/clock"
	"github.com/wolfbot-labs/wolflink/lib/testutil"
)

const waitTimeout = 5 * time.Second

// sentMessage records one SendMessage call on a fake handle.
type sentMessage struct {
	to    string
	text  string
	quote *MessageRef
}

// fakeHandle is a scriptable Handle. Tests drive the controller by
// emitting events on it and inspect the calls it received.
type fakeHandle struct {
	events chan HandleEvent

	mu              sync.Mutex
	registered      bool
	userID          string
	pairingCode     string
	pairingErr      error
	pairingRequests []string
	sendErr         error
	joinErr         error
	followErr       error
	sent            []sentMessage
	joined          []string
	followed        []string
	nextMsg         int
	ended           bool
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{events: make(chan HandleEvent, 8)}
}

func (h *fakeHandle) Events() <-chan HandleEvent { return h.events }

func (h *fakeHandle) Registered() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.registered
}

func (h *fakeHandle) RequestPairingCode(_ context.Context, phoneDigits string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pairingRequests = append(h.pairingRequests, phoneDigits)
	if h.pairingErr != nil {
		return "", h.pairingErr
	}
	return h.pairingCode, nil
}

func (h *fakeHandle) SendMessage(_ context.Context, to, text string, quote *MessageRef) (*MessageRef, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sendErr != nil {
		return nil, h.sendErr
	}
	h.nextMsg++
	h.sent = append(h.sent, sentMessage{to: to, text: text, quote: quote})
	return &MessageRef{ID: fmt.Sprintf("msg-%d", h.nextMsg), Sender: h.userID}, nil
}

func (h *fakeHandle) JoinGroup(_ context.Context, inviteCode string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.joinErr != nil {
		return h.joinErr
	}
	h.joined = append(h.joined, inviteCode)
	return nil
}

func (h *fakeHandle) FollowChannel(_ context.Context, channelJID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.followErr != nil {
		return h.followErr
	}
	h.followed = append(h.followed, channelJID)
	return nil
}

func (h *fakeHandle) UserID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.userID
}

func (h *fakeHandle) End() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ended = true
}

func (h *fakeHandle) wasEnded() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ended
}

func (h *fakeHandle) sentMessages() []sentMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]sentMessage(nil), h.sent...)
}

func (h *fakeHandle) emitQR(payload string) {
	h.events <- HandleEvent{Kind: HandleQR, QR: payload}
}

func (h *fakeHandle) emitOpen() {
	h.events <- HandleEvent{Kind: HandleOpen}
}

func (h *fakeHandle) emitClosed(loggedOut bool) {
	h.events <- HandleEvent{Kind: HandleClosed, LoggedOut: loggedOut}
}

// fakeDialer hands out a fresh fakeHandle per Dial and surfaces it to
// the test through the handles channel.
type fakeDialer struct {
	mu          sync.Mutex
	dials       int
	err         error
	block       bool
	registered  bool
	userID      string
	pairingCode string

	handles chan *fakeHandle
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		handles:     make(chan *fakeHandle, 16),
		pairingCode: "ABCD-EFGH",
		userID:      "15551230000:17@s.whatsapp.net",
	}
}

func (d *fakeDialer) Dial(ctx context.Context, _ CredentialStore) (Handle, error) {
	d.mu.Lock()
	d.dials++
	err, block := d.err, d.block
	h := newFakeHandle()
	h.registered = d.registered
	h.userID = d.userID
	h.pairingCode = d.pairingCode
	d.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	d.handles <- h
	return h, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// memStore is an in-memory CredentialStore.
type memStore struct {
	dir string

	mu     sync.Mutex
	data   []byte
	has    bool
	purged bool
}

func (s *memStore) Dir() string { return s.dir }

func (s *memStore) Write(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = append([]byte(nil), data...)
	s.has = true
	return nil
}

func (s *memStore) Read() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.has || s.purged {
		return nil, errors.New("no credential blob")
	}
	return append([]byte(nil), s.data...), nil
}

func (s *memStore) Purge() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purged = true
	s.has = false
	return nil
}

func (s *memStore) wasPurged() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.purged
}

type recorded struct {
	sessionID string
	method    Method
	status    Status
	created   bool
}

type fakeRecorder struct {
	mu     sync.Mutex
	events []recorded
}

func (r *fakeRecorder) SessionCreated(sessionID string, method Method, _ time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recorded{sessionID: sessionID, method: method, created: true})
}

func (r *fakeRecorder) SessionStatus(sessionID string, status Status, _ time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recorded{sessionID: sessionID, status: status})
}

func (r *fakeRecorder) all() []recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recorded(nil), r.events...)
}

// env assembles a registry on a fake clock with fake collaborators.
type env struct {
	t        *testing.T
	clock    *clock.FakeClock
	dialer   *fakeDialer
	recorder *fakeRecorder
	reg      *Registry

	mu     sync.Mutex
	stores map[string]*memStore
}

func newEnv(t *testing.T, settings Settings) *env {
	t.Helper()
	e := &env{
		t:        t,
		clock:    clock.Fake(time.Unix(1700000000, 0)),
		dialer:   newFakeDialer(),
		recorder: &fakeRecorder{},
		stores:   make(map[string]*memStore),
	}
	reg, err := NewRegistry(RegistryConfig{
		Dialer:   e.dialer,
		Stores:   e.openStore,
		Clock:    e.clock,
		Recorder: e.recorder,
		Settings: settings,
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	e.reg = reg
	t.Cleanup(reg.Close)
	return e
}

// pipelineSettings enables every pipeline step.
func pipelineSettings() Settings {
	return Settings{
		GroupInvite:  "test-invite-code",
		ChannelJID:   "120363@newsletter",
		Confirmation: "Linked. Keep the message above safe.",
	}
}

func (e *env) openStore(sessionID string) (CredentialStore, error) {
	store := &memStore{dir: "/tmp/" + sessionID}
	e.mu.Lock()
	e.stores[sessionID] = store
	e.mu.Unlock()
	return store, nil
}

func (e *env) storeFor(sessionID string) *memStore {
	e.t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	store, ok := e.stores[sessionID]
	if !ok {
		e.t.Fatalf("no store allocated for session %s", sessionID)
	}
	return store
}

func (e *env) awaitDial() *fakeHandle {
	e.t.Helper()
	return testutil.RequireReceive(e.t, e.dialer.handles, waitTimeout, "waiting for dial")
}

func (e *env) requireNoDial() {
	e.t.Helper()
	select {
	case <-e.dialer.handles:
		e.t.Fatalf("unexpected dial")
	default:
	}
}

// waitForEvent drains sub until match returns true, failing on close or
// timeout. Events before the match are discarded.
func waitForEvent(t *testing.T, sub *Subscription, what string, match func(Event) bool) Event {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatalf("event stream closed while waiting for %s", what)
			}
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}

func waitForStatus(t *testing.T, sub *Subscription, status Status) Event {
	t.Helper()
	return waitForEvent(t, sub, fmt.Sprintf("status %s", status), func(ev Event) bool {
		return ev.Kind == EventStatus && ev.Status == status
	})
}

func waitForAction(t *testing.T, sub *Subscription, action string) Event {
	t.Helper()
	return waitForEvent(t, sub, fmt.Sprintf("action %s", action), func(ev Event) bool {
		return ev.Kind == EventAction && ev.Action == action
	})
}

// waitForStreamClose drains sub until its channel closes, returning the
// drained events.
func waitForStreamClose(t *testing.T, sub *Subscription) []Event {
	t.Helper()
	var drained []Event
	deadline := time.After(waitTimeout)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return drained
			}
			drained = append(drained, ev)
		case <-deadline:
			t.Fatalf("timed out waiting for event stream to close")
		}
	}
}

// waitForGone polls until the session disappears from the registry.
func waitForGone(t *testing.T, reg *Registry, sessionID string) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if _, ok := reg.Get(sessionID); !ok {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("session %s still present", sessionID)
}

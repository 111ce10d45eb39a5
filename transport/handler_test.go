// Copyright 2026 The Wolflink Authors
// SPDX-License-Identifier: Apache-2.0

package transport_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/wolfbot-labs/wolflink/connlog"
	"github.com/wolfbot-labs/wolflink/linking"
	"github.com/wolfbot-labs/wolflink/transport"
	"github.com/wolfbot-labs/wolflink/vault"
)

// blockingDialer parks every Dial until the session is torn down, so
// sessions stay pending for the duration of a test.
type blockingDialer struct{}

func (blockingDialer) Dial(ctx context.Context, _ linking.CredentialStore) (linking.Handle, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type testAPI struct {
	registry *linking.Registry
	history  *connlog.Log
	server   *httptest.Server
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	root, err := vault.NewRoot(t.TempDir(), nil, nil)
	if err != nil {
		t.Fatalf("vault.NewRoot: %v", err)
	}
	registry, err := linking.NewRegistry(linking.RegistryConfig{
		Dialer: blockingDialer{},
		Stores: func(sessionID string) (linking.CredentialStore, error) {
			return root.Open(sessionID)
		},
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	t.Cleanup(registry.Close)

	history, err := connlog.Open(connlog.Config{Path: filepath.Join(t.TempDir(), "connlog.db")})
	if err != nil {
		t.Fatalf("connlog.Open: %v", err)
	}
	t.Cleanup(func() {
		if err := history.Close(); err != nil {
			t.Errorf("history.Close: %v", err)
		}
	})

	handler := transport.NewHandler(transport.HandlerConfig{
		Registry: registry,
		History:  history,
	})
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return &testAPI{registry: registry, history: history, server: server}
}

func (api *testAPI) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	resp, err := http.Post(api.server.URL+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func (api *testAPI) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(api.server.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func (api *testAPI) delete(t *testing.T, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodDelete, api.server.URL+path, nil)
	if err != nil {
		t.Fatalf("building DELETE %s: %v", path, err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE %s: %v", path, err)
	}
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var value T
	if err := json.NewDecoder(resp.Body).Decode(&value); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return value
}

type sessionBody struct {
	SessionID string         `json:"session_id"`
	Status    linking.Status `json:"status"`
	Method    linking.Method `json:"connection_method"`
	Message   string         `json:"message"`
}

func TestSessionCRUD(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post(t, "/api/sessions", map[string]string{"connection_method": "qr"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}
	created := decodeBody[sessionBody](t, resp)
	if created.SessionID == "" || created.Method != linking.MethodQR {
		t.Fatalf("created session = %+v", created)
	}

	resp = api.get(t, "/api/sessions/"+created.SessionID)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d, want 200", resp.StatusCode)
	}
	fetched := decodeBody[sessionBody](t, resp)
	if fetched.SessionID != created.SessionID {
		t.Fatalf("fetched %q, want %q", fetched.SessionID, created.SessionID)
	}
	if fetched.Message == "" {
		t.Fatalf("session response missing status message")
	}

	resp = api.get(t, "/api/sessions")
	listed := decodeBody[[]sessionBody](t, resp)
	if len(listed) != 1 || listed[0].SessionID != created.SessionID {
		t.Fatalf("list = %+v", listed)
	}

	resp = api.delete(t, "/api/sessions/"+created.SessionID)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.delete(t, "/api/sessions/"+created.SessionID)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second delete status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.get(t, "/api/sessions/" + created.SessionID)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestCreateSessionValidation(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post(t, "/api/sessions", map[string]string{"connection_method": "telepathy"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown method status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()

	// A malformed phone number is not an HTTP error: the session is
	// created already failed.
	resp = api.post(t, "/api/sessions", map[string]string{
		"connection_method": "pairing",
		"phone_number":      "123",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("short phone status = %d, want 201", resp.StatusCode)
	}
	created := decodeBody[sessionBody](t, resp)
	if created.Status != linking.StatusFailed {
		t.Fatalf("short phone session status = %q, want failed", created.Status)
	}
	if created.Message != "Connection failed" {
		t.Fatalf("message = %q", created.Message)
	}
}

func TestSessionEventStream(t *testing.T) {
	api := newTestAPI(t)

	created := decodeBody[sessionBody](t, api.post(t, "/api/sessions", map[string]string{"connection_method": "qr"}))

	resp := api.get(t, "/api/sessions/"+created.SessionID+"/events")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("events status = %d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("Content-Type = %q", got)
	}

	events := make(chan linking.Event, 8)
	go func() {
		defer close(events)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var ev linking.Event
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
				continue
			}
			events <- ev
		}
	}()

	// The stream primes with the session's current status.
	first := receiveEvent(t, events)
	if first.Kind != linking.EventStatus {
		t.Fatalf("first event = %+v, want a status event", first)
	}

	api.registry.Terminate(created.SessionID)
	for {
		ev, open := <-events
		if !open {
			break
		}
		if ev.Kind == linking.EventStatus && ev.Status == linking.StatusTerminated {
			return
		}
	}
	t.Fatalf("stream closed without a terminated event")
}

func receiveEvent(t *testing.T, events <-chan linking.Event) linking.Event {
	t.Helper()
	select {
	case ev, open := <-events:
		if !open {
			t.Fatalf("event stream closed early")
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for an event")
	}
	panic("unreachable")
}

func TestStats(t *testing.T) {
	api := newTestAPI(t)

	now := time.Now().UTC()
	api.history.SessionCreated("wolf_aaaa0001", linking.MethodQR, now.Add(-time.Hour))
	api.history.SessionStatus("wolf_aaaa0001", linking.StatusConnected, now.Add(-59*time.Minute))
	api.history.SessionStatus("wolf_aaaa0001", linking.StatusTerminated, now.Add(-58*time.Minute))
	api.history.Sync()

	created := decodeBody[sessionBody](t, api.post(t, "/api/sessions", map[string]string{"connection_method": "qr"}))
	if created.SessionID == "" {
		t.Fatalf("create failed")
	}

	resp := api.get(t, "/api/stats")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stats status = %d, want 200", resp.StatusCode)
	}
	stats := decodeBody[struct {
		Live     int             `json:"live"`
		Sessions connlog.Summary `json:"sessions"`
		Recent   []connlog.Entry `json:"recent"`
	}](t, resp)

	if stats.Live != 1 {
		t.Errorf("live = %d, want 1", stats.Live)
	}
	if stats.Sessions.Linked != 1 {
		t.Errorf("linked = %d, want 1", stats.Sessions.Linked)
	}
	if len(stats.Recent) == 0 {
		t.Errorf("recent is empty")
	}
}

func TestHealth(t *testing.T) {
	api := newTestAPI(t)
	resp := api.get(t, "/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d, want 200", resp.StatusCode)
	}
	body := decodeBody[map[string]string](t, resp)
	if body["status"] != "ok" {
		t.Fatalf("health body = %v", body)
	}
}

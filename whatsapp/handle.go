// Copyright 2026 The Wolflink Authors
// SPDX-License-Identifier: Apache-2.0

package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/wolfbot-labs/wolflink/linking"
)

// handleEventBuffer sizes the event channel. Emission is non-blocking
// so a stalled consumer cannot wedge whatsmeow's event dispatcher.
const handleEventBuffer = 16

// handle wraps one connected whatsmeow client. It satisfies
// linking.Handle.
type handle struct {
	client    *whatsmeow.Client
	container *sqlstore.Container
	creds     linking.CredentialStore
	dbPath    string
	logger    *slog.Logger
	events    chan linking.HandleEvent
	handlerID uint32

	mu     sync.Mutex
	closed bool
}

func (h *handle) Events() <-chan linking.HandleEvent { return h.events }

func (h *handle) Registered() bool { return h.client.Store.ID != nil }

func (h *handle) UserID() string {
	if id := h.client.Store.ID; id != nil {
		return id.String()
	}
	return ""
}

func (h *handle) RequestPairingCode(ctx context.Context, phoneDigits string) (string, error) {
	code, err := h.client.PairPhone(ctx, phoneDigits, true, whatsmeow.PairClientChrome, "Chrome (Linux)")
	if err != nil {
		return "", fmt.Errorf("whatsapp: pair phone: %w", err)
	}
	return code, nil
}

func (h *handle) SendMessage(ctx context.Context, to, text string, quote *linking.MessageRef) (*linking.MessageRef, error) {
	jid, err := parseJID(to)
	if err != nil {
		return nil, err
	}
	resp, err := h.client.SendMessage(ctx, jid, buildMessage(text, quote))
	if err != nil {
		return nil, fmt.Errorf("whatsapp: send to %s: %w", to, err)
	}
	return &linking.MessageRef{ID: resp.ID, Sender: h.UserID()}, nil
}

func (h *handle) JoinGroup(ctx context.Context, inviteCode string) error {
	group, err := h.client.JoinGroupWithLink(ctx, inviteCode)
	if err != nil {
		return fmt.Errorf("whatsapp: join group: %w", err)
	}
	h.logger.Debug("joined group", "group", group.String())
	return nil
}

func (h *handle) FollowChannel(ctx context.Context, channelJID string) error {
	jid, err := parseJID(channelJID)
	if err != nil {
		return err
	}
	if err := h.client.FollowNewsletter(ctx, jid); err != nil {
		return fmt.Errorf("whatsapp: follow newsletter: %w", err)
	}
	return nil
}

// End shuts the connection down and releases the session store. The
// event stream closes without a final HandleClosed.
func (h *handle) End() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	close(h.events)
	h.mu.Unlock()
	h.release()
}

func (h *handle) release() {
	h.client.RemoveEventHandler(h.handlerID)
	h.client.Disconnect()
	h.container.Close()
}

// onEvent runs on whatsmeow's dispatcher goroutine.
func (h *handle) onEvent(evt any) {
	switch e := evt.(type) {
	case *events.Connected:
		h.persistCredentials()
		h.emit(linking.HandleEvent{Kind: linking.HandleOpen})
	case *events.LoggedOut:
		h.logger.Info("device logged out", "reason", e.Reason)
		h.closeStream(true)
	case *events.StreamReplaced:
		h.closeStream(false)
	case *events.Disconnected:
		h.closeStream(false)
	}
}

// pumpQR forwards QR codes from whatsmeow's QR channel. The channel
// also reports pairing success and timeout; success is handled via the
// Connected event, timeout surfaces as a close.
func (h *handle) pumpQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			h.emit(linking.HandleEvent{Kind: linking.HandleQR, QR: item.Code})
		case whatsmeow.QRChannelEventError:
			h.logger.Warn("QR channel error", "error", item.Error)
			h.closeStream(false)
		case whatsmeow.QRChannelTimeout.Event:
			h.closeStream(false)
		}
	}
}

// persistCredentials snapshots the session database into the
// credential store. Runs before HandleOpen is emitted so the blob is
// always readable by the time the session reports connected.
func (h *handle) persistCredentials() {
	blob, err := os.ReadFile(h.dbPath)
	if err != nil {
		h.logger.Error("reading session database", "error", err)
		return
	}
	if err := h.creds.Write(blob); err != nil {
		h.logger.Error("writing credential blob", "error", err)
	}
}

// emit delivers ev unless the stream is closed, dropping instead of
// blocking the dispatcher.
func (h *handle) emit(ev linking.HandleEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	select {
	case h.events <- ev:
	default:
		h.logger.Warn("handle event dropped", "kind", ev.Kind)
	}
}

// closeStream delivers HandleClosed and closes the event channel.
// Only the first close wins; End and late whatsmeow events are no-ops
// afterwards.
func (h *handle) closeStream(loggedOut bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	select {
	case h.events <- linking.HandleEvent{Kind: linking.HandleClosed, LoggedOut: loggedOut}:
	default:
	}
	close(h.events)
}

// buildMessage wraps text in the wire message shape, quoting an
// earlier message when a reference is given.
func buildMessage(text string, quote *linking.MessageRef) *waE2E.Message {
	if quote == nil {
		return &waE2E.Message{Conversation: proto.String(text)}
	}
	return &waE2E.Message{
		ExtendedTextMessage: &waE2E.ExtendedTextMessage{
			Text: proto.String(text),
			ContextInfo: &waE2E.ContextInfo{
				StanzaID:      proto.String(quote.ID),
				Participant:   proto.String(quote.Sender),
				QuotedMessage: &waE2E.Message{Conversation: proto.String("")},
			},
		},
	}
}

// parseJID accepts either a full JID or a bare phone number.
func parseJID(raw string) (types.JID, error) {
	if raw == "" {
		return types.JID{}, fmt.Errorf("whatsapp: empty JID")
	}
	if !strings.ContainsRune(raw, '@') {
		return types.NewJID(raw, types.DefaultUserServer), nil
	}
	jid, err := types.ParseJID(raw)
	if err != nil {
		return types.JID{}, fmt.Errorf("whatsapp: parsing JID %q: %w", raw, err)
	}
	return jid, nil
}

// Copyright 2026 The Wolflink Authors
// SPDX-License-Identifier: Apache-2.0

package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3"

	"github.com/wolfbot-labs/wolflink/linking"
)

// sessionDB is the sqlstore file name inside a session's credential
// directory. Its raw bytes are what the credential store captures.
const sessionDB = "session.db"

// DialerConfig configures a Dialer.
type DialerConfig struct {
	// Logger receives operational messages. Nil means discard.
	Logger *slog.Logger

	// DeviceName is shown on the linked phone's device list. Empty
	// keeps the whatsmeow default.
	DeviceName string
}

// Dialer opens whatsmeow connections. It satisfies linking.Dialer.
type Dialer struct {
	logger *slog.Logger
}

// NewDialer builds a Dialer.
func NewDialer(cfg DialerConfig) *Dialer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.DeviceName != "" {
		store.DeviceProps.Os = proto.String(cfg.DeviceName)
	}
	return &Dialer{logger: logger}
}

// Dial opens (or resumes) the session stored under creds and connects
// it. QR payloads stream as handle events for sessions that have not
// yet registered a device.
func (d *Dialer) Dial(ctx context.Context, creds linking.CredentialStore) (linking.Handle, error) {
	dbPath := filepath.Join(creds.Dir(), sessionDB)
	container, err := sqlstore.New(ctx, "sqlite3", "file:"+dbPath+"?_foreign_keys=on", waLog.Noop)
	if err != nil {
		return nil, fmt.Errorf("whatsapp: opening session store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		container.Close()
		return nil, fmt.Errorf("whatsapp: loading device: %w", err)
	}

	client := whatsmeow.NewClient(device, waLog.Noop)
	client.EnableAutoReconnect = false

	h := &handle{
		client:    client,
		container: container,
		creds:     creds,
		dbPath:    dbPath,
		logger:    d.logger,
		events:    make(chan linking.HandleEvent, handleEventBuffer),
	}
	h.handlerID = client.AddEventHandler(h.onEvent)

	if client.Store.ID == nil {
		// GetQRChannel must be armed before Connect or the codes are
		// lost.
		qrChan, err := client.GetQRChannel(ctx)
		if err != nil {
			h.release()
			return nil, fmt.Errorf("whatsapp: QR channel: %w", err)
		}
		go h.pumpQR(qrChan)
	}

	if err := client.Connect(); err != nil {
		h.release()
		return nil, fmt.Errorf("whatsapp: connect: %w", err)
	}
	return h, nil
}

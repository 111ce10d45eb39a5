// Copyright 2026 The Wolflink Authors
// SPDX-License-Identifier: Apache-2.0

package connlog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/wolfbot-labs/wolflink/linking"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	log, err := Open(Config{Path: filepath.Join(t.TempDir(), "connlog.db")})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := log.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return log
}

func TestRecordAndSummarize(t *testing.T) {
	log := openTestLog(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)

	// One session from last month that failed.
	log.SessionCreated("wolf_00000001", linking.MethodPairing, base.AddDate(0, -1, 0))
	log.SessionStatus("wolf_00000001", linking.StatusFailed, base.AddDate(0, -1, 0).Add(time.Minute))

	// One from earlier this month that linked and terminated.
	log.SessionCreated("wolf_00000002", linking.MethodQR, base.AddDate(0, 0, -3))
	log.SessionStatus("wolf_00000002", linking.StatusConnected, base.AddDate(0, 0, -3).Add(time.Minute))
	log.SessionStatus("wolf_00000002", linking.StatusTerminated, base.AddDate(0, 0, -3).Add(2*time.Minute))

	// One from today, currently connected.
	log.SessionCreated("wolf_00000003", linking.MethodQR, base)
	log.SessionStatus("wolf_00000003", linking.StatusConnected, base.Add(time.Minute))

	log.Sync()

	summary, err := log.Summarize(ctx, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	want := Summary{Total: 3, Active: 1, Linked: 2, Failed: 1, Today: 1, ThisMonth: 2}
	if summary != want {
		t.Fatalf("Summarize = %+v, want %+v", summary, want)
	}
}

func TestRecentOrderingAndTimestamps(t *testing.T) {
	log := openTestLog(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	log.SessionCreated("wolf_0000000a", linking.MethodQR, base)
	log.SessionCreated("wolf_0000000b", linking.MethodPairing, base.Add(time.Minute))
	log.SessionStatus("wolf_0000000b", linking.StatusConnected, base.Add(2*time.Minute))
	log.Sync()

	entries, err := log.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Recent returned %d entries, want 2", len(entries))
	}
	if entries[0].SessionID != "wolf_0000000b" || entries[1].SessionID != "wolf_0000000a" {
		t.Fatalf("entries out of order: %s, %s", entries[0].SessionID, entries[1].SessionID)
	}

	linked := entries[0]
	if linked.Status != linking.StatusConnected {
		t.Errorf("status = %q, want connected", linked.Status)
	}
	if linked.LinkedAt == nil || !linked.LinkedAt.Equal(base.Add(2*time.Minute)) {
		t.Errorf("LinkedAt = %v, want %v", linked.LinkedAt, base.Add(2*time.Minute))
	}
	if linked.EndedAt != nil {
		t.Errorf("EndedAt = %v for a live session", linked.EndedAt)
	}

	limited, err := log.Recent(ctx, 1)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(limited) != 1 || limited[0].SessionID != "wolf_0000000b" {
		t.Fatalf("Recent(1) = %+v", limited)
	}
}

func TestLinkedAtIsFirstConnection(t *testing.T) {
	log := openTestLog(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	log.SessionCreated("wolf_000000aa", linking.MethodQR, base)
	log.SessionStatus("wolf_000000aa", linking.StatusConnected, base.Add(time.Minute))
	log.SessionStatus("wolf_000000aa", linking.StatusConnecting, base.Add(2*time.Minute))
	log.SessionStatus("wolf_000000aa", linking.StatusConnected, base.Add(3*time.Minute))
	log.Sync()

	entries, err := log.Recent(ctx, 1)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if entries[0].LinkedAt == nil || !entries[0].LinkedAt.Equal(base.Add(time.Minute)) {
		t.Fatalf("LinkedAt = %v, want first connection time", entries[0].LinkedAt)
	}
}

func TestStatusForUnknownSessionIsIgnored(t *testing.T) {
	log := openTestLog(t)
	ctx := context.Background()

	log.SessionStatus("wolf_deadbeef", linking.StatusConnected, time.Now())
	log.Sync()

	summary, err := log.Summarize(ctx, time.Now())
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if summary.Total != 0 {
		t.Fatalf("Total = %d, want 0", summary.Total)
	}
}

func TestRecordAfterCloseIsDropped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "connlog.db")
	log, err := Open(Config{Path: path})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	base := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	log.SessionCreated("wolf_00000001", linking.MethodQR, base)
	log.Sync()
	if err := log.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Session goroutines can outlive the log at shutdown; recording
	// and syncing against a closed log must be quiet no-ops.
	log.SessionStatus("wolf_00000001", linking.StatusFailed, base.Add(time.Minute))
	log.Sync()
	if err := log.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	reopened, err := Open(Config{Path: path})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	entries, err := reopened.Recent(context.Background(), 1)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 1 || entries[0].Status != linking.StatusPending {
		t.Fatalf("entries = %+v, want the pre-close pending record only", entries)
	}
}

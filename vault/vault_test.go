// Copyright 2026 The Wolflink Authors
// SPDX-License-Identifier: Apache-2.0

package vault

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func testKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func openStore(t *testing.T, key []byte) *Store {
	t.Helper()
	root, err := NewRoot(t.TempDir(), key, nil)
	if err != nil {
		t.Fatalf("NewRoot: %v", err)
	}
	store, err := root.Open("wolf_deadbeef")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return store
}

func TestWriteReadRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		name string
		key  []byte
	}{
		{"unsealed", nil},
		{"sealed", testKey()},
	} {
		t.Run(tc.name, func(t *testing.T) {
			store := openStore(t, tc.key)
			blob := []byte(`{"noise_key":"c3VwZXItc2VjcmV0","registered":true}`)
			if err := store.Write(blob); err != nil {
				t.Fatalf("Write: %v", err)
			}
			got, err := store.Read()
			if err != nil {
				t.Fatalf("Read: %v", err)
			}
			if !bytes.Equal(got, blob) {
				t.Fatalf("Read = %q, want %q", got, blob)
			}
		})
	}
}

func TestWriteReplacesPreviousBlob(t *testing.T) {
	store := openStore(t, nil)
	if err := store.Write([]byte("first")); err != nil {
		t.Fatalf("first Write: %v", err)
	}
	if err := store.Write([]byte("second")); err != nil {
		t.Fatalf("second Write: %v", err)
	}
	got, err := store.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "second" {
		t.Fatalf("Read = %q, want %q", got, "second")
	}
}

func TestReadWithoutBlob(t *testing.T) {
	store := openStore(t, nil)
	if _, err := store.Read(); !errors.Is(err, ErrNoBlob) {
		t.Fatalf("Read = %v, want ErrNoBlob", err)
	}
}

func TestReadDetectsTampering(t *testing.T) {
	store := openStore(t, testKey())
	if err := store.Write([]byte("secret material")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	path := filepath.Join(store.Dir(), blobFile)
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading raw blob: %v", err)
	}
	raw[len(raw)-1] ^= 0xff
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("writing tampered blob: %v", err)
	}

	if _, err := store.Read(); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("Read of tampered blob = %v, want ErrCorrupt", err)
	}
}

func TestSealedBlobNeedsKey(t *testing.T) {
	rootDir := t.TempDir()
	sealedRoot, err := NewRoot(rootDir, testKey(), nil)
	if err != nil {
		t.Fatalf("NewRoot: %v", err)
	}
	store, err := sealedRoot.Open("wolf_00000001")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := store.Write([]byte("sealed")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	keylessRoot, err := NewRoot(rootDir, nil, nil)
	if err != nil {
		t.Fatalf("keyless NewRoot: %v", err)
	}
	keyless, err := keylessRoot.Open("wolf_00000001")
	if err != nil {
		t.Fatalf("keyless Open: %v", err)
	}
	if _, err := keyless.Read(); err == nil {
		t.Fatal("Read of sealed blob without key succeeded")
	}
}

func TestPurgeIsIdempotent(t *testing.T) {
	store := openStore(t, nil)
	if err := store.Write([]byte("blob")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := store.Purge(); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if _, err := os.Stat(store.Dir()); !os.IsNotExist(err) {
		t.Fatal("session directory survived Purge")
	}
	if err := store.Purge(); err != nil {
		t.Fatalf("second Purge: %v", err)
	}
	if _, err := store.Read(); !errors.Is(err, ErrNoBlob) {
		t.Fatalf("Read after Purge = %v, want ErrNoBlob", err)
	}
}

func TestRootRejectsBadSessionIDs(t *testing.T) {
	root, err := NewRoot(t.TempDir(), nil, nil)
	if err != nil {
		t.Fatalf("NewRoot: %v", err)
	}
	for _, id := range []string{"", "../escape", "a/b"} {
		if _, err := root.Open(id); err == nil {
			t.Fatalf("Open(%q) succeeded", id)
		}
	}
}

func TestRootRejectsShortKey(t *testing.T) {
	if _, err := NewRoot(t.TempDir(), []byte("short"), nil); err == nil {
		t.Fatal("NewRoot accepted a short key")
	}
}

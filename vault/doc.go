// Copyright 2026 The Wolflink Authors
// SPDX-License-Identifier: Apache-2.0

// Package vault stores per-session credential blobs on disk.
//
// Each linking session gets its own directory under the vault root.
// The wire adapter keeps its connection state there and, once the
// account is linked, writes the durable credential material through
// [Store.Write]. Blobs are opaque to this package.
//
// At rest a blob is a CBOR envelope containing the zstd-compressed
// payload, a BLAKE3 checksum of the plaintext, and, when the vault has
// a key, a ChaCha20-Poly1305 seal. [Store.Read] reverses the pipeline
// and fails on any tampering or truncation.
//
// [Store.Purge] removes the session directory recursively and is
// idempotent: terminal session transitions call it unconditionally, so
// no credential residue survives a terminated or failed session.
package vault

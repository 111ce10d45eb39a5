// Copyright 2026 The Wolflink Authors
// SPDX-License-Identifier: Apache-2.0

package vault

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"
)

// blobFile is the file name of the sealed blob inside a session
// directory. The rest of the directory belongs to the wire adapter.
const blobFile = "credentials.wv"

// ErrNoBlob is returned by Read when the session has no stored blob.
var ErrNoBlob = errors.New("vault: no credential blob")

// ErrCorrupt is returned by Read when the stored blob fails
// authentication or checksum verification.
var ErrCorrupt = errors.New("vault: credential blob is corrupt")

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	cborEnc     cbor.EncMode
)

func init() {
	var err error
	if zstdEncoder, err = zstd.NewWriter(nil); err != nil {
		panic("vault: zstd encoder: " + err.Error())
	}
	if zstdDecoder, err = zstd.NewReader(nil); err != nil {
		panic("vault: zstd decoder: " + err.Error())
	}
	// Deterministic encoding: the same blob always produces identical
	// bytes, so file comparison is meaningful in tests and backups.
	if cborEnc, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic("vault: cbor encoder: " + err.Error())
	}
}

// envelope is the on-disk representation of a sealed blob.
type envelope struct {
	Version int    `cbor:"v"`
	Sealed  bool   `cbor:"sealed"`
	Nonce   []byte `cbor:"nonce,omitempty"`
	Sum     []byte `cbor:"sum"`
	Payload []byte `cbor:"payload"`
}

// Root is a directory holding one subdirectory per session.
type Root struct {
	dir    string
	key    []byte
	logger *slog.Logger
}

// NewRoot opens (creating if needed) the vault root directory. A
// 32-byte key enables sealing; nil stores blobs compressed and
// checksummed but unencrypted.
func NewRoot(dir string, key []byte, logger *slog.Logger) (*Root, error) {
	if dir == "" {
		return nil, fmt.Errorf("vault: root directory is required")
	}
	if key != nil && len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("vault: key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("vault: creating root %s: %w", dir, err)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Root{dir: dir, key: key, logger: logger}, nil
}

// Open creates (if needed) and returns the store for one session.
func (r *Root) Open(sessionID string) (*Store, error) {
	if sessionID == "" || strings.ContainsAny(sessionID, "/\\") {
		return nil, fmt.Errorf("vault: invalid session ID %q", sessionID)
	}
	dir := filepath.Join(r.dir, sessionID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("vault: creating session directory %s: %w", dir, err)
	}
	return &Store{dir: dir, key: r.key, logger: r.logger.With("session_id", sessionID)}, nil
}

// Store is the credential location of a single session.
type Store struct {
	dir    string
	key    []byte
	logger *slog.Logger
}

// Dir returns the session directory. The wire adapter keeps its own
// connection state here.
func (s *Store) Dir() string { return s.dir }

// Write seals data and stores it atomically, replacing any previous
// blob.
func (s *Store) Write(data []byte) error {
	sum := blake3.Sum256(data)
	payload := zstdEncoder.EncodeAll(data, nil)

	env := envelope{Version: 1, Sum: sum[:], Payload: payload}
	if s.key != nil {
		aead, err := chacha20poly1305.New(s.key)
		if err != nil {
			return fmt.Errorf("vault: aead init: %w", err)
		}
		nonce := make([]byte, aead.NonceSize())
		if _, err := rand.Read(nonce); err != nil {
			return fmt.Errorf("vault: nonce: %w", err)
		}
		env.Sealed = true
		env.Nonce = nonce
		env.Payload = aead.Seal(nil, nonce, payload, env.Sum)
	}

	raw, err := cborEnc.Marshal(env)
	if err != nil {
		return fmt.Errorf("vault: encoding envelope: %w", err)
	}

	// Write-then-rename so a crash never leaves a half-written blob
	// where Read would find it.
	path := filepath.Join(s.dir, blobFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("vault: writing blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("vault: committing blob: %w", err)
	}
	s.logger.Debug("credential blob written", "bytes", len(data))
	return nil
}

// Read returns the stored plaintext blob. Returns ErrNoBlob when the
// session never wrote one and ErrCorrupt when verification fails.
func (s *Store) Read() ([]byte, error) {
	raw, err := os.ReadFile(filepath.Join(s.dir, blobFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNoBlob
		}
		return nil, fmt.Errorf("vault: reading blob: %w", err)
	}

	var env envelope
	if err := cbor.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if env.Version != 1 {
		return nil, fmt.Errorf("%w: unknown envelope version %d", ErrCorrupt, env.Version)
	}

	payload := env.Payload
	if env.Sealed {
		if s.key == nil {
			return nil, fmt.Errorf("vault: blob is sealed but no key is configured")
		}
		aead, err := chacha20poly1305.New(s.key)
		if err != nil {
			return nil, fmt.Errorf("vault: aead init: %w", err)
		}
		payload, err = aead.Open(nil, env.Nonce, payload, env.Sum)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
	}

	data, err := zstdDecoder.DecodeAll(payload, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	sum := blake3.Sum256(data)
	if string(sum[:]) != string(env.Sum) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}
	return data, nil
}

// Purge removes the session directory and everything in it. Idempotent.
func (s *Store) Purge() error {
	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("vault: purging %s: %w", s.dir, err)
	}
	return nil
}

// Copyright 2026 The Wolflink Authors
// SPDX-License-Identifier: Apache-2.0

// Package connlog persists session lifecycle history to SQLite and
// serves aggregate statistics over it. A Log implements the registry's
// Recorder interface without blocking the callers: records are queued
// to a single writer goroutine and dropped (with a counter) if the
// queue backs up.
package connlog

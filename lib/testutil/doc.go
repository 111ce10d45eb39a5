// Copyright 2026 The Wolflink Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers.
//
// [RequireReceive] and [RequireClosed] encapsulate the timeout safety
// valve pattern (select with a time.After fallback) so individual
// tests never hang and never call time.After directly. These are the
// only real wall-clock timeouts in the test suite; everything else
// runs on the fake clock from lib/clock.
//
// All helpers call t.Fatalf on failure rather than returning errors;
// test setup failures are not recoverable.
package testutil

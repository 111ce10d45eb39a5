// Copyright 2026 The Wolflink Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction so that
// timer-driven code can be tested deterministically.
//
// Production code accepts a Clock instead of calling time.Now,
// time.After, time.AfterFunc, time.NewTicker, or time.Sleep directly.
// [Real] returns the standard library behavior. [Fake] returns a clock
// whose time moves only when Advance is called.
//
// The session controller is built entirely on this package: the
// pairing-code settle delay, the reconnection backoff, and every
// pipeline wait register as pending waiters on the clock. Tests use
// WaitForTimers to rendezvous with a goroutine that is about to sleep,
// then Advance to fire the timer, which removes all wall-clock races
// from the test suite.
package clock

// Copyright 2026 The Wolflink Authors
// SPDX-License-Identifier: Apache-2.0

// Package whatsapp adapts whatsmeow to the linking package's Dialer
// and Handle interfaces. Each session owns its own sqlstore container
// under the session's credential directory; the raw session database
// is the credential blob the linking pipeline delivers.
package whatsapp

// Copyright 2026 The Wolflink Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport exposes the linking registry over HTTP: a JSON
// API for session management plus a server-sent-events stream per
// session. The Server owns listener lifecycle and graceful shutdown;
// the Handler owns routing and encoding.
package transport

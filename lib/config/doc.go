// Copyright 2026 The Wolflink Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for the wolflink
// service.
//
// Configuration is loaded from a single file specified by either the
// WOLFLINK_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There are no fallbacks and no automatic file
// discovery; this keeps deployments deterministic and auditable. A
// missing file is an error, not a silent fall-through to defaults —
// callers that want defaults use [Default] explicitly.
//
// Durations are written in Go syntax ("3s", "1500ms") and parsed into
// the [Duration] wrapper type.
package config

// Copyright 2026 The Wolflink Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports build version information for the wolflink
// binaries.
package version

import "runtime/debug"

// Version is overridden at link time via
// -ldflags "-X github.com/wolfbot-labs/wolflink/lib/version.Version=v1.2.3".
var Version = "dev"

// Info returns the human-readable version string, falling back to VCS
// revision data embedded by the Go toolchain when no explicit version
// was linked in.
func Info() string {
	if Version != "dev" {
		return Version
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return Version
	}
	revision := ""
	dirty := false
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.modified":
			dirty = setting.Value == "true"
		}
	}
	if revision == "" {
		return Version
	}
	if len(revision) > 12 {
		revision = revision[:12]
	}
	if dirty {
		revision += "-dirty"
	}
	return "dev-" + revision
}

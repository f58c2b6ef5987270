// Copyright 2026 The Plyflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package version exposes the build version embedded at link time.
package version

import "runtime/debug"

// version is set via -ldflags "-X github.com/plyflow/plyflow/lib/version.version=v1.2.3".
var version = ""

// Info returns the human-readable version string. When no version was
// linked in, it falls back to module build info, then to "dev".
func Info() string {
	if version != "" {
		return version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "dev"
}

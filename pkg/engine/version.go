// Copyright 2026 © The Nexus Authors
// SPDX-License-Identifier: Apache-2.0

package engine

// Build information, overridden at link time via
// -ldflags "-X github.com/nexuslabs/nexus/pkg/engine.Version=...".
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

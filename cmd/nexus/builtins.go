// Copyright 2026 © The Nexus Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"time"

	"github.com/nexuslabs/nexus/pkg/plugin"
)

// Compiled-in backends available to manifests with kind "builtin".
func init() {
	plugin.RegisterBuiltin("clock", func(plugin.EntryPoint) (plugin.Backend, error) {
		b := plugin.NewFuncBackend()
		b.Register(plugin.ToolSpec{
			Name:        "now",
			Description: "Current UTC time in RFC 3339 form.",
			Capability:  plugin.CapabilityCompute,
		}, func(context.Context, map[string]any) (any, error) {
			return time.Now().UTC().Format(time.RFC3339), nil
		})
		return b, nil
	})
}

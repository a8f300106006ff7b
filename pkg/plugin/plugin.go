// Copyright 2026 © The Nexus Authors
// SPDX-License-Identifier: Apache-2.0

// Package plugin discovers, validates, sandboxes, and hot-reloads extension
// modules, and exposes their tools behind a capability-checked invocation
// surface. The capability table owned by the Loader is the sole authority
// for what a plugin may be asked to run.
package plugin

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nexuslabs/nexus/pkg/errors"
	"github.com/nexuslabs/nexus/pkg/governor"
)

// HostAPIVersion is the protocol version this host speaks. Manifests
// declaring a different major version fail load with VersionMismatch.
const HostAPIVersion = "1.0"

// Capability is a named permission gating which tools a plugin may expose.
type Capability string

const (
	CapabilityNetwork    Capability = "network"
	CapabilityFilesystem Capability = "filesystem"
	CapabilityChain      Capability = "chain"
	CapabilityCompute    Capability = "compute"
)

// knownCapabilities is the closed set accepted in manifests.
var knownCapabilities = map[Capability]struct{}{
	CapabilityNetwork:    {},
	CapabilityFilesystem: {},
	CapabilityChain:      {},
	CapabilityCompute:    {},
}

// ActionClass maps a capability to the governor class its invocations are
// charged against.
func (c Capability) ActionClass() governor.ActionClass {
	switch c {
	case CapabilityNetwork:
		return governor.ClassNetwork
	case CapabilityChain:
		return governor.ClassChain
	default:
		return governor.ClassCompute
	}
}

// ToolSpec describes one tool a backend serves.
type ToolSpec struct {
	Name        string
	Description string
	// Capability the tool requires. Invocations are rejected before
	// entering the sandbox when the owning plugin did not declare it.
	Capability Capability
	// SideEffecting marks tools whose invocation must never be retried
	// or deduplicated away silently (e.g. a trade execution).
	SideEffecting bool
	// Cost is the token cost charged to the calling actor's bucket.
	// Zero means the default cost of one token.
	Cost float64
}

// Backend is the execution side of a loaded plugin. Implementations live
// behind the sandbox; they must honor context cancellation but are not
// trusted to do so promptly.
type Backend interface {
	// Tools lists the tools the backend serves.
	Tools(ctx context.Context) ([]ToolSpec, error)
	// Invoke executes one tool call.
	Invoke(ctx context.Context, tool string, args map[string]any) (any, error)
	// Close releases backend resources.
	Close() error
}

// EntryPoint tells the loader how to construct a plugin's backend.
type EntryPoint struct {
	// Kind selects the backend factory: "builtin", "mcp", "ethereum".
	Kind string `yaml:"kind"`
	// Target is factory-specific: a registered builtin name, an MCP
	// server command or URL, or a chain RPC endpoint.
	Target string `yaml:"target"`
	// Args are extra arguments passed to the factory.
	Args []string `yaml:"args,omitempty"`
}

// CommandDecl is a router command a plugin contributes at load time.
type CommandDecl struct {
	Name        string `yaml:"name"`
	Tool        string `yaml:"tool"`
	Description string `yaml:"description,omitempty"`
	Interactive bool   `yaml:"interactive,omitempty"`
}

// Manifest is the declarative description of a plugin module.
type Manifest struct {
	ID           string        `yaml:"id"`
	Version      string        `yaml:"version"`
	HostAPI      string        `yaml:"host_api"`
	Capabilities []Capability  `yaml:"capabilities"`
	EntryPoint   EntryPoint    `yaml:"entry_point"`
	Commands     []CommandDecl `yaml:"commands,omitempty"`
}

// ParseManifest decodes and validates a YAML manifest.
func ParseManifest(raw []byte) (Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return Manifest{}, errors.New(errors.CodePluginLoadFailed, "manifest is not valid YAML", err)
	}
	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// ReadManifest loads and validates a manifest file.
func ReadManifest(path string) (Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, errors.New(errors.CodePluginLoadFailed, "reading manifest", err).
			WithContext("path", path)
	}
	return ParseManifest(raw)
}

// Validate checks schema and host API compatibility.
func (m Manifest) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return errors.New(errors.CodePluginLoadFailed, "manifest id is required", nil)
	}
	if strings.TrimSpace(m.Version) == "" {
		return errors.New(errors.CodePluginLoadFailed, "manifest version is required", nil).
			WithContext("plugin", m.ID)
	}
	if m.EntryPoint.Kind == "" {
		return errors.New(errors.CodePluginLoadFailed, "manifest entry point kind is required", nil).
			WithContext("plugin", m.ID)
	}
	if len(m.Capabilities) == 0 {
		return errors.New(errors.CodePluginLoadFailed, "manifest declares no capabilities", nil).
			WithContext("plugin", m.ID)
	}
	for _, cap := range m.Capabilities {
		if _, ok := knownCapabilities[cap]; !ok {
			return errors.New(errors.CodePluginLoadFailed,
				fmt.Sprintf("unknown capability %q", cap), nil).
				WithContext("plugin", m.ID)
		}
	}
	if !compatibleHostAPI(m.HostAPI) {
		return errors.New(errors.CodeVersionMismatch,
			fmt.Sprintf("plugin targets host API %q, host speaks %q", m.HostAPI, HostAPIVersion), nil).
			WithContext("plugin", m.ID)
	}
	for _, cmd := range m.Commands {
		if cmd.Name == "" || cmd.Tool == "" {
			return errors.New(errors.CodePluginLoadFailed,
				"declared command needs both name and tool", nil).
				WithContext("plugin", m.ID)
		}
	}
	return nil
}

// compatibleHostAPI accepts any manifest sharing the host's major version.
func compatibleHostAPI(declared string) bool {
	declared = strings.TrimSpace(declared)
	if declared == "" {
		return false
	}
	return major(declared) == major(HostAPIVersion)
}

func major(version string) string {
	if i := strings.IndexByte(version, '.'); i >= 0 {
		return version[:i]
	}
	return version
}

// LoadState is the lifecycle position of a plugin instance.
type LoadState string

const (
	StateActive   LoadState = "active"
	StateDraining LoadState = "draining"
	// StatePoisoned marks an instance whose sandbox was force-terminated.
	// It refuses further invocations until reloaded.
	StatePoisoned LoadState = "poisoned"
	StateUnloaded LoadState = "unloaded"
)

// Info is a read-only snapshot of a loaded plugin for listings.
type Info struct {
	ID           string
	Version      string
	Capabilities []Capability
	State        LoadState
	Tools        []ToolSpec
}

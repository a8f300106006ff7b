// Copyright 2026 © The Nexus Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
)

const configTemplate = `log:
  level: info
  format: text

engine:
  workers: 4
  queue_capacity: 64

governor:
  refill_rate: 5
  burst: 10
  # classes:
  #   chain:
  #     refill_rate: 1
  #     burst: 3

plugins:
  dir: plugins
  watch_reload: true

audit:
  log_sink: true
  sqlite_path: nexus-audit.db
`

const sampleManifest = `# Sample plugin manifest. Entry point kinds: builtin, mcp, ethereum.
id: clock
version: 1.0.0
host_api: "1.0"
capabilities: [compute]
entry_point:
  kind: builtin
  target: clock
commands:
  - name: clock.now
    tool: now
    description: Report the current time.
    interactive: true
`

func runInit(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	overwrite := fs.Bool("overwrite", false, "Overwrite existing files")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: nexus init <directory> [flags]

Scaffold a workspace: nexus.yaml plus a plugins directory with a sample
manifest.

Flags:`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}
	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(2)
	}
	dir := fs.Arg(0)

	if err := os.MkdirAll(filepath.Join(dir, "plugins"), 0o755); err != nil {
		fatal(err)
	}
	files := map[string]string{
		filepath.Join(dir, "nexus.yaml"):                   configTemplate,
		filepath.Join(dir, "plugins", "clock.yaml.sample"): sampleManifest,
	}
	for path, content := range files {
		if !*overwrite {
			if _, err := os.Stat(path); err == nil {
				fatal(fmt.Errorf("%s exists, pass --overwrite to replace it", path))
			}
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			fatal(err)
		}
		fmt.Printf("wrote %s\n", path)
	}

	color.New(color.FgGreen).Printf("workspace ready: %s\n", dir)
	fmt.Printf("next: cd %s && nexus --config nexus.yaml plugins\n", dir)
}

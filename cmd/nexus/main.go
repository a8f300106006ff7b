// Copyright 2026 © The Nexus Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/nexuslabs/nexus/pkg/audit"
	"github.com/nexuslabs/nexus/pkg/config"
	"github.com/nexuslabs/nexus/pkg/engine"
	"github.com/nexuslabs/nexus/pkg/router"
	"github.com/nexuslabs/nexus/pkg/telemetry"
)

type globalFlags struct {
	ConfigPath string
	JSON       bool
	Timeout    time.Duration
	Help       bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	global, args, err := parseGlobalFlags(os.Args[1:])
	if err != nil {
		fatal(err)
	}
	if global.Help || len(args) == 0 {
		printUsage()
		return
	}

	switch args[0] {
	case "version":
		ensureNoArgs(args[1:])
		printVersion(global)
	case "init":
		runInit(args[1:])
	case "run":
		runCommand(ctx, global, args[1:])
	case "plugins":
		runPlugins(ctx, global)
	case "agents":
		runAgents(ctx, global, args[1:])
	case "audit":
		runAudit(ctx, global, args[1:])
	case "help":
		printUsage()
	default:
		fatal(fmt.Errorf("unknown command %q", args[0]))
	}
}

func parseGlobalFlags(args []string) (globalFlags, []string, error) {
	flags := globalFlags{
		ConfigPath: getenv("NEXUS_CONFIG", ""),
		Timeout:    2 * time.Minute,
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			return flags, args[i+1:], nil
		}
		if !strings.HasPrefix(arg, "-") {
			return flags, args[i:], nil
		}
		switch {
		case arg == "-h" || arg == "--help":
			flags.Help = true
			return flags, nil, nil
		case arg == "--json":
			flags.JSON = true
		case arg == "--config":
			if i+1 >= len(args) {
				return flags, nil, fmt.Errorf("missing value for --config")
			}
			flags.ConfigPath = args[i+1]
			i++
		case strings.HasPrefix(arg, "--config="):
			flags.ConfigPath = strings.TrimPrefix(arg, "--config=")
		case arg == "--timeout":
			if i+1 >= len(args) {
				return flags, nil, fmt.Errorf("missing value for --timeout")
			}
			value, err := time.ParseDuration(args[i+1])
			if err != nil {
				return flags, nil, fmt.Errorf("invalid --timeout: %w", err)
			}
			flags.Timeout = value
			i++
		case strings.HasPrefix(arg, "--timeout="):
			value, err := time.ParseDuration(strings.TrimPrefix(arg, "--timeout="))
			if err != nil {
				return flags, nil, fmt.Errorf("invalid --timeout: %w", err)
			}
			flags.Timeout = value
		default:
			return flags, nil, fmt.Errorf("unknown global flag %q", arg)
		}
	}
	return flags, nil, nil
}

// startEngine loads config, wires logging, and brings the engine up.
// The returned stop function tears it down.
func startEngine(ctx context.Context, global globalFlags) (*engine.Engine, *config.Config, func()) {
	cfg, err := config.Load(global.ConfigPath)
	if err != nil {
		fatal(err)
	}
	logger := telemetry.ConfigureSlog(os.Stderr, cfg.Log.Level, cfg.Log.Format)

	engineOpts := []engine.Option{engine.WithLogger(logger)}
	if global.ConfigPath != "" {
		engineOpts = append(engineOpts, engine.WithConfigPath(global.ConfigPath))
	}
	eng, err := engine.New(cfg, engineOpts...)
	if err != nil {
		fatal(err)
	}
	if err := eng.Start(ctx); err != nil {
		fatal(err)
	}
	return eng, cfg, func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := eng.Stop(stopCtx); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
	}
}

func runCommand(ctx context.Context, global globalFlags, args []string) {
	if len(args) == 0 {
		fatal(fmt.Errorf("usage: nexus run <command> [--arg key=value]..."))
	}
	name := args[0]
	cmdArgs := make(map[string]any)
	rest := args[1:]
	for i := 0; i < len(rest); i++ {
		switch {
		case rest[i] == "--arg":
			if i+1 >= len(rest) {
				fatal(fmt.Errorf("missing value for --arg"))
			}
			key, value, err := splitArg(rest[i+1])
			if err != nil {
				fatal(err)
			}
			cmdArgs[key] = value
			i++
		case strings.HasPrefix(rest[i], "--arg="):
			key, value, err := splitArg(strings.TrimPrefix(rest[i], "--arg="))
			if err != nil {
				fatal(err)
			}
			cmdArgs[key] = value
		default:
			fatal(fmt.Errorf("unknown run flag %q", rest[i]))
		}
	}

	eng, _, stop := startEngine(ctx, global)
	defer stop()

	runCtx, cancel := context.WithTimeout(ctx, global.Timeout)
	defer cancel()
	res := eng.Dispatch(runCtx, router.Command{Name: name, Args: cmdArgs})
	printResult(global, res)
	if res.Code != router.OutcomeSuccess {
		os.Exit(1)
	}
}

func printResult(global globalFlags, res router.Result) {
	if global.JSON {
		out := map[string]any{"outcome": string(res.Code)}
		if res.Payload != nil {
			out["payload"] = res.Payload
		}
		if res.AgentID != "" {
			out["agent_id"] = res.AgentID
		}
		if res.Err != nil {
			out["error"] = res.Err.Error()
		}
		writeJSON(out)
		return
	}
	if res.Code == router.OutcomeSuccess {
		color.New(color.FgGreen).Printf("%s\n", res.Code)
		if res.AgentID != "" {
			fmt.Printf("agent: %s\n", res.AgentID)
		}
		if res.Payload != nil {
			fmt.Printf("%v\n", res.Payload)
		}
		return
	}
	color.Red("%s", res.Code)
	if res.Err != nil {
		fmt.Fprintln(os.Stderr, res.Err)
	}
}

func runPlugins(ctx context.Context, global globalFlags) {
	eng, _, stop := startEngine(ctx, global)
	defer stop()

	infos := eng.Loader().Infos()
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })

	if global.JSON {
		writeJSON(infos)
		return
	}
	if len(infos) == 0 {
		fmt.Println("no plugins loaded")
		return
	}
	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tVERSION\tSTATE\tCAPABILITIES\tTOOLS")
	for _, info := range infos {
		caps := make([]string, 0, len(info.Capabilities))
		for _, c := range info.Capabilities {
			caps = append(caps, string(c))
		}
		tools := make([]string, 0, len(info.Tools))
		for _, spec := range info.Tools {
			tools = append(tools, spec.Name)
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\n",
			info.ID, info.Version, info.State,
			strings.Join(caps, ","), strings.Join(tools, ","))
	}
	writer.Flush()
}

func runAgents(ctx context.Context, global globalFlags, args []string) {
	ensureNoArgs(args)
	eng, _, stop := startEngine(ctx, global)
	defer stop()

	snaps := eng.Manager().List()
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].ID < snaps[j].ID })

	if global.JSON {
		out := make([]map[string]any, 0, len(snaps))
		for _, s := range snaps {
			entry := map[string]any{
				"id":      s.ID,
				"state":   string(s.State),
				"created": s.CreatedAt.UTC().Format(time.RFC3339),
			}
			if s.Err != nil {
				entry["error"] = s.Err.Error()
			}
			out = append(out, entry)
		}
		writeJSON(out)
		return
	}
	if len(snaps) == 0 {
		fmt.Println("no agents registered")
		return
	}
	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tSTATE\tTASKS\tCREATED")
	for _, s := range snaps {
		fmt.Fprintf(writer, "%s\t%s\t%d\t%s\n",
			s.ID, s.State, len(s.Tasks), s.CreatedAt.UTC().Format(time.RFC3339))
	}
	writer.Flush()
}

// runAudit reads the persisted audit trail directly, without starting
// the engine. Requires audit.sqlite_path to be configured.
func runAudit(ctx context.Context, global globalFlags, args []string) {
	limit := 50
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--limit":
			if i+1 >= len(args) {
				fatal(fmt.Errorf("missing value for --limit"))
			}
			if _, err := fmt.Sscanf(args[i+1], "%d", &limit); err != nil {
				fatal(fmt.Errorf("invalid --limit: %w", err))
			}
			i++
		default:
			fatal(fmt.Errorf("unknown audit flag %q", args[i]))
		}
	}

	cfg, err := config.Load(global.ConfigPath)
	if err != nil {
		fatal(err)
	}
	if cfg.Audit.SQLitePath == "" {
		fatal(fmt.Errorf("audit.sqlite_path is not configured"))
	}
	sink, err := audit.NewSQLiteSink(cfg.Audit.SQLitePath)
	if err != nil {
		fatal(err)
	}
	defer sink.Close()

	records, err := sink.RecentRecords(ctx, limit)
	if err != nil {
		fatal(err)
	}
	if global.JSON {
		writeJSON(records)
		return
	}
	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "TIME\tACTOR\tACTION\tOUTCOME")
	for _, rec := range records {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\n",
			rec.Timestamp.UTC().Format(time.RFC3339), rec.Actor, rec.Action, rec.Outcome)
	}
	writer.Flush()
}

func splitArg(raw string) (string, any, error) {
	key, value, ok := strings.Cut(raw, "=")
	if !ok || key == "" {
		return "", nil, fmt.Errorf("--arg wants key=value, got %q", raw)
	}
	return key, value, nil
}

func writeJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fatal(err)
	}
}

func printVersion(global globalFlags) {
	if global.JSON {
		writeJSON(map[string]string{
			"version": engine.Version,
			"commit":  engine.Commit,
			"date":    engine.Date,
		})
		return
	}
	color.New(color.FgCyan, color.Bold).Println("nexus")
	fmt.Printf("version: %s\ncommit:  %s\nbuilt:   %s\n",
		engine.Version, engine.Commit, engine.Date)
}

func printUsage() {
	fmt.Println(`Nexus orchestration engine

Usage:
  nexus [global flags] <command> [args]

Global flags:
  --config <path>      Path to nexus.yaml
  --timeout <dur>      Command wait timeout (default 2m)
  --json               JSON output

Commands:
  init <dir>           Scaffold a workspace with config and plugin dir
  run <command> [--arg key=value]...
                       Dispatch a command through the engine
  plugins              List loaded plugins
  agents               List registered agents
  audit [--limit N]    Show recent audit records
  version
  help`)
}

func fatal(err error) {
	color.Red("Error: %v", err)
	os.Exit(1)
}

func ensureNoArgs(args []string) {
	if len(args) > 0 {
		fatal(fmt.Errorf("unexpected args: %v", args))
	}
}

func getenv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

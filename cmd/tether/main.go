package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattjoyce/tether/internal/agent"
	"github.com/mattjoyce/tether/internal/config"
)

const version = "0.3.0"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) < 1 {
		printUsage(os.Stderr)
		return 1
	}

	cmd := args[0]
	rest := args[1:]

	switch cmd {
	case "start":
		if hasHelpFlag(rest) {
			printStartHelp()
			return 0
		}
		return runStart(rest)
	case "config":
		return runConfigNoun(rest)
	case "agents":
		return runAgents()
	case "version":
		fmt.Printf("tether version %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage(os.Stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `tether - per-agent runtime shim for a message coordination service

Usage:
  tether <command> [flags]

Commands:
  start             Register, then poll and dispatch messages until interrupted
  config check      Load and validate configuration, print the effective settings
  config lock       Write .checksums for the configuration file
  agents            List the agent classes compiled into this binary
  version           Show version information
  help              Show this help message

Environment:
  AGENT_ID, AGENT_NAME, CORE_API_URL, HOSTNAME,
  POLL_INTERVAL, REQUEST_TIMEOUT, LOG_LEVEL
`)
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "check":
		return runConfigCheck(actionArgs)
	case "lock":
		return runConfigLock(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("config check", flag.ContinueOnError)
	configPath := fs.String("config", config.DefaultPath, "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration invalid: %v\n", err)
		return 1
	}

	res, err := agent.Builtins().Resolve(cfg.Agent.ClassName, cfg.Agent.Settings)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Agent invalid: %v\n", err)
		return 1
	}

	source := cfg.SourcePath
	if source == "" {
		source = "(none, defaults and environment only)"
	}
	integrity := "no .checksums manifest"
	if cfg.Verified {
		integrity = "verified"
	}

	fmt.Println("Configuration valid")
	fmt.Printf("  source:        %s\n", source)
	fmt.Printf("  integrity:     %s\n", integrity)
	fmt.Printf("  agent:         %s (%s)\n", cfg.Agent.Name, cfg.Agent.ID)
	fmt.Printf("  container:     %s\n", cfg.Agent.ContainerID)
	if res.FellBack {
		fmt.Printf("  class:         %s (requested %q not found)\n", res.Class, res.Requested)
	} else {
		fmt.Printf("  class:         %s\n", res.Class)
	}
	fmt.Printf("  core:          %s (timeout %s)\n", cfg.Core.URL, cfg.Core.RequestTimeout)
	fmt.Printf("  poll interval: %s\n", cfg.Service.PollInterval)
	if cfg.Callback.Enabled {
		fmt.Printf("  callback:      %s%s -> %s\n", cfg.Callback.Listen, cfg.Callback.Path, cfg.Core.CallbackURL)
	} else {
		fmt.Printf("  callback:      disabled (advertising %s)\n", cfg.Core.CallbackURL)
	}
	if cfg.Spool.Path != "" {
		fmt.Printf("  spool:         %s (max attempts %d)\n", cfg.Spool.Path, cfg.Spool.MaxAttempts)
	} else {
		fmt.Println("  spool:         disabled")
	}
	return 0
}

func runConfigLock(args []string) int {
	fs := flag.NewFlagSet("config lock", flag.ContinueOnError)
	configPath := fs.String("config", config.DefaultPath, "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	manifest, err := config.GenerateChecksums(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to lock configuration: %v\n", err)
		return 1
	}
	fmt.Printf("Wrote %s (%d file(s))\n", config.ChecksumFile, len(manifest.Hashes))
	return 0
}

func runAgents() int {
	for _, name := range agent.Builtins().Names() {
		marker := ""
		if name == config.DefaultClassName {
			marker = " (default)"
		} else if name == agent.FallbackClass {
			marker = " (fallback)"
		}
		fmt.Printf("%s%s\n", name, marker)
	}
	return 0
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, a := range args {
		if isHelpToken(strings.TrimSpace(a)) {
			return true
		}
	}
	return false
}

func printConfigHelp(w io.Writer) {
	fmt.Fprintln(w, "Usage: tether config <check|lock> [--config PATH]")
}

func printStartHelp() {
	fmt.Println("Usage: tether start [--config PATH]")
	fmt.Println("Runs until SIGINT or SIGTERM, then exits 0.")
}

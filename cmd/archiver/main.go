package main

import (
	"fmt"
	"os"
	"strings"

	"cctv-archiver/internal/platform/config"
)

var version = "dev"

func main() {
	_ = config.Load()

	args := os.Args[1:]
	cmd := "run"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "run":
		os.Exit(runDaemon(args))
	case "purge-orphans":
		os.Exit(runPurge(args, os.Stdout, os.Stderr))
	case "version":
		fmt.Printf("archiver version %s\n", version)
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Usage: archiver [command] [options]

Commands:
  run            Capture the stream into hourly archives (default)
  purge-orphans  Delete leftover segments of buckets that already have an archive
  version        Print version information

Run 'archiver <command> -h' for the options of a command.`)
}

// loadSettings reads defaults, the YAML file at path (or ARCHIVER_CONFIG when
// path is empty) and the environment.
func loadSettings(path string) (config.Settings, error) {
	if path == "" {
		return config.LoadSettings()
	}
	s := config.Default()
	if err := config.LoadFile(path, &s); err != nil {
		return s, err
	}
	return config.FromEnv(s), nil
}

// ABOUTME: Entry point for coven-checkpoint
// ABOUTME: Operator CLI for Matrix-backed agent checkpoints and the E2EE bootstrap

package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
)

const banner = `
                                         _               _               _       _
  ___ _____   _____ _ __         ___| |__   ___  ___| | ___ __   ___ (_)_ __ | |_
 / __/ _ \ \ / / _ \ '_ \ _____ / __| '_ \ / _ \/ __| |/ / '_ \ / _ \| | '_ \| __|
| (_| (_) \ V /  __/ | | |_____| (__| | | |  __/ (__|   <| |_) | (_) | | | | | |_
 \___\___/ \_/ \___|_| |_|      \___|_| |_|\___|\___|_|\_\ .__/ \___/|_|_| |_|\__|
                                                         |_|
`

// getConfigPath returns the path to the config file.
// Priority: COVEN_CHECKPOINT_CONFIG env var > XDG_CONFIG_HOME/coven/checkpoint.toml > ~/.config/coven/checkpoint.toml
func getConfigPath() string {
	if envPath := os.Getenv("COVEN_CHECKPOINT_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "checkpoint.toml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "checkpoint.toml")
}

// getDataPath returns the path to the coven data directory.
// Priority: XDG_DATA_HOME/coven > ~/.local/share/coven
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "coven")
}

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(2)
	}

	name, args := os.Args[1], os.Args[2:]
	if name == "help" || name == "-h" || name == "--help" {
		printUsage(os.Stdout)
		return
	}

	var err error
	if name == "init" {
		err = runInit(os.Stdin, os.Stdout)
	} else {
		err = run(name, args)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: coven-checkpoint <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintf(w, "  %-15s %s\n", "init", "write a config file interactively")
	for _, c := range commands {
		fmt.Fprintf(w, "  %-15s %s\n", c.name, c.summary)
	}
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn", "warning":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	// Logs go to stderr so command output on stdout stays clean.
	if strings.ToLower(format) == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func printBanner(w io.Writer) {
	cyan := color.New(color.FgCyan)
	cyan.Fprint(w, banner)
}

func printField(w io.Writer, label, value string) {
	green := color.New(color.FgGreen)
	green.Fprint(w, "    ▶ ")
	fmt.Fprintf(w, "%-12s%s\n", label+":", value)
}

// ABOUTME: Interactive setup that writes a TOML config file.
// ABOUTME: Secrets default to ${VAR} references so they can stay out of the file.

package main

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/fatih/color"

	"github.com/2389/coven-checkpoint/internal/config"
)

const configHeader = `# coven-checkpoint configuration
# Generated by coven-checkpoint init
# ${VAR} references are expanded from the environment when the file is loaded.

`

type prompter struct {
	reader *bufio.Reader
	out    io.Writer
}

func (p *prompter) ask(question, def string) string {
	green := color.New(color.FgGreen)
	green.Fprint(p.out, "    ▶ ")
	if def != "" {
		fmt.Fprintf(p.out, "%s [%s]: ", question, def)
	} else {
		fmt.Fprintf(p.out, "%s: ", question)
	}
	answer, _ := p.reader.ReadString('\n')
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return def
	}
	return answer
}

// renderConfig encodes cfg as a commented TOML file.
func renderConfig(cfg *config.Config) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(configHeader)
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}
	return buf.Bytes(), nil
}

func runInit(in io.Reader, out io.Writer) error {
	yellow := color.New(color.FgYellow)
	green := color.New(color.FgGreen)

	printBanner(out)
	fmt.Fprintln(out, "    Interactive Setup")
	fmt.Fprintln(out, "    -----------------")
	fmt.Fprintln(out)

	p := &prompter{reader: bufio.NewReader(in), out: out}
	configPath := getConfigPath()

	if _, err := os.Stat(configPath); err == nil {
		yellow.Fprintf(out, "    Config already exists at %s\n", configPath)
		if strings.ToLower(p.ask("Overwrite? [y/N]", "")) != "y" {
			fmt.Fprintln(out, "    Aborted.")
			return nil
		}
		fmt.Fprintln(out)
	}

	cfg := &config.Config{}
	cfg.Matrix.Homeserver = p.ask("Matrix homeserver URL", "https://matrix.org")
	cfg.Matrix.UserID = p.ask("Matrix user ID (@name:server)", "")
	cfg.Matrix.Password = p.ask("Matrix password", "${MATRIX_PASSWORD}")
	cfg.Matrix.RoomID = p.ask("Checkpoint room ID (!room:server)", "")
	cfg.Crypto.Passphrase = p.ask("Recovery passphrase", "${COVEN_RECOVERY_PASSPHRASE}")
	cfg.Crypto.Iterations = config.DefaultIterations
	cfg.Checkpoint.EventPrefix = p.ask("State event prefix", config.DefaultEventPrefix)
	cfg.Checkpoint.IndexNamespace = p.ask("Thread index namespace", config.DefaultIndexNamespace)
	cfg.Checkpoint.CacheTTLRaw = config.DefaultCacheTTL.String()
	cfg.Checkpoint.CacheMaxEntries = config.DefaultCacheMaxEntries
	cfg.Checkpoint.MaxCheckpointBytes = config.DefaultMaxCheckpointBytes
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"

	data, err := renderConfig(cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Fprintln(out)
	green.Fprintf(out, "    ✓ Config written to %s\n", configPath)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "    Next steps:")
	fmt.Fprintln(out, "    1. Export MATRIX_PASSWORD and COVEN_RECOVERY_PASSPHRASE")
	fmt.Fprintln(out, "    2. Run: coven-checkpoint bootstrap")
	fmt.Fprintln(out)
	return nil
}

package main

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/branchdiff/internal/config"
)

var initOutput string

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Interactive setup wizard",
	Long: `Generate a configuration file through an interactive wizard.
The format follows the output extension: .yaml/.yml, .toml or .json.`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVar(&initOutput, "output", config.DefaultConfigPath(), "output config file path")
}

func runInit(_ *cobra.Command, _ []string) error {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("Branchdiff Configuration Wizard")
	fmt.Println("===============================")
	fmt.Println()

	cfg := &config.Config{}

	// Pipeline.
	cfg.Pipeline.OverallTimeoutSeconds = promptInt(scanner, "Overall timeout per diff (seconds)", 90)
	cfg.Pipeline.DefaultBaseline = prompt(scanner, "Fallback baseline branch", "main")

	// Sandbox.
	cfg.Sandbox.Runtime = prompt(scanner, "Sandbox runtime (process/docker)", "process")
	if cfg.Sandbox.Runtime == "docker" {
		cfg.Sandbox.Docker.Image = prompt(scanner, "Docker image", "node:22-bookworm-slim")
		cfg.Sandbox.Docker.MemoryMB = promptInt(scanner, "Container memory limit (MB)", 2048)
	}

	// Browser.
	cfg.Browser.ExecPath = prompt(scanner, "Chrome executable (empty = find on PATH)", "")
	cfg.Browser.NoSandbox = promptYesNo(scanner, "Disable the Chrome sandbox (needed when running as root)?", false)

	// Gateways.
	httpAddr := prompt(scanner, "HTTP listen address", ":8080")
	cfg.Gateways.HTTP = &config.HTTPGatewayConfig{
		Enabled:    true,
		ListenAddr: httpAddr,
		EnableDocs: promptYesNo(scanner, "Serve OpenAPI docs?", true),
	}
	if promptYesNo(scanner, "Require an API key?", true) {
		key, err := generateAPIKey()
		if err != nil {
			return err
		}
		user := prompt(scanner, "User name for the generated key", "admin")
		cfg.Gateways.HTTP.APIKeyUserMapping = map[string]string{key: user}
		fmt.Printf("Generated API key for %s: %s\n", user, key)
	}
	if promptYesNo(scanner, "Enable the WebSocket progress stream?", true) {
		cfg.Gateways.WebSocket = &config.WebSocketGatewayConfig{Enabled: true, Path: "/ws/diffs"}
	}

	// Admission control.
	cfg.RateLimit.RequestsPerMinute = promptInt(scanner, "Diffs per minute per user (0 = unlimited)", 10)
	cfg.RateLimit.MaxConcurrentRuns = promptInt(scanner, "Concurrent diffs", 2)

	// Housekeeping and observability.
	if promptYesNo(scanner, "Sweep orphaned job directories on a schedule?", true) {
		cfg.Janitor = &config.JanitorConfig{Enabled: true, Schedule: "*/10 * * * *", MaxAgeMinutes: 30}
	}
	if promptYesNo(scanner, "Expose Prometheus metrics?", false) {
		cfg.Observability = &config.ObservabilityConfig{
			Metrics: &config.MetricsConfig{Enabled: true, Path: "/metrics"},
			Health:  &config.HealthConfig{IncludeBrowser: true, IncludePackageManager: true},
		}
	}

	if err := writeConfig(scanner, cfg, initOutput); err != nil {
		return err
	}
	fmt.Printf("Start the server with: branchdiff serve --config %s\n", initOutput)
	return nil
}

// marshalConfig encodes cfg in the format named by the path's extension.
func marshalConfig(cfg *config.Config, path string) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
		return yaml.Marshal(cfg)
	case ".toml":
		return toml.Marshal(cfg)
	default:
		return json.MarshalIndent(cfg, "", "  ")
	}
}

// writeConfig marshals and optionally writes a config to a file.
func writeConfig(scanner *bufio.Scanner, cfg *config.Config, outputPath string) error {
	data, err := marshalConfig(cfg, outputPath)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	fmt.Printf("\nGenerated config:\n%s\n\n", data)
	if promptYesNo(scanner, fmt.Sprintf("Write to %s?", outputPath), true) {
		dir := filepath.Dir(outputPath)
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
		// The file may hold API keys.
		if err := os.WriteFile(outputPath, data, 0600); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}
		fmt.Printf("Config written to %s\n", outputPath)
	}

	return nil
}

func generateAPIKey() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating API key: %w", err)
	}
	return "bd_" + hex.EncodeToString(b), nil
}

// prompt asks the user for input with a default value.
func prompt(scanner *bufio.Scanner, label, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", label, defaultVal)
	} else {
		fmt.Printf("%s: ", label)
	}
	if !scanner.Scan() {
		return defaultVal
	}
	val := strings.TrimSpace(scanner.Text())
	if val == "" {
		return defaultVal
	}
	return val
}

func promptInt(scanner *bufio.Scanner, label string, defaultVal int) int {
	v, err := strconv.Atoi(prompt(scanner, label, strconv.Itoa(defaultVal)))
	if err != nil || v < 0 {
		return defaultVal
	}
	return v
}

// promptYesNo asks a yes/no question.
func promptYesNo(scanner *bufio.Scanner, question string, defaultYes bool) bool {
	suffix := "[Y/n]"
	if !defaultYes {
		suffix = "[y/N]"
	}
	fmt.Printf("%s %s: ", question, suffix)
	if !scanner.Scan() {
		return defaultYes
	}
	answer := strings.TrimSpace(strings.ToLower(scanner.Text()))
	if answer == "" {
		return defaultYes
	}
	return answer == "y" || answer == "yes"
}

package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/threadline/internal/aiconnectors"
	"github.com/threadline/internal/config"
	"github.com/threadline/internal/database"
)

// ConfigCheckResult holds the result of configuration validation
type ConfigCheckResult struct {
	Missing  []string          // Required settings that are missing
	Present  map[string]string // Settings that are set (masked values)
	Warnings []string          // Non-fatal warnings
}

// CheckRequiredConfig reports which gateway settings are present.
func CheckRequiredConfig(cfg *config.Config) *ConfigCheckResult {
	result := &ConfigCheckResult{
		Missing:  []string{},
		Present:  make(map[string]string),
		Warnings: []string{},
	}

	check := func(name, value string, required bool) {
		switch {
		case value != "":
			result.Present[name] = maskSecret(value)
		case required:
			result.Missing = append(result.Missing, name)
		}
	}

	check("auth.jwt_secret", cfg.Auth.JWTSecret, true)
	if cfg.Database.Store == config.StorePostgres {
		url, _ := database.ResolveURL(cfg.Database.URL)
		check("database.url", url, true)
	}

	provider := aiconnectors.Provider(strings.ToLower(cfg.Agent.Provider))
	needsKey := provider != aiconnectors.ProviderOllama && provider != aiconnectors.ProviderEcho
	check("agent.api_key", cfg.Agent.APIKey, needsKey)

	if cfg.Database.Store == config.StoreMemory {
		result.Warnings = append(result.Warnings, "memory store selected; threads are lost on restart")
	}
	if cfg.Auth.JWTSecret == "change-me" {
		result.Warnings = append(result.Warnings, "auth.jwt_secret still has the sample value")
	}
	if cfg.Server.PublicRatePerMinute <= 0 {
		result.Warnings = append(result.Warnings, "public stream endpoint is not rate limited")
	}

	return result
}

// PrintConfigCheck prints the configuration check results
func PrintConfigCheck(result *ConfigCheckResult) {
	fmt.Println("=== Configuration Check ===")

	if len(result.Missing) > 0 {
		fmt.Println("❌ Missing required settings:")
		for _, v := range result.Missing {
			fmt.Printf("   - %s\n", v)
		}
		fmt.Println("")
	}

	if len(result.Present) > 0 {
		fmt.Println("✓ Configured settings:")
		for k, v := range result.Present {
			fmt.Printf("   - %s = %s\n", k, v)
		}
		fmt.Println("")
	}

	for _, w := range result.Warnings {
		fmt.Printf("⚠ Warning: %s\n", w)
	}

	if len(result.Missing) == 0 {
		fmt.Println("✓ All required configuration is present")
	}

	fmt.Println("============================")
}

// maskSecret masks a secret value for display, showing only first and last 2 chars
func maskSecret(value string) string {
	if len(value) <= 8 {
		return "****"
	}
	return value[:2] + "****" + value[len(value)-2:]
}

// LoadEnvFile loads environment variables from a file, overwriting existing ones.
func LoadEnvFile(filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		// Remove quotes if present
		if len(value) >= 2 && ((value[0] == '"' && value[len(value)-1] == '"') || (value[0] == '\'' && value[len(value)-1] == '\'')) {
			value = value[1 : len(value)-1]
		}

		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("failed to set env var %s: %w", key, err)
		}
	}

	return scanner.Err()
}

// DoctorCommand checks configuration and whether the configured model answers.
func DoctorCommand() *cli.Command {
	return &cli.Command{
		Name:  "doctor",
		Usage: "Check gateway configuration and model connectivity",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "Load environment variables from `FILE` first",
			},
			&cli.BoolFlag{
				Name:  "skip-probe",
				Usage: "Do not contact the model provider",
			},
		},
		Action: runDoctor,
	}
}

func runDoctor(c *cli.Context) error {
	if envFile := c.String("env-file"); envFile != "" {
		if err := LoadEnvFile(envFile); err != nil {
			return fmt.Errorf("failed to load env file: %w", err)
		}
	}

	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	result := CheckRequiredConfig(cfg)
	PrintConfigCheck(result)
	if len(result.Missing) > 0 {
		return fmt.Errorf("%d required settings missing", len(result.Missing))
	}

	if c.Bool("skip-probe") {
		return nil
	}

	ctx, cancel := context.WithTimeout(c.Context, 30*time.Second)
	defer cancel()

	options := aiconnectors.OptionsFromConfig(cfg.Agent)
	fmt.Printf("Probing %s (%s)...\n", options.Provider, options.ModelConfig.Model)
	if err := aiconnectors.Probe(ctx, options); err != nil {
		return fmt.Errorf("model probe failed: %w", err)
	}
	fmt.Println("✓ Model answered")
	return nil
}

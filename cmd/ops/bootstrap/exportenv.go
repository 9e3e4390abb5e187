package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// ExportEnvConfig configures ExportEnvFile.
type ExportEnvConfig struct {
	OutputPath  string
	Environment string
	SSM         *SSMManager
	Stderr      io.Writer
	// IncludeLocalDefaults appends the settings a local run needs on top of
	// the SSM values (APP_ENV=local, LocalStack endpoint and so on).
	IncludeLocalDefaults bool

	// inventory overrides BuildInventory in tests.
	inventory []BootstrapStep
}

// localDefaults are written after the SSM values in a fixed order.
var localDefaults = [][2]string{
	{"APP_ENV", "local"},
	{"LOG_LEVEL", "debug"},
	{"PORT", "8080"},
	{"DASHBOARD_URL", "http://localhost:3000"},
	{"AWS_ENDPOINT_URL", "http://localhost:4566"},
}

// ExportEnvFile reads every parameter that feeds a config variable and
// writes them as a .env file readable only by the owner. Parameters missing
// from SSM are written as comments; the export fails only when none exist.
func ExportEnvFile(ctx context.Context, cfg ExportEnvConfig) error {
	if cfg.SSM == nil {
		return fmt.Errorf("export env: SSM manager is required")
	}
	stderr := cfg.Stderr
	if stderr == nil {
		stderr = io.Discard
	}
	inventory := cfg.inventory
	if inventory == nil {
		inventory = BuildInventory(NewValidator())
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# TutorBill environment exported from SSM (/%s/%s/)\n", cfg.Environment, ssmNamespace)
	fmt.Fprintf(&b, "# Generated %s. Contains secrets: do not commit.\n\n", time.Now().UTC().Format(time.RFC3339))

	found := 0
	for _, step := range inventory {
		if step.EnvVar == "" {
			continue
		}
		path := cfg.SSM.SSMPath(step.SSMCategoryKey)
		value, err := cfg.SSM.GetParameterValue(ctx, path, step.ParamType == ParamSecureString)
		if err != nil {
			fmt.Fprintf(stderr, "  warning: %s not exported: %v\n", step.EnvVar, err)
			fmt.Fprintf(&b, "# %s= (missing at %s)\n", step.EnvVar, path)
			continue
		}
		found++
		b.WriteString(formatEnvLine(step.EnvVar, value))
	}
	if found == 0 {
		return fmt.Errorf("export env: no parameters found under /%s/%s/", cfg.Environment, ssmNamespace)
	}

	if cfg.IncludeLocalDefaults {
		b.WriteString("\n# Local development defaults\n")
		for _, kv := range localDefaults {
			b.WriteString(formatEnvLine(kv[0], kv[1]))
		}
	}

	if err := os.WriteFile(cfg.OutputPath, []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("export env: writing %s: %w", cfg.OutputPath, err)
	}
	fmt.Fprintf(stderr, "  Exported %d parameters to %s\n", found, cfg.OutputPath)
	return nil
}

// formatEnvLine renders KEY=value in a form godotenv reads back verbatim.
// Values with shell-significant characters are single-quoted, which
// godotenv treats literally; bcrypt hashes rely on that for their '$'.
// Values that cannot be single-quoted fall back to escaped double quotes.
func formatEnvLine(key, value string) string {
	if value == "" || !strings.ContainsAny(value, " \t#\"'\\$\n\r`=") {
		return key + "=" + value + "\n"
	}
	if !strings.ContainsAny(value, "'\n\r") {
		return key + "='" + value + "'\n"
	}
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "$", `\$`, "\n", `\n`, "\r", `\r`)
	return key + `="` + r.Replace(value) + "\"\n"
}

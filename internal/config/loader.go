package config

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB
	envPrefix         = "CREWD_"
)

// configSections are the top-level keys env vars are mapped into.
var configSections = []string{"workspace", "run", "sandbox", "agent", "deploy", "logging"}

// Load builds configuration from defaults, an optional YAML file, and
// environment variable overrides.
//
// Precedence (highest to lowest):
//  1. Environment variables (CREWD_RUN_MAX_PARALLEL, CREWD_DEPLOY_VERCEL_TOKEN, ...)
//  2. YAML config file (configPath, skipped when empty or missing)
//  3. Defaults
//
// Environment variables are mapped by stripping the CREWD_ prefix, matching
// the leading section name, and lowercasing the rest:
//
//	CREWD_RUN_MAX_PARALLEL      -> run.max_parallel
//	CREWD_WORKSPACE_ROOT        -> workspace.root
//	CREWD_DEPLOY_SUPABASE_TOKEN -> deploy.supabase_token
//
// Deployment credentials (VERCEL_TOKEN, SUPABASE_ACCESS_TOKEN) are also read
// from their conventional unprefixed names so existing provider setups work.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			content, err := readLimited(configPath)
			if err != nil {
				return nil, err
			}
			if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
			}
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", transformEnvKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyProviderEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// transformEnvKey maps CREWD_SECTION_FIELD_NAME to section.field_name.
func transformEnvKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	for _, section := range configSections {
		if strings.HasPrefix(s, section+"_") {
			return section + "." + strings.TrimPrefix(s, section+"_")
		}
	}
	return s
}

// applyProviderEnv fills deployment credentials from the conventional
// variable names the provider CLIs themselves document.
func applyProviderEnv(cfg *Config) {
	if v := os.Getenv("VERCEL_TOKEN"); v != "" && !cfg.Deploy.VercelToken.IsSet() {
		cfg.Deploy.VercelToken = Secret(v)
	}
	if v := os.Getenv("VERCEL_ORG_ID"); v != "" && cfg.Deploy.VercelOrgID == "" {
		cfg.Deploy.VercelOrgID = v
	}
	if v := os.Getenv("VERCEL_PROJECT_ID"); v != "" && cfg.Deploy.VercelProjectID == "" {
		cfg.Deploy.VercelProjectID = v
	}
	if v := os.Getenv("SUPABASE_ACCESS_TOKEN"); v != "" && !cfg.Deploy.SupabaseToken.IsSet() {
		cfg.Deploy.SupabaseToken = Secret(v)
	}
	if v := os.Getenv("SUPABASE_PROJECT_REF"); v != "" && cfg.Deploy.SupabaseProjectRef == "" {
		cfg.Deploy.SupabaseProjectRef = v
	}
}

// readLimited reads a config file, rejecting oversized files.
func readLimited(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

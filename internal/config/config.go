package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultBaseURL         = "https://api.openai.com/v1"
	defaultFastModel       = "gpt-4o-mini"
	defaultSmartModel      = "gpt-4o"
	defaultScriptName      = "hammer"
	defaultFixerCommand    = "hammer-fix"
	defaultRetryBudget     = 5
	defaultStallTimeout    = 5 * time.Minute
	defaultLogMaxSizeBytes = 10 * 1024 * 1024
	defaultLogMaxFiles     = 5
)

// Config stores runtime settings loaded from TOML files.
type Config struct {
	BaseURL         string
	FastModel       string
	SmartModel      string
	ScriptName      string
	FixerCommand    string
	RetryBudget     int
	StallTimeout    time.Duration
	LogMaxSizeBytes int64
	LogMaxFiles     int
	Languages       map[string]LanguageConfig
}

// LanguageConfig stores per-language model and fixer overrides.
type LanguageConfig struct {
	Model string
	Fixer string
}

type fileConfig struct {
	BaseURL      *string                       `toml:"base_url"`
	FastModel    *string                       `toml:"fast_model"`
	SmartModel   *string                       `toml:"smart_model"`
	ScriptName   *string                       `toml:"script_name"`
	FixerCommand *string                       `toml:"fixer_command"`
	RetryBudget  *int                          `toml:"retry_budget"`
	StallTimeout *string                       `toml:"stall_timeout"`
	LogMaxSizeMB *int                          `toml:"log_max_size_mb"`
	LogMaxFiles  *int                          `toml:"log_max_files"`
	Languages    map[string]languageFileConfig `toml:"languages"`
}

type languageFileConfig struct {
	Model *string `toml:"model"`
	Fixer *string `toml:"fixer"`
}

// Load reads config from ~/.hammer/config.toml and overlays a project-local
// .hammer/config.toml.
func Load(ctx context.Context) (*Config, error) {
	cfg := defaults()

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}
	workingDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	paths := []string{
		filepath.Join(homeDir, ".hammer", "config.toml"),
		filepath.Join(workingDir, ".hammer", "config.toml"),
	}
	for _, path := range paths {
		if err := overlayFromFile(&cfg, path); err != nil {
			return nil, err
		}
	}

	_ = ctx
	return &cfg, nil
}

func defaults() Config {
	return Config{
		BaseURL:         defaultBaseURL,
		FastModel:       defaultFastModel,
		SmartModel:      defaultSmartModel,
		ScriptName:      defaultScriptName,
		FixerCommand:    defaultFixerCommand,
		RetryBudget:     defaultRetryBudget,
		StallTimeout:    defaultStallTimeout,
		LogMaxSizeBytes: defaultLogMaxSizeBytes,
		LogMaxFiles:     defaultLogMaxFiles,
		Languages:       map[string]LanguageConfig{},
	}
}

func overlayFromFile(cfg *Config, path string) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config file %q: %w", path, err)
	}

	var decoded fileConfig
	if _, err := toml.DecodeFile(path, &decoded); err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}

	if err := applyScalarOverrides(cfg, decoded, path); err != nil {
		return err
	}
	applyLanguageOverrides(cfg, decoded)
	return nil
}

func applyScalarOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.BaseURL != nil {
		cfg.BaseURL = strings.TrimSpace(*decoded.BaseURL)
	}
	if decoded.FastModel != nil {
		cfg.FastModel = strings.TrimSpace(*decoded.FastModel)
	}
	if decoded.SmartModel != nil {
		cfg.SmartModel = strings.TrimSpace(*decoded.SmartModel)
	}
	if decoded.ScriptName != nil {
		cfg.ScriptName = strings.TrimSpace(*decoded.ScriptName)
	}
	if decoded.FixerCommand != nil {
		cfg.FixerCommand = strings.TrimSpace(*decoded.FixerCommand)
	}
	if decoded.RetryBudget != nil {
		if *decoded.RetryBudget < 0 {
			return fmt.Errorf("parse retry_budget in %q: must be >= 0", path)
		}
		cfg.RetryBudget = *decoded.RetryBudget
	}
	if decoded.StallTimeout != nil {
		value, err := time.ParseDuration(*decoded.StallTimeout)
		if err != nil {
			return fmt.Errorf("parse stall_timeout in %q: %w", path, err)
		}
		cfg.StallTimeout = value
	}
	if decoded.LogMaxSizeMB != nil {
		if *decoded.LogMaxSizeMB <= 0 {
			return fmt.Errorf("parse log_max_size_mb in %q: must be > 0", path)
		}
		cfg.LogMaxSizeBytes = int64(*decoded.LogMaxSizeMB) * 1024 * 1024
	}
	if decoded.LogMaxFiles != nil {
		if *decoded.LogMaxFiles <= 0 {
			return fmt.Errorf("parse log_max_files in %q: must be > 0", path)
		}
		cfg.LogMaxFiles = *decoded.LogMaxFiles
	}
	return nil
}

func applyLanguageOverrides(cfg *Config, decoded fileConfig) {
	if len(decoded.Languages) == 0 {
		return
	}
	if cfg.Languages == nil {
		cfg.Languages = map[string]LanguageConfig{}
	}
	for language, overrides := range decoded.Languages {
		key := normalizeKey(language)
		entry := cfg.Languages[key]
		if overrides.Model != nil {
			entry.Model = strings.TrimSpace(*overrides.Model)
		}
		if overrides.Fixer != nil {
			entry.Fixer = strings.TrimSpace(*overrides.Fixer)
		}
		cfg.Languages[key] = entry
	}
}

// ResolveModel resolves the model passed to the fixer with this precedence:
// explicit override > language-specific > smart/fast default.
func (c *Config) ResolveModel(language string, explicit string, smart bool) (string, error) {
	if c == nil {
		return "", errors.New("config must not be nil")
	}

	if model := strings.TrimSpace(explicit); model != "" {
		return model, nil
	}
	if entry, ok := c.Languages[normalizeKey(language)]; ok {
		if model := strings.TrimSpace(entry.Model); model != "" {
			return model, nil
		}
	}

	selected := strings.TrimSpace(c.FastModel)
	if smart {
		selected = strings.TrimSpace(c.SmartModel)
	}
	if selected == "" {
		return "", fmt.Errorf("no model configured for language %q", language)
	}
	return selected, nil
}

// ResolveFixer resolves the corrective subprocess command, preferring the
// language-specific override.
func (c *Config) ResolveFixer(language string) string {
	if c == nil {
		return defaultFixerCommand
	}
	if entry, ok := c.Languages[normalizeKey(language)]; ok {
		if fixer := strings.TrimSpace(entry.Fixer); fixer != "" {
			return fixer
		}
	}
	if fixer := strings.TrimSpace(c.FixerCommand); fixer != "" {
		return fixer
	}
	return defaultFixerCommand
}

func normalizeKey(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

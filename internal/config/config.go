/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/zalando/go-keyring"
	"gopkg.in/yaml.v3"

	"svirweights/internal/domain"
	"svirweights/internal/log"
	"svirweights/internal/undo"
)

// AppConfig is the user-editable configuration persisted to a YAML file in the user scope.
// Environment variables are treated as read-only overrides at runtime.
//
// config_version: bump when the structure changes in a backward-incompatible way.
type AppConfig struct {
	ConfigVersion int           `yaml:"config_version"`
	General       GeneralConfig `yaml:"general"`
	Editor        EditorConfig  `yaml:"editor"`
	Backend       BackendConfig `yaml:"backend"`
	Logging       LoggingConfig `yaml:"logging"`
	Undo          UndoConfig    `yaml:"undo"`
}

type GeneralConfig struct {
	TelemetryOptIn bool `yaml:"telemetry_opt_in"`
	// DataDir holds the definition catalogue and autosaves; empty means next to the config file.
	DataDir string `yaml:"data_dir"`
}

// EditorConfig carries the values a host plugin would otherwise provide.
type EditorConfig struct {
	DefaultOperator string            `yaml:"default_operator" validate:"required"`
	Operators       []domain.Operator `yaml:"operators" validate:"dive"`
	// Fields is the fallback candidate list when no layer fields are passed on the command line.
	Fields []string `yaml:"fields"`
	// BalanceTolerance is how far a sibling sum may stray from 1 before validate reports it.
	BalanceTolerance float64 `yaml:"balance_tolerance" validate:"gte=0,lt=1"`
}

type BackendConfig struct {
	// DSN is a postgres connection string without the password; the password lives in the OS keychain.
	DSN       string `yaml:"dsn"`
	TimeoutMs int    `yaml:"timeout_ms" validate:"gte=0"`
	// URL is the sync server used by push and pull.
	URL string `yaml:"url" validate:"omitempty,url"`
	// Addr is where the sync server listens.
	Addr string `yaml:"addr"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Format string `yaml:"format" validate:"omitempty,oneof=console json"`
	Source bool   `yaml:"source"`
	File   string `yaml:"file"`
}

type UndoConfig struct {
	MaxBytes      int `yaml:"max_bytes" validate:"gte=0"`
	MaxDepth      int `yaml:"max_depth" validate:"gte=0"`
	MinIntervalMs int `yaml:"min_interval_ms" validate:"gte=0"`
}

// Defaults returns the application defaults.
func Defaults() AppConfig {
	return AppConfig{
		ConfigVersion: 1,
		Editor: EditorConfig{
			DefaultOperator:  domain.DefaultOperator,
			Operators:        domain.DefaultOperators(),
			BalanceTolerance: 1e-6,
		},
		Backend: BackendConfig{TimeoutMs: 15000},
		Logging: LoggingConfig{Level: "info", Format: "console"},
		Undo:    UndoConfig{MaxBytes: 16 * 1024 * 1024, MaxDepth: 100},
	}
}

// Env var names used as overrides.
const (
	EnvConfigPath       = "SVW_CONFIG"
	EnvDataDir          = "SVW_DATA_DIR"
	EnvDefaultOperator  = "SVW_DEFAULT_OPERATOR"
	EnvFields           = "SVW_FIELDS"
	EnvBackendDSN       = "SVW_BACKEND_DSN"
	EnvBackendTimeoutMs = "SVW_BACKEND_TIMEOUT_MS"
	EnvBackendPassword  = "SVW_BACKEND_PASSWORD"
	EnvBackendURL       = "SVW_BACKEND_URL"
	EnvBackendAddr      = "SVW_BACKEND_ADDR"
	EnvAuthSecret       = "SVW_AUTH_SECRET"
	EnvTelemetryOptIn   = "SVW_TELEMETRY_OPT_IN"
	// EnvLogLevel Logging envs
	EnvLogLevel  = "SVW_LOG_LEVEL"
	EnvLogFormat = "SVW_LOG_FORMAT"
	EnvLogSource = "SVW_LOG_SOURCE"
	EnvLogFile   = "SVW_LOG_FILE"
)

// Service/keys for OS keyring.
const (
	keyringService  = "svirweights"
	keyringPassword = "backend_password"
)

// SecretStore abstracts the keyring so tests can stub it.
type SecretStore interface {
	Get(service, key string) (string, error)
	Set(service, key, value string) error
	Delete(service, key string) error
}

// osKeyring stores secrets in the OS keychain via github.com/zalando/go-keyring.
type osKeyring struct{}

func (osKeyring) Get(service, key string) (string, error) { return keyring.Get(service, key) }
func (osKeyring) Set(service, key, value string) error    { return keyring.Set(service, key, value) }
func (osKeyring) Delete(service, key string) error        { return keyring.Delete(service, key) }

var secretStore SecretStore = osKeyring{}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ConfigPath returns the per-user config file path. SVW_CONFIG takes precedence.
func ConfigPath() (string, error) {
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return p, nil
	}
	var base string
	switch runtime.GOOS {
	case "windows":
		base = os.Getenv("AppData")
		if base == "" {
			base = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
		base = filepath.Join(base, "svirweights")
	case "darwin":
		base = filepath.Join(os.Getenv("HOME"), "Library", "Application Support", "svirweights")
	default:
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			base = filepath.Join(xdg, "svirweights")
		} else {
			base = filepath.Join(os.Getenv("HOME"), ".config", "svirweights")
		}
	}
	if base == "" {
		return "", errors.New("cannot resolve config directory")
	}
	return filepath.Join(base, "config.yaml"), nil
}

// Load reads the user config file (if present), applies defaults, merges environment
// overrides and validates the result. The backend password is read from the keychain
// (or SVW_BACKEND_PASSWORD) and returned separately; it is never part of AppConfig.
func Load() (AppConfig, string, error) {
	path, err := ConfigPath()
	if err != nil {
		return Defaults(), "", err
	}
	return LoadFile(path)
}

// LoadFile is Load for an explicit path. A missing file yields the defaults.
func LoadFile(path string) (AppConfig, string, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		var fileCfg AppConfig
		if err := yaml.Unmarshal(data, &fileCfg); err != nil {
			return cfg, "", fmt.Errorf("parse %s: %w", path, err)
		}
		mergeInto(&cfg, &fileCfg)
	case !errors.Is(err, os.ErrNotExist):
		return cfg, "", fmt.Errorf("read %s: %w", path, err)
	}
	applyEnvOverrides(&cfg)
	if cfg.General.DataDir == "" {
		cfg.General.DataDir = filepath.Join(filepath.Dir(path), "data")
	}
	if err := cfg.Validate(); err != nil {
		return cfg, "", err
	}
	pw := strings.TrimSpace(os.Getenv(EnvBackendPassword))
	if pw == "" {
		pw, _ = secretStore.Get(keyringService, keyringPassword)
	}
	return cfg, pw, nil
}

// Save writes the user config YAML and persists the password into the OS keyring (if non-empty).
func Save(cfg AppConfig, password string) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	return SaveFile(path, cfg, password)
}

// SaveFile is Save for an explicit path.
func SaveFile(path string, cfg AppConfig, password string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return err
	}
	if password != "" {
		if err := secretStore.Set(keyringService, keyringPassword, password); err != nil {
			return fmt.Errorf("store backend password: %w", err)
		}
	}
	return nil
}

// ForgetPassword removes the stored backend password. A missing entry is not an error.
func ForgetPassword() error {
	if err := secretStore.Delete(keyringService, keyringPassword); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return err
	}
	return nil
}

// Validate checks struct constraints and that the default operator is one of the configured operators.
func (c AppConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if len(c.Editor.Operators) > 0 {
		if _, ok := c.OperatorSet().Lookup(c.Editor.DefaultOperator); !ok {
			return fmt.Errorf("invalid config: default operator %q is not in editor.operators", c.Editor.DefaultOperator)
		}
	}
	return nil
}

// OperatorSet returns the configured operators, or the built-in list when none are configured.
func (c AppConfig) OperatorSet() domain.OperatorSet {
	if len(c.Editor.Operators) == 0 {
		return domain.NewOperatorSet(domain.DefaultOperators())
	}
	return domain.NewOperatorSet(c.Editor.Operators)
}

// LogOptions converts the logging section for log.Init.
func (c AppConfig) LogOptions() log.Options {
	return log.Options{Level: c.Logging.Level, Format: c.Logging.Format, AddSource: c.Logging.Source, File: c.Logging.File}
}

// UndoOptions converts the undo section for undo.NewManager.
func (c AppConfig) UndoOptions() undo.Config {
	return undo.Config{
		MaxBytes:    c.Undo.MaxBytes,
		MaxPerKey:   c.Undo.MaxDepth,
		MinInterval: time.Duration(c.Undo.MinIntervalMs) * time.Millisecond,
	}
}

// Timeout returns the backend timeout, falling back to the default.
func (b BackendConfig) Timeout() time.Duration {
	if b.TimeoutMs <= 0 {
		return time.Duration(Defaults().Backend.TimeoutMs) * time.Millisecond
	}
	return time.Duration(b.TimeoutMs) * time.Millisecond
}

func mergeInto(dst *AppConfig, src *AppConfig) {
	if src.ConfigVersion != 0 {
		dst.ConfigVersion = src.ConfigVersion
	}
	// booleans: copy directly from src (file) so user preferences persist
	dst.General.TelemetryOptIn = src.General.TelemetryOptIn
	if v := strings.TrimSpace(src.General.DataDir); v != "" {
		dst.General.DataDir = v
	}
	if v := strings.TrimSpace(src.Editor.DefaultOperator); v != "" {
		dst.Editor.DefaultOperator = v
	}
	if len(src.Editor.Operators) > 0 {
		dst.Editor.Operators = src.Editor.Operators
	}
	if len(src.Editor.Fields) > 0 {
		dst.Editor.Fields = src.Editor.Fields
	}
	if src.Editor.BalanceTolerance != 0 {
		dst.Editor.BalanceTolerance = src.Editor.BalanceTolerance
	}
	if v := strings.TrimSpace(src.Backend.DSN); v != "" {
		dst.Backend.DSN = v
	}
	if src.Backend.TimeoutMs != 0 {
		dst.Backend.TimeoutMs = src.Backend.TimeoutMs
	}
	if v := strings.TrimSpace(src.Backend.URL); v != "" {
		dst.Backend.URL = v
	}
	if v := strings.TrimSpace(src.Backend.Addr); v != "" {
		dst.Backend.Addr = v
	}
	if v := strings.TrimSpace(src.Logging.Level); v != "" {
		dst.Logging.Level = strings.ToLower(v)
	}
	if v := strings.TrimSpace(src.Logging.Format); v != "" {
		dst.Logging.Format = strings.ToLower(v)
	}
	dst.Logging.Source = src.Logging.Source
	if v := strings.TrimSpace(src.Logging.File); v != "" {
		dst.Logging.File = v
	}
	if src.Undo.MaxBytes != 0 {
		dst.Undo.MaxBytes = src.Undo.MaxBytes
	}
	if src.Undo.MaxDepth != 0 {
		dst.Undo.MaxDepth = src.Undo.MaxDepth
	}
	if src.Undo.MinIntervalMs != 0 {
		dst.Undo.MinIntervalMs = src.Undo.MinIntervalMs
	}
}

func truthy(v string) bool {
	lv := strings.ToLower(v)
	return lv == "1" || lv == "true" || lv == "on" || lv == "yes"
}

func applyEnvOverrides(cfg *AppConfig) {
	if v := strings.TrimSpace(os.Getenv(EnvDataDir)); v != "" {
		cfg.General.DataDir = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvDefaultOperator)); v != "" {
		cfg.Editor.DefaultOperator = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvFields)); v != "" {
		cfg.Editor.Fields = SplitList(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvBackendDSN)); v != "" {
		cfg.Backend.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvBackendURL)); v != "" {
		cfg.Backend.URL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvBackendAddr)); v != "" {
		cfg.Backend.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvBackendTimeoutMs)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Backend.TimeoutMs = n
		}
	}
	if v := strings.TrimSpace(os.Getenv(EnvTelemetryOptIn)); v != "" {
		cfg.General.TelemetryOptIn = truthy(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogFormat)); v != "" {
		cfg.Logging.Format = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogSource)); v != "" {
		cfg.Logging.Source = truthy(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogFile)); v != "" {
		cfg.Logging.File = v
	}
}

// SplitList splits a comma separated list, dropping blanks.
func SplitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

var envKeys = map[string]string{
	"general.data_dir":         EnvDataDir,
	"general.telemetry_opt_in": EnvTelemetryOptIn,
	"editor.default_operator":  EnvDefaultOperator,
	"editor.fields":            EnvFields,
	"backend.dsn":              EnvBackendDSN,
	"backend.timeout_ms":       EnvBackendTimeoutMs,
	"backend.url":              EnvBackendURL,
	"backend.addr":             EnvBackendAddr,
	"logging.level":            EnvLogLevel,
	"logging.format":           EnvLogFormat,
	"logging.source":           EnvLogSource,
	"logging.file":             EnvLogFile,
}

// EnvOverrideFor returns the env var name if the field is overridden by environment variables.
func EnvOverrideFor(key string) (string, bool) {
	env, ok := envKeys[key]
	if !ok || os.Getenv(env) == "" {
		return "", false
	}
	return env, true
}

package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/spf13/afero"
	"github.com/tailscale/hujson"
	"gopkg.in/yaml.v3"
)

const schemaURL = "https://vaultmirror.local/config.schema.json"

//go:embed schema.json
var schemaJSON []byte

var (
	compileOnce    sync.Once
	compiledSchema *jsonschema.Schema
	compileErr     error
)

func schema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
		if err != nil {
			compileErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(schemaURL, doc); err != nil {
			compileErr = err
			return
		}
		compiledSchema, compileErr = compiler.Compile(schemaURL)
	})
	return compiledSchema, compileErr
}

// ignoredKeys are read by the LiveSync mirror script this tool replaces and
// have no effect here.
var ignoredKeys = map[string]bool{"purgeUnused": true}

var (
	knownKeysOnce sync.Once
	knownKeys     map[string]bool
)

func schemaKeys() map[string]bool {
	knownKeysOnce.Do(func() {
		var doc struct {
			Properties map[string]json.RawMessage `json:"properties"`
		}
		_ = json.Unmarshal(schemaJSON, &doc)
		knownKeys = make(map[string]bool, len(doc.Properties))
		for key := range doc.Properties {
			knownKeys[key] = true
		}
	})
	return knownKeys
}

type Loader struct {
	Fs     afero.Fs
	Getenv func(string) string
	Logger zerolog.Logger
}

func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{Fs: afero.NewOsFs(), Getenv: os.Getenv, Logger: logger}
}

// FilePath picks the config file: the explicit path, then LIVESYNC_CONFIG,
// then config.json.
func (l *Loader) FilePath(explicit string) string {
	if p := strings.TrimSpace(explicit); p != "" {
		return p
	}
	if p := strings.TrimSpace(l.getenv("LIVESYNC_CONFIG")); p != "" {
		return p
	}
	return DefaultFile
}

// Load merges defaults, the file at path and the environment. The result is
// not finalized so callers can still apply flags.
func (l *Loader) Load(path string) (Config, error) {
	cfg := Default()
	if err := l.loadFile(path, &cfg); err != nil {
		return Config{}, err
	}
	l.applyEnv(&cfg)
	return cfg, nil
}

func (l *Loader) loadFile(path string, cfg *Config) error {
	raw, err := afero.ReadFile(l.Fs, path)
	if errors.Is(err, os.ErrNotExist) {
		l.Logger.Warn().Str("path", path).Msg("config file not found, using environment and defaults")
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	normalized, err := normalize(path, raw)
	if err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := validate(normalized); err != nil {
		return fmt.Errorf("invalid config %s: %w", path, err)
	}
	// Key matching is case-insensitive, so E2EEAlgorithm fills e2eeAlgorithm.
	if err := json.Unmarshal(normalized, cfg); err != nil {
		return fmt.Errorf("decode config %s: %w", path, err)
	}
	l.reportExtraKeys(path, normalized)
	l.Logger.Debug().Str("path", path).Msg("loaded config file")
	return nil
}

func (l *Loader) reportExtraKeys(path string, doc []byte) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(doc, &fields); err != nil {
		return
	}
	known := schemaKeys()
	var unknown []string
	for key := range fields {
		switch {
		case ignoredKeys[key]:
			l.Logger.Info().Str("path", path).Str("key", key).Msg("config key has no effect, ignoring")
		case !known[key]:
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		l.Logger.Warn().Str("path", path).Strs("keys", unknown).Msg("unknown config keys, ignoring")
	}
}

// normalize turns a JSONC or YAML document into standard JSON.
func normalize(path string, raw []byte) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var doc any
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, err
		}
		if doc == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(doc)
	default:
		if len(bytes.TrimSpace(raw)) == 0 {
			return []byte("{}"), nil
		}
		return hujson.Standardize(raw)
	}
}

func validate(doc []byte) error {
	sch, err := schema()
	if err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(doc))
	if err != nil {
		return err
	}
	return sch.Validate(inst)
}

func (l *Loader) applyEnv(cfg *Config) {
	l.stringEnv("LIVESYNC_URL", &cfg.URL)
	l.stringEnv("LIVESYNC_DATABASE", &cfg.Database)
	l.stringEnv("LIVESYNC_USERNAME", &cfg.Username)
	l.stringEnv("LIVESYNC_PASSWORD", &cfg.Password)
	l.stringEnv("LIVESYNC_PASSPHRASE", &cfg.Passphrase)
	l.stringEnv("LIVESYNC_OBFUSCATE_PASSPHRASE", &cfg.ObfuscatePassphrase)
	l.stringEnv("LIVESYNC_ALGO", &cfg.E2EEAlgorithm)
	l.intEnv("LIVESYNC_PBKDF2_ITERATIONS", &cfg.PBKDF2Iterations)
	l.stringEnv("LIVESYNC_LOCAL_DIR", &cfg.LocalDir)
	l.stringEnv("LIVESYNC_BASE_DIR", &cfg.BaseDir)
	l.boolEnv("LIVESYNC_DRY_RUN", &cfg.DryRun)
	l.intEnv("LIVESYNC_CONCURRENCY", &cfg.Concurrency)
	l.intEnv("LIVESYNC_REQUEST_TIMEOUT_MS", &cfg.RequestTimeoutMillis)
	l.intEnv("LIVESYNC_MAX_FAILURES", &cfg.MaxConsecutiveFailures)
	l.intEnv("LIVESYNC_PROGRESS_EVERY", &cfg.ProgressEvery)
	l.stringEnv("LIVESYNC_REPORT_DSN", &cfg.ReportDSN)
}

func (l *Loader) getenv(name string) string {
	if l.Getenv == nil {
		return os.Getenv(name)
	}
	return l.Getenv(name)
}

func (l *Loader) stringEnv(name string, target *string) {
	if raw := strings.TrimSpace(l.getenv(name)); raw != "" {
		*target = raw
	}
}

func (l *Loader) intEnv(name string, target *int) {
	raw := strings.TrimSpace(l.getenv(name))
	if raw == "" {
		return
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		l.Logger.Warn().Str("name", name).Str("value", raw).Int("fallback", *target).Msg("invalid integer in environment, using fallback")
		return
	}
	*target = value
}

func (l *Loader) boolEnv(name string, target *bool) {
	raw := strings.TrimSpace(l.getenv(name))
	if raw == "" {
		return
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		l.Logger.Warn().Str("name", name).Str("value", raw).Bool("fallback", *target).Msg("invalid boolean in environment, using fallback")
		return
	}
	*target = value
}

// Package config resolves the effective settings of a run from defaults, a
// config file, LIVESYNC_* environment variables and command line flags.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/agentworkforce/vaultmirror/internal/e2ee"
	"github.com/agentworkforce/vaultmirror/internal/mirror"
)

const (
	DefaultFile     = "config.json"
	DefaultLocalDir = "./vault"

	redactedValue = "********"
)

type Config struct {
	URL                    string `json:"url"`
	Database               string `json:"database"`
	Username               string `json:"username"`
	Password               string `json:"password"`
	Passphrase             string `json:"passphrase"`
	ObfuscatePassphrase    string `json:"obfuscatePassphrase"`
	E2EEAlgorithm          string `json:"e2eeAlgorithm"`
	PBKDF2Iterations       int    `json:"pbkdf2Iterations"`
	LocalDir               string `json:"localDir"`
	BaseDir                string `json:"baseDir"`
	DryRun                 bool   `json:"dryRun"`
	Concurrency            int    `json:"concurrency"`
	RequestTimeoutMillis   int    `json:"requestTimeoutMillis"`
	MaxConsecutiveFailures int    `json:"maxConsecutiveFailures"`
	ProgressEvery          int    `json:"progressEvery"`
	ReportDSN              string `json:"reportDSN"`
}

func Default() Config {
	return Config{
		E2EEAlgorithm:          e2ee.AlgorithmAESGCMV2,
		PBKDF2Iterations:       e2ee.DefaultIterations,
		LocalDir:               DefaultLocalDir,
		Concurrency:            mirror.DefaultConcurrency,
		RequestTimeoutMillis:   int(mirror.DefaultRequestTimeout / time.Millisecond),
		MaxConsecutiveFailures: mirror.DefaultMaxConsecutiveFailures,
		ProgressEvery:          mirror.DefaultProgressEvery,
	}
}

func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMillis) * time.Millisecond
}

// Finalize fills derived defaults and reports every problem at once.
func (c *Config) Finalize() error {
	c.URL = strings.TrimRight(strings.TrimSpace(c.URL), "/")
	c.Database = strings.TrimSpace(c.Database)
	if c.ObfuscatePassphrase == "" {
		c.ObfuscatePassphrase = c.Passphrase
	}
	if c.E2EEAlgorithm == "" {
		c.E2EEAlgorithm = e2ee.AlgorithmAESGCMV2
	}
	if c.PBKDF2Iterations <= 0 {
		c.PBKDF2Iterations = e2ee.DefaultIterations
	}
	if strings.TrimSpace(c.LocalDir) == "" {
		c.LocalDir = DefaultLocalDir
	}

	var missing []string
	for _, field := range []struct {
		name  string
		value string
	}{
		{"url", c.URL},
		{"database", c.Database},
		{"username", c.Username},
		{"password", c.Password},
		{"passphrase", c.Passphrase},
	} {
		if strings.TrimSpace(field.value) == "" {
			missing = append(missing, field.name)
		}
	}

	var errs []error
	if len(missing) > 0 {
		errs = append(errs, fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", ")))
	}
	if c.URL != "" {
		if u, err := url.Parse(c.URL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("url %q is not an absolute http(s) url", c.URL))
		}
	}
	if err := e2ee.CheckAlgorithm(c.E2EEAlgorithm); err != nil {
		errs = append(errs, err)
	}
	if c.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("concurrency must be positive, got %d", c.Concurrency))
	}
	if c.RequestTimeoutMillis <= 0 {
		errs = append(errs, fmt.Errorf("requestTimeoutMillis must be positive, got %d", c.RequestTimeoutMillis))
	}
	if c.MaxConsecutiveFailures <= 0 {
		errs = append(errs, fmt.Errorf("maxConsecutiveFailures must be positive, got %d", c.MaxConsecutiveFailures))
	}
	if c.ProgressEvery <= 0 {
		errs = append(errs, fmt.Errorf("progressEvery must be positive, got %d", c.ProgressEvery))
	}
	return errors.Join(errs...)
}

// Redacted returns a copy that is safe to print.
func (c Config) Redacted() Config {
	out := c
	for _, secret := range []*string{&out.Password, &out.Passphrase, &out.ObfuscatePassphrase} {
		if *secret != "" {
			*secret = redactedValue
		}
	}
	if u, err := url.Parse(out.ReportDSN); err == nil && u.User != nil {
		out.ReportDSN = u.Redacted()
	}
	return out
}

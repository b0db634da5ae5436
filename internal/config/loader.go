package config

import (
	"io"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	// envPrefix is stripped from environment overrides: MCPTEST_SERVER_URL
	// becomes server.url.
	envPrefix = "MCPTEST_"

	maxSuiteFileSize = 1 << 20
)

// Load reads the YAML suite file at path, applies MCPTEST_* environment
// overrides, fills defaults, and validates. The returned Config is ready for
// the orchestrator.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open suite file")
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "stat suite file")
	}
	if info.Size() > maxSuiteFileSize {
		return nil, errors.Newf("suite file exceeds %d bytes", maxSuiteFileSize)
	}

	content, err := io.ReadAll(io.LimitReader(f, maxSuiteFileSize))
	if err != nil {
		return nil, errors.Wrap(err, "read suite file")
	}

	return Parse(content)
}

// Parse builds a Config from raw YAML plus environment overrides.
func Parse(content []byte) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(rawbytes.Provider(content), kyaml.Parser()); err != nil {
		return nil, errors.Wrap(err, "parse suite YAML")
	}

	// Environment overrides: MCPTEST_AUTH_CLIENT_SECRET -> auth.client_secret.
	// Only the section separator (the first underscore) becomes a dot; the
	// rest of the key keeps its underscores.
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
		return strings.Replace(s, "_", ".", 1)
	}), nil); err != nil {
		return nil, errors.Wrap(err, "load environment overrides")
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal suite config")
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Package config loads the TOML configuration shared by the CLI and server.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/meigma/blobtree/internal/logging"
)

// Defaults applied before a file is decoded.
const (
	DefaultListen        = "127.0.0.1:8080"
	DefaultMaxSteps      = 10_000_000
	DefaultCacheMaxBytes = 256 << 20
)

// ErrInvalid is returned for configurations that decode but cannot be used.
var ErrInvalid = errors.New("config: invalid configuration")

// Config is the top-level configuration file.
type Config struct {
	Log     Log             `toml:"log"`
	Server  Server          `toml:"server"`
	Decode  Decode          `toml:"decode"`
	Cache   Cache           `toml:"cache"`
	Formats Formats         `toml:"formats"`
	Blobs   map[string]Blob `toml:"blobs"`
}

// Log selects the log handler.
type Log struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Server configures the HTTP API.
type Server struct {
	Listen string `toml:"listen"`
}

// Decode bounds decoder work.
type Decode struct {
	MaxSteps    uint64 `toml:"max_steps"`
	Concurrency int    `toml:"concurrency"`
}

// Cache configures the snapshot cache. An empty Dir disables it.
type Cache struct {
	Dir      string `toml:"dir"`
	MaxBytes int64  `toml:"max_bytes"`
}

// Formats lists HCL format description files.
type Formats struct {
	Descriptions []string `toml:"descriptions"`
}

// Blob names a blob served by the API. Exactly one of Path, URL and OCI is
// set; Zstd decompresses a local file before decoding.
type Blob struct {
	Path string `toml:"path"`
	URL  string `toml:"url"`
	OCI  string `toml:"oci"`
	Zstd bool   `toml:"zstd"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Log:    Log{Level: "info", Format: "text"},
		Server: Server{Listen: DefaultListen},
		Decode: Decode{MaxSteps: DefaultMaxSteps},
		Cache:  Cache{MaxBytes: DefaultCacheMaxBytes},
	}
}

// Load reads path over the defaults. Unknown keys are rejected, and relative
// paths in the file are resolved against the file's directory.
func Load(path string) (Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("failed to decode config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("%w: unknown keys in %s: %s", ErrInvalid, path, strings.Join(keys, ", "))
	}

	base := filepath.Dir(path)
	cfg.Cache.Dir = resolve(base, cfg.Cache.Dir)
	for i, d := range cfg.Formats.Descriptions {
		cfg.Formats.Descriptions[i] = resolve(base, d)
	}
	for name, b := range cfg.Blobs {
		b.Path = resolve(base, b.Path)
		cfg.Blobs[name] = b
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that decode fine but cannot be used.
func (c Config) Validate() error {
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: log.level: %v", ErrInvalid, err)
	}
	if !slices.Contains([]string{"text", "json"}, c.Log.Format) {
		return fmt.Errorf("%w: log.format must be \"text\" or \"json\", got %q", ErrInvalid, c.Log.Format)
	}
	if c.Decode.Concurrency < 0 {
		return fmt.Errorf("%w: decode.concurrency must be >= 0", ErrInvalid)
	}
	if c.Cache.MaxBytes < 0 {
		return fmt.Errorf("%w: cache.max_bytes must be >= 0", ErrInvalid)
	}
	for name, b := range c.Blobs {
		set := 0
		for _, v := range []string{b.Path, b.URL, b.OCI} {
			if v != "" {
				set++
			}
		}
		if set != 1 {
			return fmt.Errorf("%w: blob %q needs exactly one of path, url, oci", ErrInvalid, name)
		}
		if b.Zstd && b.Path == "" {
			return fmt.Errorf("%w: blob %q: zstd applies to local paths only", ErrInvalid, name)
		}
	}
	return nil
}

func resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

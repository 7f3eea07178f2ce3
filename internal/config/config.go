// Package config loads the minimal ambient configuration a tangramd
// server needs: where its data directory lives, the database backend,
// the indexer, watchdog, and tag-cache tunables, and the
// set of remotes it mirrors tags and objects from.
//
// Full CLI config loading (env var layering, XDG discovery, live
// reload) is deliberately not handled here; this is the seam the
// engine needs, loaded once at startup from a single YAML file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tangramdotdev/tangram/internal/object"
	"github.com/tangramdotdev/tangram/internal/terror"
)

// Remote describes one peer server this instance mirrors tags and
// objects from or to.
type Remote struct {
	Name     string `yaml:"name"`
	URL      string `yaml:"url"`
	Token    string `yaml:"token,omitempty"`
	CacheTTL int64  `yaml:"cache_ttl_seconds"`
}

// Config is the full set of knobs a tangramd process reads at startup.
type Config struct {
	// DataDir is the server's on-disk root: database, blobs/,
	// artifacts/, socket, lock, logs/.
	DataDir string `yaml:"data_dir"`

	// Host/Port serve the HTTP wire protocol over TCP; Socket serves it
	// over the UNIX-domain variant. Either or both may be
	// set; an empty Host/Port pair disables the TCP listener.
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	Socket bool   `yaml:"socket"`

	// BearerToken, when non-empty, is required on every request's
	// Authorization header.
	BearerToken string `yaml:"bearer_token,omitempty"`

	// Database selects the storage backend: an embedded local file or
	// an external endpoint.
	DatabaseBackend string `yaml:"database_backend"` // "sqlite" | "postgres"
	DatabaseDSN     string `yaml:"database_dsn"`

	// IndexerBatchInterval governs how often the indexer worker wakes
	// to drain the update queue.
	IndexerBatchInterval time.Duration `yaml:"indexer_batch_interval"`

	// ProcessWatchdogTTL and ProcessWatchdogInterval govern the
	// watchdog sweep.
	ProcessWatchdogTTL      time.Duration `yaml:"process_watchdog_ttl"`
	ProcessWatchdogInterval time.Duration `yaml:"process_watchdog_interval"`

	// TagCacheDefaultTTL is the age, in seconds, past which the clean
	// endpoint removes cached remote tag rows.
	TagCacheDefaultTTL int64 `yaml:"tag_cache_default_ttl_seconds"`

	// DirectoryLimits bounds directory B-tree fan-out.
	DirectoryLimits object.DirectoryLimits `yaml:"directory_limits"`

	// CleanInterval governs how often the store's cleaner worker sweeps
	// unreferenced objects. Expired tag cache rows are removed only by
	// the clean endpoint.
	CleanInterval time.Duration `yaml:"clean_interval"`

	// RunnerConcurrency bounds how many processes the runner executes at
	// once.
	RunnerConcurrency int `yaml:"runner_concurrency"`

	Remotes []Remote `yaml:"remotes"`
}

// Default returns a Config with every tunable set to a sane standalone
// default: a single-node sqlite-backed server with no remotes.
func Default(dataDir string) Config {
	return Config{
		DataDir:                 dataDir,
		Host:                    "localhost",
		Port:                    8476,
		Socket:                  true,
		DatabaseBackend:         "sqlite",
		DatabaseDSN:             filepath.Join(dataDir, "database"),
		IndexerBatchInterval:    200 * time.Millisecond,
		ProcessWatchdogTTL:      30 * time.Second,
		ProcessWatchdogInterval: 5 * time.Second,
		TagCacheDefaultTTL:      60,
		DirectoryLimits: object.DirectoryLimits{
			MaxLeafEntries:    1024,
			MaxBranchChildren: 64,
		},
		CleanInterval:     time.Minute,
		RunnerConcurrency: 8,
	}
}

// Load reads and parses a YAML config file at path, filling any field
// left zero with Default(dataDir)'s value.
func Load(path string) (Config, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return Config{}, terror.Wrap(terror.IO, fmt.Sprintf("failed to read config file %q", path), err)
	}
	cfg := Default(filepath.Dir(path))
	defaultDSN := cfg.DatabaseDSN
	if err := yaml.Unmarshal(body, &cfg); err != nil {
		return Config{}, terror.Wrap(terror.Internal, "failed to parse config file", err)
	}
	if cfg.DataDir == "" {
		return Config{}, terror.New(terror.Internal, "config: data_dir must be set")
	}
	if cfg.DatabaseDSN == defaultDSN {
		cfg.DatabaseDSN = Default(cfg.DataDir).DatabaseDSN
	}
	return cfg, nil
}

// SocketPath is the `socket` file under the data directory.
func (c Config) SocketPath() string { return filepath.Join(c.DataDir, "socket") }

// LockPath is the `lock` file under the data directory.
func (c Config) LockPath() string { return filepath.Join(c.DataDir, "lock") }

// LogDir is the `logs/` directory under the data directory.
func (c Config) LogDir() string { return filepath.Join(c.DataDir, "logs") }

// ArtifactsDir is the `artifacts/` directory for materialized checkouts.
func (c Config) ArtifactsDir() string { return filepath.Join(c.DataDir, "artifacts") }

// EnsureLayout creates every directory of the on-disk layout under DataDir.
func (c Config) EnsureLayout() error {
	for _, dir := range []string{c.DataDir, c.LogDir(), c.ArtifactsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return terror.Wrap(terror.IO, fmt.Sprintf("failed to create directory %q", dir), err)
		}
	}
	return nil
}

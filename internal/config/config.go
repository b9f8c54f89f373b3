package config

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"

	"github.com/Ning0612/cloudmirror/internal/cache"
	"github.com/Ning0612/cloudmirror/internal/domain"
	"github.com/Ning0612/cloudmirror/internal/logger"
)

const (
	// NodeDBName is the node store inside the state directory
	NodeDBName = "nodes.db"

	// StateDBName is the run history and tree snapshot database
	StateDBName = "cloudmirror.db"
)

// Config represents the complete configuration for cloudmirror
type Config struct {
	Cache CacheConfig `mapstructure:"cache"`
	Store StoreConfig `mapstructure:"store"`
	Sync  SyncConfig  `mapstructure:"sync"`
	Log   LogConfig   `mapstructure:"log"`
}

// CacheConfig tunes the node cache
type CacheConfig struct {
	LRUMaxSize                 int `mapstructure:"lru_max_size"`
	NegativeFingerprintEntries int `mapstructure:"negative_fingerprint_entries"`
}

// StoreConfig locates persistent state
type StoreConfig struct {
	// Path is the state directory holding the databases and the lock file
	Path string `mapstructure:"path"`
}

// SyncConfig describes the local side of the sync
type SyncConfig struct {
	// Root is the local sync root
	Root string `mapstructure:"root"`

	// Debris is the local trash folder, relative to Root
	Debris string `mapstructure:"debris"`

	// Exclude lists glob patterns of paths (relative to Root) never synced
	Exclude []string `mapstructure:"exclude"`

	matchers []glob.Glob
}

// LogConfig selects log level, format and an optional rotating file
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// Validate checks if the configuration is complete and consistent.
// It also compiles the exclude patterns.
func (c *Config) Validate() error {
	if c.Cache.LRUMaxSize < 0 {
		return fmt.Errorf("%w: cache.lru_max_size must not be negative: %d", domain.ErrConfigInvalid, c.Cache.LRUMaxSize)
	}
	if c.Cache.NegativeFingerprintEntries <= 0 {
		return fmt.Errorf("%w: cache.negative_fingerprint_entries must be positive: %d",
			domain.ErrConfigInvalid, c.Cache.NegativeFingerprintEntries)
	}

	if c.Store.Path == "" {
		return fmt.Errorf("%w: store.path cannot be empty", domain.ErrConfigInvalid)
	}

	debris := filepath.ToSlash(c.Sync.Debris)
	if path.IsAbs(debris) || filepath.IsAbs(c.Sync.Debris) || strings.HasPrefix(path.Clean(debris), "..") {
		return fmt.Errorf("%w: sync.debris must be relative to the sync root: %s", domain.ErrConfigInvalid, c.Sync.Debris)
	}

	c.Sync.matchers = c.Sync.matchers[:0]
	for _, pattern := range c.Sync.Exclude {
		if pattern == "" {
			return fmt.Errorf("%w: empty exclude pattern", domain.ErrConfigInvalid)
		}
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return fmt.Errorf("%w: exclude pattern %q: %v", domain.ErrConfigInvalid, pattern, err)
		}
		c.Sync.matchers = append(c.Sync.matchers, g)
	}

	if !logger.ValidLevel(c.Log.Level) {
		return fmt.Errorf("%w: unknown log level: %s", domain.ErrConfigInvalid, c.Log.Level)
	}
	if f := strings.ToLower(c.Log.Format); f != "text" && f != "json" {
		return fmt.Errorf("%w: unknown log format: %s", domain.ErrConfigInvalid, c.Log.Format)
	}

	return nil
}

// RequireRoot fails unless a sync root is configured
func (c *Config) RequireRoot() error {
	if c.Sync.Root == "" {
		return fmt.Errorf("%w: sync.root is required", domain.ErrConfigInvalid)
	}
	return nil
}

// Syncable reports whether rel, a slash-separated path below the sync root,
// escapes every exclude pattern. A pattern matches the whole path or its
// final component.
func (s *SyncConfig) Syncable(rel string) bool {
	base := path.Base(rel)
	for _, g := range s.matchers {
		if g.Match(rel) || g.Match(base) {
			return false
		}
	}
	return true
}

// RootPath returns the expanded sync root
func (c *Config) RootPath() string {
	return ExpandPath(c.Sync.Root)
}

// StateDir returns the expanded state directory
func (c *Config) StateDir() string {
	return ExpandPath(c.Store.Path)
}

// NodeDBPath returns the node store database path
func (c *Config) NodeDBPath() string {
	return filepath.Join(c.StateDir(), NodeDBName)
}

// StateDBPath returns the history database path
func (c *Config) StateDBPath() string {
	return filepath.Join(c.StateDir(), StateDBName)
}

// CacheSettings converts the cache section for cache.New
func (c *Config) CacheSettings() cache.Config {
	return cache.Config{
		LRUMaxSize:      c.Cache.LRUMaxSize,
		NegativeEntries: c.Cache.NegativeFingerprintEntries,
	}
}

// LoggerSettings converts the log section for logger.Init
func (c *Config) LoggerSettings() logger.Config {
	return logger.NewConfig(c.Log.Level, c.Log.Format, ExpandPath(c.Log.File))
}

// ExpandPath expands ~ and environment variables in a path
func ExpandPath(p string) string {
	if p == "" {
		return ""
	}
	if p[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			if len(p) > 1 && (p[1] == '/' || p[1] == filepath.Separator) {
				p = filepath.Join(home, p[2:])
			} else if len(p) == 1 {
				p = home
			}
		}
	}
	return filepath.Clean(os.ExpandEnv(p))
}

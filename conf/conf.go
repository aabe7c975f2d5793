// Package conf loads the server configuration from TOML and keeps the
// items that may change at runtime.
package conf

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/matrix-construct/construct-sub013/utils"
)

var ErrInvalid = errors.New("construct: invalid configuration")

type Log struct {
	Level string `toml:"level"`
}

type DB struct {
	Path string `toml:"path"`
	// pebble block cache, bytes
	CacheSize    int64 `toml:"cache_size"`
	MaxOpenFiles int   `toml:"max_open_files"`
	IDCacheSize  int   `toml:"id_cache_size"`
	HorizonPage  int   `toml:"horizon_page"`
	Sync         bool  `toml:"sync"`
}

type VM struct {
	FetchAuth      bool          `toml:"fetch_auth"`
	FetchPrev      bool          `toml:"fetch_prev"`
	FetchRetries   int           `toml:"fetch_retries"`
	FetchTimeout   time.Duration `toml:"fetch_timeout"`
	RequireAnyPrev bool          `toml:"require_any_prev"`
	RequireAllPrev bool          `toml:"require_all_prev"`
	// conformity names tolerated on every evaluation, e.g. "MISSING_SIGNATURES"
	NonConform []string `toml:"non_conform"`
}

type Bootstrap struct {
	QueueLimit int           `toml:"queue_limit"`
	BatchBytes int           `toml:"batch_bytes"`
	BatchWait  time.Duration `toml:"batch_wait"`
	Report     time.Duration `toml:"report"`
	Workers    int           `toml:"workers"`
	Limit      int           `toml:"limit"`
	MaxPages   int           `toml:"max_pages"`
}

type Metrics struct {
	// address of the prometheus endpoint; empty disables it
	Listen string `toml:"listen"`
}

type Config struct {
	// server name of this homeserver
	Origin      string `toml:"origin"`
	KeyID       string `toml:"key_id"`
	// file holding the hex ed25519 seed
	KeyFile     string `toml:"key_file"`
	RoomVersion string `toml:"room_version"`

	Log       Log       `toml:"log"`
	DB        DB        `toml:"db"`
	VM        VM        `toml:"vm"`
	Bootstrap Bootstrap `toml:"bootstrap"`
	Metrics   Metrics   `toml:"metrics"`
}

func Default() *Config {
	return &Config{
		KeyID:       "ed25519:auto",
		RoomVersion: "10",
		Log:         Log{Level: "info"},
		DB: DB{
			Path:         "construct.db",
			CacheSize:    64 << 20,
			MaxOpenFiles: 1024,
			IDCacheSize:  1 << 16,
			HorizonPage:  32,
		},
		VM: VM{
			FetchAuth:    true,
			FetchPrev:    true,
			FetchRetries: 2,
			FetchTimeout: 30 * time.Second,
		},
		Bootstrap: Bootstrap{
			QueueLimit: 4096,
			BatchBytes: 1 << 20,
			BatchWait:  100 * time.Millisecond,
			Report:     5 * time.Second,
			Workers:    4,
			Limit:      64,
			MaxPages:   16,
		},
	}
}

// Load reads path over the defaults. A missing file yields the defaults;
// unknown keys are an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	md, err := toml.DecodeFile(path, cfg)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("%w: unknown keys %s", ErrInvalid, strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Origin != "" && strings.ContainsAny(c.Origin, " /@!$") {
		errs = append(errs, fmt.Errorf("%w: origin %q", ErrInvalid, c.Origin))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.DB.Path == "" {
		errs = append(errs, fmt.Errorf("%w: db.path is empty", ErrInvalid))
	}
	if c.VM.FetchRetries < 0 {
		errs = append(errs, fmt.Errorf("%w: vm.fetch_retries %d", ErrInvalid, c.VM.FetchRetries))
	}
	if c.VM.RequireAllPrev && c.VM.RequireAnyPrev {
		errs = append(errs, fmt.Errorf("%w: require_all_prev and require_any_prev are exclusive", ErrInvalid))
	}
	if c.Bootstrap.Workers < 0 {
		errs = append(errs, fmt.Errorf("%w: bootstrap.workers %d", ErrInvalid, c.Bootstrap.Workers))
	}
	return errors.Join(errs...)
}

// Encode writes c as TOML, e.g. to produce a starting configuration file.
func (c *Config) Encode(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}

// ParseLevel accepts debug, info, warn, error and critical.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	case "critical":
		return utils.LevelCritical, nil
	}
	return 0, fmt.Errorf("%w: log level %q", ErrInvalid, s)
}

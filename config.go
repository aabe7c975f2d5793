package construct

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/cockroachdb/pebble"

	"github.com/matrix-construct/construct-sub013/conf"
	"github.com/matrix-construct/construct-sub013/event"
	"github.com/matrix-construct/construct-sub013/utils"
	"github.com/matrix-construct/construct-sub013/vm"
)

var ErrBadKey = errors.New("construct: bad signing key file")

// LoadKey reads a hex ed25519 seed from path, creating the file with a
// fresh seed when it does not exist.
func LoadKey(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		seed := make([]byte, ed25519.SeedSize)
		if _, err := io.ReadFull(rand.Reader, seed); err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, []byte(hex.EncodeToString(seed)+"\n"), 0o600); err != nil {
			return nil, err
		}
		return ed25519.NewKeyFromSeed(seed), nil
	}
	if err != nil {
		return nil, err
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: %s", ErrBadKey, path)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// OptionsFromConfig turns a configuration into Options. The returned
// level controls the logger and is what Bind changes.
func OptionsFromConfig(cfg *conf.Config, w io.Writer) (Options, *slog.LevelVar, error) {
	var opts Options
	l, err := conf.ParseLevel(cfg.Log.Level)
	if err != nil {
		return opts, nil, err
	}
	level := new(slog.LevelVar)
	level.Set(l)
	opts.Logger = utils.NewWriterLogger(w, level)

	opts.Options = pebble.Options{MaxOpenFiles: cfg.DB.MaxOpenFiles}
	opts.CacheSize = cfg.DB.CacheSize
	opts.IDCacheSize = cfg.DB.IDCacheSize
	opts.HorizonPage = cfg.DB.HorizonPage
	opts.Sync = cfg.DB.Sync

	opts.Origin = cfg.Origin
	opts.KeyID = cfg.KeyID
	opts.RoomVersion = cfg.RoomVersion
	if cfg.KeyFile != "" {
		if opts.Key, err = LoadKey(cfg.KeyFile); err != nil {
			return opts, nil, err
		}
	}

	nonConform, err := event.ParseConformity(cfg.VM.NonConform...)
	if err != nil {
		return opts, nil, err
	}
	opts.Eval = vm.Opts{
		NonConform:     nonConform,
		FetchAuth:      cfg.VM.FetchAuth,
		FetchPrev:      cfg.VM.FetchPrev,
		FetchRetries:   cfg.VM.FetchRetries,
		FetchTimeout:   cfg.VM.FetchTimeout,
		RequireAnyPrev: cfg.VM.RequireAnyPrev,
		RequireAllPrev: cfg.VM.RequireAllPrev,
	}

	b := cfg.Bootstrap
	opts.Bootstrap.QueueLimit = b.QueueLimit
	opts.Bootstrap.BatchBytes = b.BatchBytes
	opts.Bootstrap.BatchWait = b.BatchWait
	opts.Bootstrap.Report = b.Report
	opts.Backfill.Workers = b.Workers
	opts.Backfill.Limit = b.Limit
	opts.Backfill.MaxPages = b.MaxPages
	return opts, level, nil
}

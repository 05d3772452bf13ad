// Package config loads offsync settings.
//
// Sources are layered by viper (config file, OFFSYNC_* environment
// variables, bound command-line flags). Only keys that are explicitly set
// are handed to the CUE schema in schema.cue, which fills defaults and
// enforces constraints before the result is decoded into Config.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/roach88/offsync/internal/scheduler"
)

//go:embed schema.cue
var schemaSource string

// EnvPrefix prefixes environment overrides: sync.max_retries is read from
// OFFSYNC_SYNC_MAX_RETRIES.
const EnvPrefix = "OFFSYNC"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the validated configuration.
type Config struct {
	Sync      SyncConfig
	Scheduler SchedulerConfig
	Remote    RemoteConfig
	Store     StoreConfig
	Log       LogConfig
	Archive   ArchiveConfig

	// File is the config file that was read, if any.
	File string
}

type SyncConfig struct {
	MaxRetries    int
	BaseDelay     time.Duration
	BatchSize     int
	RemoteTimeout time.Duration
	LeaseTTL      time.Duration
}

type SchedulerConfig struct {
	Interval    time.Duration
	TriggerFile string
}

type RemoteConfig struct {
	URL   string
	Token string
}

type StoreConfig struct {
	Path string
}

type LogConfig struct {
	Level  string
	Format string
	File   string
}

// ArchiveConfig selects where purge writes terminal rows. Dir takes
// precedence over Bucket.
type ArchiveConfig struct {
	Dir       string
	Bucket    string
	Endpoint  string
	AccessKey string
	SecretKey string
	Secure    bool
}

type kind int

const (
	kindString kind = iota
	kindInt
	kindBool
)

// keys lists every supported setting.
var keys = map[string]kind{
	"sync.max_retries":    kindInt,
	"sync.base_delay":     kindString,
	"sync.batch_size":     kindInt,
	"sync.remote_timeout": kindString,
	"sync.lease_ttl":      kindString,

	"scheduler.interval":     kindString,
	"scheduler.trigger_file": kindString,

	"remote.url":   kindString,
	"remote.token": kindString,

	"store.path": kindString,

	"log.level":  kindString,
	"log.format": kindString,
	"log.file":   kindString,

	"archive.dir":        kindString,
	"archive.bucket":     kindString,
	"archive.endpoint":   kindString,
	"archive.access_key": kindString,
	"archive.secret_key": kindString,
	"archive.secure":     kindBool,
}

// LoadOptions controls where settings come from.
type LoadOptions struct {
	// File is an explicit config file. When empty, offsync.{yaml,toml,json}
	// in the working directory is used if present.
	File string

	// Flags binds config keys to command-line flags. Only flags the user
	// changed override other sources.
	Flags map[string]*pflag.Flag
}

// Load reads, validates and decodes the configuration.
func Load(opts LoadOptions) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.File != "" {
		v.SetConfigFile(opts.File)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", opts.File, err)
		}
	} else {
		v.SetConfigName("offsync")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	for key, flag := range opts.Flags {
		if _, ok := keys[key]; !ok {
			return Config{}, fmt.Errorf("%w: flag bound to unknown key %q", ErrInvalid, key)
		}
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return Config{}, fmt.Errorf("bind flag %s: %w", key, err)
		}
	}

	for _, key := range v.AllKeys() {
		if _, ok := keys[key]; !ok {
			return Config{}, fmt.Errorf("%w: unknown key %q", ErrInvalid, key)
		}
	}

	settings := make(map[string]any)
	for key, k := range keys {
		if !v.IsSet(key) {
			continue
		}
		var val any
		switch k {
		case kindInt:
			val = v.GetInt(key)
		case kindBool:
			val = v.GetBool(key)
		default:
			val = v.GetString(key)
		}
		setPath(settings, key, val)
	}

	cfg, err := fromSettings(settings)
	if err != nil {
		return Config{}, err
	}
	cfg.File = v.ConfigFileUsed()
	return cfg, nil
}

// Default returns the configuration with no sources applied.
func Default() Config {
	cfg, err := fromSettings(map[string]any{})
	if err != nil {
		panic(fmt.Sprintf("config schema defaults invalid: %v", err))
	}
	return cfg
}

func setPath(m map[string]any, key string, val any) {
	parts := strings.Split(key, ".")
	for _, p := range parts[:len(parts)-1] {
		next, ok := m[p].(map[string]any)
		if !ok {
			next = make(map[string]any)
			m[p] = next
		}
		m = next
	}
	m[parts[len(parts)-1]] = val
}

// raw mirrors the schema for decoding.
type raw struct {
	Sync struct {
		MaxRetries    int    `json:"max_retries"`
		BaseDelay     string `json:"base_delay"`
		BatchSize     int    `json:"batch_size"`
		RemoteTimeout string `json:"remote_timeout"`
		LeaseTTL      string `json:"lease_ttl"`
	} `json:"sync"`
	Scheduler struct {
		Interval    string `json:"interval"`
		TriggerFile string `json:"trigger_file"`
	} `json:"scheduler"`
	Remote struct {
		URL   string `json:"url"`
		Token string `json:"token"`
	} `json:"remote"`
	Store struct {
		Path string `json:"path"`
	} `json:"store"`
	Log struct {
		Level  string `json:"level"`
		Format string `json:"format"`
		File   string `json:"file"`
	} `json:"log"`
	Archive struct {
		Dir       string `json:"dir"`
		Bucket    string `json:"bucket"`
		Endpoint  string `json:"endpoint"`
		AccessKey string `json:"access_key"`
		SecretKey string `json:"secret_key"`
		Secure    bool   `json:"secure"`
	} `json:"archive"`
}

func fromSettings(settings map[string]any) (Config, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return Config{}, fmt.Errorf("compile schema: %w", err)
	}

	data := ctx.Encode(settings)
	if err := data.Err(); err != nil {
		return Config{}, fmt.Errorf("%w: %s", ErrInvalid, details(err))
	}

	v := schema.LookupPath(cue.ParsePath("#Config")).Unify(data)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return Config{}, fmt.Errorf("%w: %s", ErrInvalid, details(err))
	}

	var r raw
	if err := v.Decode(&r); err != nil {
		return Config{}, fmt.Errorf("%w: %s", ErrInvalid, details(err))
	}
	return r.typed()
}

func details(err error) string {
	return strings.TrimSpace(cueerrors.Details(err, nil))
}

func (r raw) typed() (Config, error) {
	var errs []error
	duration := func(key, s string) time.Duration {
		d, err := time.ParseDuration(s)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return 0
		}
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s: must be positive, got %s", key, s))
		}
		return d
	}

	cfg := Config{
		Sync: SyncConfig{
			MaxRetries:    r.Sync.MaxRetries,
			BaseDelay:     duration("sync.base_delay", r.Sync.BaseDelay),
			BatchSize:     r.Sync.BatchSize,
			RemoteTimeout: duration("sync.remote_timeout", r.Sync.RemoteTimeout),
			LeaseTTL:      duration("sync.lease_ttl", r.Sync.LeaseTTL),
		},
		Scheduler: SchedulerConfig{
			Interval:    duration("scheduler.interval", r.Scheduler.Interval),
			TriggerFile: r.Scheduler.TriggerFile,
		},
		Remote: RemoteConfig{URL: r.Remote.URL, Token: r.Remote.Token},
		Store:  StoreConfig{Path: r.Store.Path},
		Log: LogConfig{
			Level:  r.Log.Level,
			Format: r.Log.Format,
			File:   r.Log.File,
		},
		Archive: ArchiveConfig{
			Dir:       r.Archive.Dir,
			Bucket:    r.Archive.Bucket,
			Endpoint:  r.Archive.Endpoint,
			AccessKey: r.Archive.AccessKey,
			SecretKey: r.Archive.SecretKey,
			Secure:    r.Archive.Secure,
		},
	}

	if cfg.Scheduler.Interval > 0 && cfg.Scheduler.Interval < scheduler.MinInterval {
		errs = append(errs, fmt.Errorf("scheduler.interval: must be at least %s, got %s",
			scheduler.MinInterval, r.Scheduler.Interval))
	}
	if cfg.Archive.Bucket != "" && cfg.Archive.Endpoint == "" {
		errs = append(errs, errors.New("archive.endpoint: required when archive.bucket is set"))
	}

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return cfg, nil
}

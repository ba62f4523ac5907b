// Package config reads unit-of-work settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// StorageDriver identifies a concrete storage adapter implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
)

// JournalDriver selects where the save journal is written.
type JournalDriver string

const (
	JournalNone       JournalDriver = "none"
	JournalMemory     JournalDriver = "memory"
	JournalFilesystem JournalDriver = "fs"
	JournalS3         JournalDriver = "s3"
)

// Defaults applied by FromEnv.
const (
	DefaultSQLitePath      = "uow.db"
	DefaultLogLevel        = "info"
	DefaultQueryCacheSize  = 1024
	DefaultCheckpointLimit = 50
	DefaultJournalFSRoot   = "./journal-data"
)

// JournalConfig configures the blob store behind the save journal.
type JournalConfig struct {
	Driver      JournalDriver
	FSRoot      string
	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3PathStyle bool
}

// Enabled reports whether a journal should be opened.
func (c JournalConfig) Enabled() bool { return c.Driver != "" && c.Driver != JournalNone }

// Config is the full set of environment-driven settings.
type Config struct {
	StorageDriver   StorageDriver
	SQLitePath      string
	PostgresDSN     string
	LogLevel        string
	QueryCacheTTL   time.Duration
	QueryCacheSize  int
	CheckpointLimit int
	Journal         JournalConfig
}

// Default returns the configuration used when no variables are set.
func Default() Config {
	return Config{
		StorageDriver:   StorageMemory,
		SQLitePath:      DefaultSQLitePath,
		LogLevel:        DefaultLogLevel,
		QueryCacheSize:  DefaultQueryCacheSize,
		CheckpointLimit: DefaultCheckpointLimit,
		Journal:         JournalConfig{Driver: JournalNone, FSRoot: DefaultJournalFSRoot},
	}
}

// FromEnv builds a Config from the process environment.
//
//	UOW_STORAGE_DRIVER: memory|sqlite|postgres (default memory)
//	UOW_SQLITE_PATH: path to sqlite file (default ./uow.db)
//	UOW_POSTGRES_DSN: postgres DSN when driver=postgres
//	UOW_LOG_LEVEL: debug|info|warn|error (default info)
//	UOW_QUERY_CACHE_TTL: Go duration, 0 or unset disables the cache
//	UOW_QUERY_CACHE_SIZE: maximum cached queries (default 1024)
//	UOW_CHECKPOINT_LIMIT: checkpoint ring capacity (default 50)
//	UOW_JOURNAL_DRIVER: none|memory|fs|s3 (default none)
//	UOW_JOURNAL_FS_ROOT: journal directory when driver=fs
//	UOW_JOURNAL_S3_BUCKET, UOW_JOURNAL_S3_REGION, UOW_JOURNAL_S3_ENDPOINT,
//	UOW_JOURNAL_S3_PATH_STYLE: journal bucket when driver=s3
func FromEnv() (Config, error) {
	return fromLookup(os.LookupEnv)
}

func fromLookup(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	get := func(name string) (string, bool) {
		v, ok := lookup(name)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	if v, ok := get("UOW_STORAGE_DRIVER"); ok {
		cfg.StorageDriver = StorageDriver(strings.ToLower(v))
	}
	switch cfg.StorageDriver {
	case StorageMemory, StorageSQLite, StoragePostgres:
	default:
		return Config{}, fmt.Errorf("unknown storage driver %s", cfg.StorageDriver)
	}
	if v, ok := get("UOW_SQLITE_PATH"); ok {
		cfg.SQLitePath = v
	}
	if v, ok := get("UOW_POSTGRES_DSN"); ok {
		cfg.PostgresDSN = v
	}
	if v, ok := get("UOW_LOG_LEVEL"); ok {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v, ok := get("UOW_QUERY_CACHE_TTL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return Config{}, fmt.Errorf("invalid UOW_QUERY_CACHE_TTL %q", v)
		}
		cfg.QueryCacheTTL = d
	}
	var err error
	if cfg.QueryCacheSize, err = positiveInt(get, "UOW_QUERY_CACHE_SIZE", cfg.QueryCacheSize); err != nil {
		return Config{}, err
	}
	if cfg.CheckpointLimit, err = positiveInt(get, "UOW_CHECKPOINT_LIMIT", cfg.CheckpointLimit); err != nil {
		return Config{}, err
	}
	if v, ok := get("UOW_JOURNAL_DRIVER"); ok {
		cfg.Journal.Driver = JournalDriver(strings.ToLower(v))
	}
	switch cfg.Journal.Driver {
	case JournalNone, JournalMemory, JournalFilesystem, JournalS3:
	default:
		return Config{}, fmt.Errorf("unknown journal driver %s", cfg.Journal.Driver)
	}
	if v, ok := get("UOW_JOURNAL_FS_ROOT"); ok {
		cfg.Journal.FSRoot = v
	}
	cfg.Journal.S3Bucket, _ = get("UOW_JOURNAL_S3_BUCKET")
	cfg.Journal.S3Region, _ = get("UOW_JOURNAL_S3_REGION")
	cfg.Journal.S3Endpoint, _ = get("UOW_JOURNAL_S3_ENDPOINT")
	if v, ok := get("UOW_JOURNAL_S3_PATH_STYLE"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid UOW_JOURNAL_S3_PATH_STYLE %q", v)
		}
		cfg.Journal.S3PathStyle = b
	}
	if cfg.Journal.Driver == JournalS3 && cfg.Journal.S3Bucket == "" {
		return Config{}, fmt.Errorf("UOW_JOURNAL_S3_BUCKET required when journal driver is s3")
	}
	return cfg, nil
}

func positiveInt(get func(string) (string, bool), name string, def int) (int, error) {
	v, ok := get(name)
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s %q", name, v)
	}
	return n, nil
}

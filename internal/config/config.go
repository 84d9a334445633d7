// Package config is the external configuration store for the object
// database: namespaced key/value pairs persisted as YAML inside the data
// directory, read through viper with environment override.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

const (
	configFileName = "config.yaml"

	// Storage marker written by Configure and verified by CheckConfig.
	storageKindKey    = "objects.kind"
	storageVersionKey = "objects.version"
	storageKind       = "kv"
	storageVersion    = "0.1"

	// Engine keys.
	KeyEngine        = "kv.engine"
	KeyTransactional = "kv.transactional"

	// KeyBulkPartition governs the chunk size of bulk reads and deletes.
	KeyBulkPartition = "kv.bulkpartition"

	// KeySerialBuffer governs the serialize-buffer (insert batch) size.
	KeySerialBuffer = "kv.serialbuffer"

	KeyMetricsEnable = "metrics.enable"

	DefaultBulkPartition = 10 * 1000
	DefaultSerialBuffer  = 8 * 1024
)

// ErrIncompatibleStorage is returned by CheckConfig when the data directory
// was configured for a different storage kind or version.
var ErrIncompatibleStorage = errors.New("config: incompatible object storage configuration")

// Store is one data directory's configuration.
type Store struct {
	v    *viper.Viper
	path string
}

// Open reads (creating if absent) the config file under dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("config: create data dir: %w", err)
	}

	v := viper.New()
	path := filepath.Join(dir, configFileName)
	v.SetConfigFile(path)
	v.SetEnvPrefix("REVGRAPH")
	v.AutomaticEnv()

	setDefaults(v)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	return &Store{v: v, path: path}, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(KeyEngine, "badger")
	v.SetDefault(KeyTransactional, true)
	v.SetDefault(KeyBulkPartition, DefaultBulkPartition)
	v.SetDefault(KeySerialBuffer, DefaultSerialBuffer)
	v.SetDefault(KeyMetricsEnable, false)
}

// GetString returns the value for key, or def when unset.
func (s *Store) GetString(key, def string) string {
	if !s.v.IsSet(key) {
		return def
	}
	return s.v.GetString(key)
}

// GetInt returns the integer value for key, or def when unset or
// non-positive.
func (s *Store) GetInt(key string, def int) int {
	n := s.v.GetInt(key)
	if n <= 0 {
		return def
	}
	return n
}

func (s *Store) GetBool(key string) bool {
	return s.v.GetBool(key)
}

// Set stores key → value and persists the config file.
func (s *Store) Set(key string, value interface{}) error {
	s.v.Set(key, value)
	if err := s.v.WriteConfigAs(s.path); err != nil {
		return fmt.Errorf("config: write %s: %w", s.path, err)
	}
	return nil
}

// Configure writes the storage-kind marker for this data directory.
func (s *Store) Configure() error {
	if err := s.Set(storageKindKey, storageKind); err != nil {
		return err
	}
	return s.Set(storageVersionKey, storageVersion)
}

// CheckConfig verifies the storage-kind marker. A directory that was never
// configured passes; a directory configured for another kind or version does
// not.
func (s *Store) CheckConfig() error {
	kind := s.GetString(storageKindKey, "")
	version := s.GetString(storageVersionKey, "")
	if kind == "" && version == "" {
		return nil
	}
	if kind != storageKind || version != storageVersion {
		return fmt.Errorf("%w: found %s/%s, want %s/%s",
			ErrIncompatibleStorage, kind, version, storageKind, storageVersion)
	}
	return nil
}

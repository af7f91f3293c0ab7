// Package store holds the bot's persistent state: a string keyed value store
// and the relay mapping table kept on top of it.
package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

var logger = logrus.NewEntry(logrus.StandardLogger()).WithField("prefix", "store")

func SetLogger(l *logrus.Entry) {
	logger = l
}

// KV is a persistent string keyed store.
type KV interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Close() error
}

const (
	DriverBolt   = "bolt"
	DriverSQLite = "sqlite"
)

// Open opens the store for driver at path, creating parent directories.
func Open(driver, path string) (KV, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	switch driver {
	case DriverBolt, "":
		return OpenBolt(path)
	case DriverSQLite:
		return OpenSQLite(path)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

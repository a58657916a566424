package database

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

const (
	StorePostgres = "postgres"
	StoreBadger   = "badger"
	StoreMemory   = "memory"
)

type Options struct {
	Store      string
	DSN        string
	BadgerPath string
}

// Open connects to the backend selected by opts.Store. The postgres backend
// is migrated to the latest schema before it is returned.
func Open(opts Options, logger *logrus.Logger) (ForumRepository, error) {
	switch opts.Store {
	case StorePostgres:
		if err := Migrate(opts.DSN, logger); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return NewPgForumRepository(opts.DSN)
	case StoreBadger:
		return NewBadgerForumRepository(opts.BadgerPath, logger)
	case StoreMemory:
		return NewMemoryForumRepository(), nil
	default:
		return nil, fmt.Errorf("unknown store %q", opts.Store)
	}
}

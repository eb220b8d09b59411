package database

import (
	"github.com/spf13/afero"

	"github.com/zzenonn/shardb/internal/lock"
	"github.com/zzenonn/shardb/internal/placement"
)

// Option customises a Database at Open.
type Option func(*Database)

// WithFs replaces the operating system filesystem.
func WithFs(fs afero.Fs) Option {
	return func(db *Database) {
		db.fs = fs
	}
}

// WithPlacer overrides the placement strategy chosen from the configuration.
func WithPlacer(p placement.Placer) Option {
	return func(db *Database) {
		db.placer = p
	}
}

// WithSleeper replaces the wait between lock attempts.
func WithSleeper(s lock.Sleeper) Option {
	return func(db *Database) {
		db.sleeper = s
	}
}

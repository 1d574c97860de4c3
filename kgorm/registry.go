package kgorm

import (
	"fmt"
	"sync"

	"gorm.io/gorm"
)

// DialectorOpener is an alias for a function that returns a gorm.Dialector for a given DSN.
type DialectorOpener = func(string) gorm.Dialector

var (
	registryMu sync.RWMutex
	providers  = make(map[string]DialectorOpener)
)

// Register adds a database dialect to the registry. sqlite, postgres and
// mysql are registered by default.
func Register(name string, opener DialectorOpener) {
	registryMu.Lock()
	defer registryMu.Unlock()
	providers[name] = opener
}

type options struct {
	gormConfig  *gorm.Config
	skipMigrate bool
}

// Option configures Open.
type Option func(*options)

// WithGormConfig replaces the default gorm configuration. Duplicate key
// errors are always translated.
func WithGormConfig(c *gorm.Config) Option {
	return func(o *options) { o.gormConfig = c }
}

// WithoutMigration skips AutoMigrate, for schemas managed elsewhere.
func WithoutMigration() Option {
	return func(o *options) { o.skipMigrate = true }
}

// Open connects to the database registered under name and migrates the
// userkey tables.
func Open(name, dsn string, opts ...Option) (*Repository, error) {
	registryMu.RLock()
	opener, ok := providers[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("gorm: unknown storage provider %q", name)
	}

	o := &options{gormConfig: &gorm.Config{}}
	for _, opt := range opts {
		opt(o)
	}
	o.gormConfig.TranslateError = true

	db, err := gorm.Open(opener(dsn), o.gormConfig)
	if err != nil {
		return nil, err
	}

	repo := NewRepository(db)
	if !o.skipMigrate {
		if err := repo.AutoMigrate(); err != nil {
			return nil, err
		}
	}
	return repo, nil
}

package sqlstore

import (
	"log/slog"
	"time"
)

// Default configuration values.
const (
	DefaultFileName     = "exchange.sqlite3"
	DefaultTimeout      = 10 * time.Second
	DefaultBusyTimeout  = 5 * time.Second
	DefaultSchemaPrefix = "mbx_"
)

// Synchronous is the SQLite synchronous pragma level.
type Synchronous string

// SQLite synchronous levels.
const (
	SyncOff    Synchronous = "OFF"
	SyncNormal Synchronous = "NORMAL"
	SyncFull   Synchronous = "FULL"
)

// options holds SQL store configuration.
type options struct {
	fileName     string
	timeout      time.Duration
	busyTimeout  time.Duration
	synchronous  Synchronous
	wal          bool
	schemaPrefix string
	logger       *slog.Logger
}

func newOptions(opts ...Option) *options {
	o := &options{
		fileName:     DefaultFileName,
		timeout:      DefaultTimeout,
		busyTimeout:  DefaultBusyTimeout,
		synchronous:  SyncNormal,
		wal:          true,
		schemaPrefix: DefaultSchemaPrefix,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Option configures an SQL store.
type Option func(*options)

// WithFileName sets the SQLite database file created inside each mailbox directory.
func WithFileName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.fileName = name
		}
	}
}

// WithTimeout sets the per-operation timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithBusyTimeout sets the SQLite busy_timeout pragma.
func WithBusyTimeout(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.busyTimeout = d
		}
	}
}

// WithSynchronous sets the SQLite synchronous pragma.
func WithSynchronous(s Synchronous) Option {
	return func(o *options) {
		switch s {
		case SyncOff, SyncNormal, SyncFull:
			o.synchronous = s
		}
	}
}

// WithWAL enables or disables write-ahead logging (SQLite only).
func WithWAL(enabled bool) Option {
	return func(o *options) {
		o.wal = enabled
	}
}

// WithSchemaPrefix sets the prefix of the per-mailbox PostgreSQL schema.
func WithSchemaPrefix(prefix string) Option {
	return func(o *options) {
		if prefix != "" {
			o.schemaPrefix = prefix
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

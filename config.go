package sqlez

import (
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// DefaultBusyTimeout is the default busy timeout in milliseconds (5 seconds).
// This matches common SQLite driver defaults for production use.
const DefaultBusyTimeout = 5000

type config struct {
	logger         *slog.Logger
	busyTimeout    int // <= 0 disables the busy handler
	library        Library
	memoryFallback bool
	tracerProvider trace.TracerProvider // nil means the global provider
}

// Option configures how connections are opened.
type Option func(*config)

// WithLogger routes debug and warning events to logger. Without it nothing is
// logged.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithBusyTimeout sets the busy timeout in milliseconds.
// Use 0 or a negative value to disable the busy handler.
func WithBusyTimeout(ms int) Option {
	return func(c *config) {
		c.busyTimeout = ms
	}
}

// WithLibrary picks the engine connections are opened against. The default
// is Builtin.
func WithLibrary(lib Library) Option {
	return func(c *config) {
		if lib != nil {
			c.library = lib
		}
	}
}

// WithMemoryFallback makes a ThreadLocal in persistent mode fall back to the
// shared in-memory store when the file store cannot be opened. The failure is
// logged at warn level.
func WithMemoryFallback() Option {
	return func(c *config) {
		c.memoryFallback = true
	}
}

// WithTracerProvider sets the provider the database/sql driver creates spans
// with.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *config) {
		c.tracerProvider = tp
	}
}

func newConfig(opts []Option) config {
	c := config{
		logger:      slog.New(slog.DiscardHandler),
		busyTimeout: DefaultBusyTimeout,
		library:     Builtin,
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// parseDSN supports format: <uri>[?_busy_timeout=<ms>&_library=<path>]
//
// Parameters with a leading underscore are consumed here. Any others are kept
// for SQLite when the uri uses the file: scheme and dropped otherwise, since a
// plain filename has no query.
func parseDSN(dsn string) (string, []Option, error) {
	uri := dsn
	qMark := strings.IndexByte(dsn, '?')
	if qMark < 0 {
		return uri, nil, nil
	}
	uri = dsn[:qMark]
	vals, err := url.ParseQuery(dsn[qMark+1:])
	if err != nil {
		return "", nil, malformed("dsn %q: %v", dsn, err)
	}

	var opts []Option
	if v := vals.Get("_busy_timeout"); v != "" {
		timeout, err := strconv.Atoi(v)
		if err != nil {
			return "", nil, malformed("dsn _busy_timeout %q: %v", v, err)
		}
		opts = append(opts, WithBusyTimeout(timeout))
	}
	if v := vals.Get("_library"); v != "" {
		lib, err := LoadLibrary(v)
		if err != nil {
			return "", nil, fmt.Errorf("dsn _library: %w", err)
		}
		opts = append(opts, WithLibrary(lib))
	}

	for k := range vals {
		if strings.HasPrefix(k, "_") {
			vals.Del(k)
		}
	}
	if strings.HasPrefix(uri, "file:") && len(vals) > 0 {
		uri += "?" + vals.Encode()
	}
	return uri, opts, nil
}

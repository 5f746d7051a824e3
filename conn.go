package sqlez

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
)

// Conn owns one native database connection.
//
// A Conn must not be used by more than one goroutine at a time. Statements
// prepared on it share that constraint. Use ThreadLocal to give every OS
// thread its own Conn.
type Conn struct {
	native nativeConn
	uri    string
	lib    Library
	logger *slog.Logger

	busyTimeout int
	closed      bool
	// statements still open on this connection, finalized by Close
	stmts map[*Statement]struct{}
}

// Open opens or creates the store at uri. uri is a file path or a SQLite
// file: URI.
func Open(uri string, opts ...Option) (*Conn, error) {
	return openConn(uri, newConfig(opts))
}

// MemoryURI returns the URI of the shared in-memory store named identity.
// Every connection opened with the same identity sees the same data while at
// least one of them stays open.
func MemoryURI(identity string) string {
	return "file:" + url.PathEscape(identity) + "?mode=memory&cache=shared"
}

// OpenMemory opens the shared in-memory store named identity.
func OpenMemory(identity string, opts ...Option) (*Conn, error) {
	return openConn(MemoryURI(identity), newConfig(opts))
}

// MustOpenMemory is like OpenMemory but panics on failure. An in-memory
// store that cannot be opened means the engine itself is misconfigured.
func MustOpenMemory(identity string, opts ...Option) *Conn {
	c, err := OpenMemory(identity, opts...)
	if err != nil {
		panic(fmt.Sprintf("sqlez: open memory store %q: %v", identity, err))
	}
	return c
}

func openConn(uri string, cfg config) (*Conn, error) {
	if strings.IndexByte(uri, 0) >= 0 {
		return nil, malformed("uri contains a NUL byte")
	}
	native := cfg.library.connect()
	if native == nil {
		return nil, fmt.Errorf("%w: %s", ErrLibraryUnavailable, cfg.library.Name())
	}
	if rc := native.open(uri, defaultOpenFlags); rc != ResultOK {
		// the handle is allocated even when open fails and must be released
		msg, ok := native.errmsg()
		_ = native.close()
		return nil, fmt.Errorf("sqlez: open %q: %w", uri, &Error{Code: rc, Message: msgOrEmpty(msg, ok)})
	}

	c := &Conn{
		native: native,
		uri:    uri,
		lib:    cfg.library,
		logger: cfg.logger,
		stmts:  make(map[*Statement]struct{}),
	}
	if err := c.SetBusyTimeout(cfg.busyTimeout); err != nil {
		_ = native.close()
		return nil, err
	}
	c.logger.Debug("sqlez: connection opened", "uri", uri, "library", cfg.library.Name())
	return c, nil
}

// URI returns the uri the connection was opened with.
func (c *Conn) URI() string {
	return c.uri
}

// Exec runs sql without parameters. sql may hold several statements
// separated by semicolons; they run in order, each to completion, and the
// first failure stops the rest.
func (c *Conn) Exec(sql string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if strings.IndexByte(sql, 0) >= 0 {
		return malformed("sql contains a NUL byte")
	}

	rest := sql
	for strings.TrimSpace(rest) != "" {
		stmt, tail, rc := c.native.prepare(rest)
		if rc != ResultOK {
			if stmt != 0 {
				_ = c.native.finalize(stmt)
			}
			return c.errorFor(rc)
		}
		if stmt == 0 {
			// only comments or whitespace remain
			break
		}
		err := c.stepFully(stmt)
		_ = c.native.finalize(stmt)
		if err != nil {
			return err
		}
		rest = rest[tail:]
	}
	return nil
}

// stepFully steps stmt until it stops returning rows.
func (c *Conn) stepFully(stmt uintptr) error {
	for {
		switch rc := c.native.step(stmt); rc {
		case ResultRow:
			continue
		case ResultDone:
			return nil
		default:
			return c.errorFor(rc)
		}
	}
}

// Prepare compiles the first statement in sql. Text after it is ignored.
func (c *Conn) Prepare(sql string) (*Statement, error) {
	s, _, err := c.prepareFirst(sql)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, malformed("no statement in %q", sql)
	}
	return s, nil
}

// prepareFirst compiles the first statement in sql and returns the offset of
// the text after it. The statement is nil when sql holds only comments.
func (c *Conn) prepareFirst(sql string) (*Statement, int, error) {
	if err := c.checkOpen(); err != nil {
		return nil, 0, err
	}
	if strings.IndexByte(sql, 0) >= 0 {
		return nil, 0, malformed("sql contains a NUL byte")
	}
	stmt, tail, rc := c.native.prepare(sql)
	if rc != ResultOK {
		if stmt != 0 {
			_ = c.native.finalize(stmt)
		}
		return nil, 0, c.errorFor(rc)
	}
	if stmt == 0 {
		return nil, tail, nil
	}
	s := &Statement{
		conn:  c,
		stmt:  stmt,
		sql:   sql[:tail],
		ready: true,
	}
	c.stmts[s] = struct{}{}
	return s, tail, nil
}

// LastError reports the most recent engine failure on the connection, or nil
// when the last call succeeded.
func (c *Conn) LastError() error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	code := c.native.errcode()
	if code.IsStatus() {
		return nil
	}
	msg, ok := c.native.errmsg()
	return statusToError(code, msg, ok)
}

// Changes returns the number of rows changed by the most recent INSERT,
// UPDATE or DELETE.
func (c *Conn) Changes() int64 {
	if c.closed {
		return 0
	}
	return c.native.changes()
}

// LastInsertRowID returns the rowid of the most recent successful INSERT.
func (c *Conn) LastInsertRowID() int64 {
	if c.closed {
		return 0
	}
	return c.native.lastInsertRowID()
}

// Autocommit reports whether the connection is outside any transaction or
// savepoint.
func (c *Conn) Autocommit() bool {
	if c.closed {
		return true
	}
	return c.native.autocommit()
}

// SetBusyTimeout sets the busy timeout for this connection in milliseconds.
// Pass 0 to disable the busy handler (immediate SQLITE_BUSY on contention).
func (c *Conn) SetBusyTimeout(ms int) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if ms < 0 {
		ms = 0
	}
	if rc := c.native.busyTimeout(ms); rc != ResultOK {
		return c.errorFor(rc)
	}
	c.busyTimeout = ms
	return nil
}

// BusyTimeout returns the current busy timeout in milliseconds.
// Returns 0 if the busy handler is disabled.
func (c *Conn) BusyTimeout() int {
	return c.busyTimeout
}

// Close finalizes every statement still open on the connection, then closes
// it. Calling Close again does nothing.
func (c *Conn) Close() error {
	if c.closed {
		return nil
	}
	if n := len(c.stmts); n > 0 {
		c.logger.Debug("sqlez: finalizing open statements", "uri", c.uri, "count", n)
	}
	for s := range c.stmts {
		s.finalize()
	}
	c.stmts = nil
	c.closed = true
	rc := c.native.close()
	c.logger.Debug("sqlez: connection closed", "uri", c.uri)
	return statusToError(rc, "", false)
}

func (c *Conn) checkOpen() error {
	if c == nil || c.closed {
		return ErrConnClosed
	}
	return nil
}

// errorFor builds the error for a failed call that returned rc, with the
// connection's current message.
func (c *Conn) errorFor(rc ResultCode) error {
	msg, ok := c.native.errmsg()
	return statusToError(rc, msg, ok)
}

func msgOrEmpty(msg string, ok bool) string {
	if !ok {
		return ""
	}
	return msg
}

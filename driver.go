package sqlez

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DriverName is the name the database/sql driver is registered under.
const DriverName = "sqlez"

const tracerName = "github.com/Kethku/sqlez"

// define all package level structs here

type sqlezDriver struct{}

type sqlezConn struct {
	conn   *Conn
	tracer trace.Tracer

	mu     sync.Mutex
	closed bool
}

type sqlezStmt struct {
	conn *sqlezConn
	stmt *Statement
}

type sqlezRows struct {
	conn *sqlezConn
	stmt *Statement
	// owned rows finalize their statement on close, others only reset it
	owned     bool
	columns   []string
	decltypes []string

	closed bool
}

type sqlezResult struct {
	lastInsertId int64
	rowsAffected int64
}

type sqlezTx struct {
	conn *sqlezConn
	sp   *Savepoint
	done bool
}

// register driver
func init() {
	sql.Register(DriverName, &sqlezDriver{})
}

// Implement sql.Driver methods
func (d *sqlezDriver) Open(dsn string) (driver.Conn, error) {
	uri, opts, err := parseDSN(dsn)
	if err != nil {
		return nil, err
	}
	return openDriverConn(uri, newConfig(opts))
}

func openDriverConn(uri string, cfg config) (*sqlezConn, error) {
	c, err := openConn(uri, cfg)
	if err != nil {
		return nil, err
	}
	tp := cfg.tracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &sqlezConn{
		conn:   c,
		tracer: tp.Tracer(tracerName),
	}, nil
}

// --- driver.Conn and friends ---

// Ensure sqlezConn implements required interfaces.
var (
	_ driver.Conn               = (*sqlezConn)(nil)
	_ driver.ConnPrepareContext = (*sqlezConn)(nil)
	_ driver.ExecerContext      = (*sqlezConn)(nil)
	_ driver.QueryerContext     = (*sqlezConn)(nil)
	_ driver.Pinger             = (*sqlezConn)(nil)
	_ driver.ConnBeginTx        = (*sqlezConn)(nil)
)

func (c *sqlezConn) startSpan(ctx context.Context, op, query string) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, "sqlez."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "sqlite"),
			attribute.String("db.statement", query),
		),
	)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (c *sqlezConn) Prepare(query string) (driver.Stmt, error) {
	return c.PrepareContext(context.Background(), query)
}

func (c *sqlezConn) PrepareContext(ctx context.Context, query string) (_ driver.Stmt, err error) {
	_, span := c.startSpan(ctx, "prepare", query)
	defer func() { endSpan(span, err) }()

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	stmt, err := c.conn.Prepare(query)
	if err != nil {
		return nil, err
	}
	return &sqlezStmt{conn: c, stmt: stmt}, nil
}

func (c *sqlezConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

func (c *sqlezConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

// BeginTx opens a uniquely named savepoint, which starts a transaction when
// none is open.
func (c *sqlezConn) BeginTx(ctx context.Context, _ driver.TxOptions) (driver.Tx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	sp, err := c.conn.Savepoint(newSavepointName())
	if err != nil {
		return nil, err
	}
	return &sqlezTx{conn: c, sp: sp}, nil
}

func (c *sqlezConn) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkOpen(); err != nil {
		return driver.ErrBadConn
	}
	// trivial ping: simple select constant
	return c.conn.Exec("SELECT 1")
}

// ExecContext runs every statement in query. Arguments are bound to the first
// one.
func (c *sqlezConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (_ driver.Result, err error) {
	_, span := c.startSpan(ctx, "exec", query)
	defer func() { endSpan(span, err) }()

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkOpen(); err != nil {
		return nil, err
	}

	var totalAffected int64
	rest := query
	first := true
	for strings.TrimSpace(rest) != "" {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		stmt, tail, err := c.conn.prepareFirst(rest)
		if err != nil {
			return nil, err
		}
		if stmt == nil {
			break
		}
		rest = rest[tail:]

		if first && len(args) > 0 {
			err = bindArgs(stmt, args)
		}
		if err == nil {
			err = stmt.Run()
		}
		_ = stmt.Close()
		if err != nil {
			return nil, err
		}
		// rows affected is capped at MaxInt64
		if n := c.conn.Changes(); n > math.MaxInt64-totalAffected {
			totalAffected = math.MaxInt64
		} else {
			totalAffected += n
		}
		first = false
	}
	return &sqlezResult{
		lastInsertId: c.conn.LastInsertRowID(),
		rowsAffected: totalAffected,
	}, nil
}

func (c *sqlezConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (_ driver.Rows, err error) {
	_, span := c.startSpan(ctx, "query", query)
	defer func() { endSpan(span, err) }()

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	// Only single-statement queries supported here
	stmt, err := c.conn.Prepare(query)
	if err != nil {
		return nil, err
	}
	if err := bindArgs(stmt, args); err != nil {
		_ = stmt.Close()
		return nil, err
	}
	// Return rows wrapper; do not step yet, leave cursor before first row
	return &sqlezRows{conn: c, stmt: stmt, owned: true}, nil
}

// checkOpen must be called with c.mu held.
func (c *sqlezConn) checkOpen() error {
	if c.closed {
		return ErrConnClosed
	}
	return nil
}

// --- Connector Pattern ---

// Connector implements driver.Connector for programmatic configuration.
type Connector struct {
	uri  string
	opts []Option
}

// NewConnector creates a Connector for dsn. Options override parameters set
// in the dsn.
func NewConnector(dsn string, opts ...Option) (*Connector, error) {
	uri, dsnOpts, err := parseDSN(dsn)
	if err != nil {
		return nil, err
	}
	return &Connector{
		uri:  uri,
		opts: append(dsnOpts, opts...),
	}, nil
}

// Connect implements driver.Connector.
func (c *Connector) Connect(ctx context.Context) (driver.Conn, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return openDriverConn(c.uri, newConfig(c.opts))
}

// Driver implements driver.Connector.
func (c *Connector) Driver() driver.Driver {
	return &sqlezDriver{}
}

// Ensure Connector implements driver.Connector
var _ driver.Connector = (*Connector)(nil)

// --- driver.Stmt and friends ---

// Ensure sqlezStmt implements required interfaces.
var (
	_ driver.Stmt             = (*sqlezStmt)(nil)
	_ driver.StmtExecContext  = (*sqlezStmt)(nil)
	_ driver.StmtQueryContext = (*sqlezStmt)(nil)
)

func (s *sqlezStmt) Close() error {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	return s.stmt.Close()
}

func (s *sqlezStmt) NumInput() int {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	return s.stmt.ParameterCount()
}

func (s *sqlezStmt) Exec(args []driver.Value) (driver.Result, error) {
	return s.ExecContext(context.Background(), valuesToNamed(args))
}

func (s *sqlezStmt) ExecContext(ctx context.Context, args []driver.NamedValue) (_ driver.Result, err error) {
	_, span := s.conn.startSpan(ctx, "exec", s.stmt.SQL())
	defer func() { endSpan(span, err) }()

	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	if err := s.conn.checkOpen(); err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err := s.stmt.Reset(); err != nil {
		return nil, err
	}
	if err := bindArgs(s.stmt, args); err != nil {
		return nil, err
	}
	if err := s.stmt.Run(); err != nil {
		return nil, err
	}
	return &sqlezResult{
		lastInsertId: s.conn.conn.LastInsertRowID(),
		rowsAffected: s.conn.conn.Changes(),
	}, nil
}

func (s *sqlezStmt) Query(args []driver.Value) (driver.Rows, error) {
	return s.QueryContext(context.Background(), valuesToNamed(args))
}

func (s *sqlezStmt) QueryContext(ctx context.Context, args []driver.NamedValue) (_ driver.Rows, err error) {
	_, span := s.conn.startSpan(ctx, "query", s.stmt.SQL())
	defer func() { endSpan(span, err) }()

	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	if err := s.conn.checkOpen(); err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err := s.stmt.Reset(); err != nil {
		return nil, err
	}
	if err := bindArgs(s.stmt, args); err != nil {
		return nil, err
	}
	return &sqlezRows{conn: s.conn, stmt: s.stmt}, nil
}

func valuesToNamed(args []driver.Value) []driver.NamedValue {
	named := make([]driver.NamedValue, len(args))
	for i, v := range args {
		named[i] = driver.NamedValue{Ordinal: i + 1, Value: v}
	}
	return named
}

// --- driver.Rows ---

// Ensure sqlezRows implements the required interfaces.
var (
	_ driver.Rows                           = (*sqlezRows)(nil)
	_ driver.RowsColumnTypeDatabaseTypeName = (*sqlezRows)(nil)
)

func (r *sqlezRows) Columns() []string {
	if r.columns != nil {
		return r.columns
	}
	n := r.stmt.ColumnCount()
	names := make([]string, n)
	decltypes := make([]string, n)
	for i := 0; i < n; i++ {
		names[i], _ = r.stmt.ColumnName(i)
		decltypes[i], _ = r.stmt.ColumnDeclType(i)
	}
	r.columns = names
	r.decltypes = decltypes
	return r.columns
}

func (r *sqlezRows) ColumnTypeDatabaseTypeName(index int) string {
	_ = r.Columns()
	if index < 0 || index >= len(r.decltypes) {
		return ""
	}
	return strings.ToUpper(r.decltypes[index])
}

func (r *sqlezRows) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.conn.mu.Lock()
	defer r.conn.mu.Unlock()
	if r.conn.closed {
		return nil
	}
	if r.owned {
		return r.stmt.Close()
	}
	return r.stmt.Reset()
}

func (r *sqlezRows) Next(dest []driver.Value) error {
	if r.closed {
		return ErrRowsClosed
	}
	// Ensure decltypes are populated
	_ = r.Columns()
	rc, err := r.stmt.Step()
	if err != nil {
		return err
	}
	switch rc {
	case ResultRow:
	case ResultDone:
		return io.EOF
	default:
		return stepCodeError(rc)
	}
	if len(dest) != len(r.columns) {
		return fmt.Errorf("sqlez: expected %d dests, got %d", len(r.columns), len(dest))
	}
	for i := range dest {
		v, err := r.stmt.ColumnValue(i)
		if err != nil {
			return err
		}
		// Check if column type indicates a time value
		if text, ok := v.(string); ok && isTimeColumn(r.decltypes[i]) {
			if t, err := parseTimeString(text); err == nil {
				v = t
			}
		}
		dest[i] = v
	}
	return nil
}

// --- driver.Result ---

var _ driver.Result = (*sqlezResult)(nil)

func (r *sqlezResult) LastInsertId() (int64, error) {
	return r.lastInsertId, nil
}

func (r *sqlezResult) RowsAffected() (int64, error) {
	return r.rowsAffected, nil
}

// --- driver.Tx ---

var _ driver.Tx = (*sqlezTx)(nil)

func (tx *sqlezTx) Commit() error {
	tx.conn.mu.Lock()
	defer tx.conn.mu.Unlock()
	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	if err := tx.sp.Release(); err != nil {
		// leave the connection outside the transaction either way
		_ = tx.sp.Rollback()
		return err
	}
	return nil
}

func (tx *sqlezTx) Rollback() error {
	tx.conn.mu.Lock()
	defer tx.conn.mu.Unlock()
	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	return tx.sp.Rollback()
}

// Helpers

// bindArgs binds ordered and named values to a statement.
// Named values are resolved by name with any of SQLite's prefixes, otherwise
// ordinal positions are used (1-based).
func bindArgs(stmt *Statement, args []driver.NamedValue) error {
	if len(args) == 0 {
		return nil
	}
	// Validate number of inputs if no named args present
	hasNamed := false
	for _, nv := range args {
		if nv.Name != "" {
			hasNamed = true
			break
		}
	}
	if !hasNamed {
		if want := stmt.ParameterCount(); len(args) != want {
			return fmt.Errorf("sqlez: got %d args, want %d", len(args), want)
		}
	}
	for idx, nv := range args {
		pos := idx + 1
		if nv.Name != "" {
			pos = namedPosition(stmt, nv.Name)
			if pos <= 0 {
				return fmt.Errorf("sqlez: unknown named parameter %q", nv.Name)
			}
		} else if nv.Ordinal > 0 {
			pos = nv.Ordinal
		}
		if err := bindOne(stmt, pos, nv.Value); err != nil {
			return err
		}
	}
	return nil
}

func namedPosition(stmt *Statement, name string) int {
	for _, prefix := range []string{":", "@", "$"} {
		if pos := stmt.ParameterIndex(prefix + name); pos > 0 {
			return pos
		}
	}
	return 0
}

func bindOne(stmt *Statement, position int, v any) error {
	if v == nil {
		return stmt.BindNull(position)
	}
	switch x := v.(type) {
	case int:
		return stmt.BindInt64(position, int64(x))
	case int8:
		return stmt.BindInt64(position, int64(x))
	case int16:
		return stmt.BindInt64(position, int64(x))
	case int32:
		return stmt.BindInt64(position, int64(x))
	case int64:
		return stmt.BindInt64(position, x)
	case uint:
		return stmt.BindInt64(position, int64(x))
	case uint8:
		return stmt.BindInt64(position, int64(x))
	case uint16:
		return stmt.BindInt64(position, int64(x))
	case uint32:
		return stmt.BindInt64(position, int64(x))
	case uint64:
		// cap at MaxInt64 to avoid overflow
		i := int64(0)
		if x > uint64(math.MaxInt64) {
			i = math.MaxInt64
		} else {
			i = int64(x)
		}
		return stmt.BindInt64(position, i)
	case float32:
		return stmt.BindDouble(position, float64(x))
	case float64:
		return stmt.BindDouble(position, x)
	case bool:
		if x {
			return stmt.BindInt64(position, 1)
		}
		return stmt.BindInt64(position, 0)
	case []byte:
		return stmt.BindBlob(position, x)
	case string:
		return stmt.BindText(position, x)
	case time.Time:
		// encode as RFC3339Nano string
		return stmt.BindText(position, x.Format(time.RFC3339Nano))
	default:
		// Fallback to fmt to string
		return stmt.BindText(position, fmt.Sprint(v))
	}
}

// isTimeColumn checks if the column declared type indicates a time/date column.
// This matches the behavior of github.com/mattn/go-sqlite3.
func isTimeColumn(decltype string) bool {
	if decltype == "" {
		return false
	}
	upper := strings.ToUpper(decltype)
	return upper == "TIMESTAMP" || upper == "DATETIME" || upper == "DATE"
}

// TimestampFormats are the layouts text in time columns is parsed with, in
// order.
var TimestampFormats = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04",
	"2006-01-02",
}

// parseTimeString attempts to parse a string as a time.Time value.
func parseTimeString(s string) (time.Time, error) {
	// a trailing Z is dropped and the time read as UTC
	s = strings.TrimSuffix(s, "Z")
	for _, format := range TimestampFormats {
		if t, err := time.ParseInLocation(format, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("sqlez: cannot parse %q as time", s)
}

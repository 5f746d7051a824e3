package sqlez

import (
	"bytes"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// newTestLogger returns a logger that writes to t.Log().
// Logs only appear on test failure or when running with -v.
func newTestLogger(t testing.TB) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

type testWriter struct {
	t testing.TB
}

func (w testWriter) Write(p []byte) (n int, err error) {
	w.t.Helper()
	w.t.Log(string(p))
	return len(p), nil
}

func openMem(t *testing.T) *Conn {
	t.Helper()
	c, err := OpenMemory(uuid.NewString(), WithLogger(newTestLogger(t)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func mustExec(t *testing.T, c *Conn, sql string) {
	t.Helper()
	require.NoError(t, c.Exec(sql), "exec %q", sql)
}

func mustPrepare(t *testing.T, c *Conn, sql string) *Statement {
	t.Helper()
	s, err := c.Prepare(sql)
	require.NoError(t, err, "prepare %q", sql)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func countRows(t *testing.T, c *Conn, table string) int64 {
	t.Helper()
	s, err := c.Prepare("SELECT COUNT(*) FROM " + table)
	require.NoError(t, err)
	defer s.Close()
	n, err := Row[int64](s)
	require.NoError(t, err)
	return n
}

func TestMemoryURI(t *testing.T) {
	require.Equal(t, "file:t1?mode=memory&cache=shared", MemoryURI("t1"))
	require.Equal(t, "file:a%20b%2Fc?mode=memory&cache=shared", MemoryURI("a b/c"))
}

func TestOpenMemorySharedByIdentity(t *testing.T) {
	id := uuid.NewString()
	a, err := OpenMemory(id)
	require.NoError(t, err)
	defer a.Close()
	b, err := OpenMemory(id)
	require.NoError(t, err)
	defer b.Close()

	mustExec(t, a, "CREATE TABLE t(x INTEGER); INSERT INTO t VALUES (1), (2)")
	require.Equal(t, int64(2), countRows(t, b, "t"))

	other := openMem(t)
	require.Error(t, other.Exec("SELECT * FROM t"), "a different identity must not see the table")
}

func TestOpenFilePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")

	c, err := Open(path)
	require.NoError(t, err)
	require.Equal(t, path, c.URI())
	mustExec(t, c, "CREATE TABLE kv(k INTEGER PRIMARY KEY, v TEXT); INSERT INTO kv VALUES (1, 'one')")
	require.NoError(t, c.Close())

	c, err = Open(path)
	require.NoError(t, err)
	defer c.Close()
	s := mustPrepare(t, c, "SELECT v FROM kv WHERE k = 1")
	v, err := Row[string](s)
	require.NoError(t, err)
	require.Equal(t, "one", v)
}

func TestOpenFailure(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing", "dir", "store.db"))
	require.Error(t, err)
	require.ErrorIs(t, err, ErrCantOpen)
	require.Equal(t, ResultCantOpen, CodeOf(err).Primary())

	_, err = Open("bad\x00uri")
	require.ErrorIs(t, err, ErrMalformedInput)
}

func TestMustOpenMemory(t *testing.T) {
	var c *Conn
	require.NotPanics(t, func() { c = MustOpenMemory(uuid.NewString()) })
	require.NoError(t, c.Close())
}

func TestExecMultiStatement(t *testing.T) {
	c := openMem(t)

	t.Run("statements run in order", func(t *testing.T) {
		mustExec(t, c, `
			CREATE TABLE t(x INTEGER);
			INSERT INTO t VALUES (1);
			INSERT INTO t VALUES (2);
			-- trailing comment
		`)
		require.Equal(t, int64(2), countRows(t, c, "t"))
	})

	t.Run("first failure stops the rest", func(t *testing.T) {
		err := c.Exec("INSERT INTO t VALUES (3); INSERT INTO missing VALUES (4); INSERT INTO t VALUES (5)")
		require.ErrorIs(t, err, ErrGeneric)
		require.Equal(t, int64(3), countRows(t, c, "t"))
	})

	t.Run("rows are discarded", func(t *testing.T) {
		mustExec(t, c, "SELECT * FROM t; SELECT 1")
	})

	t.Run("empty input", func(t *testing.T) {
		mustExec(t, c, "")
		mustExec(t, c, "  -- nothing here\n")
	})
}

func TestExecSyntaxError(t *testing.T) {
	c := openMem(t)
	err := c.Exec("SELEC 1")
	require.ErrorIs(t, err, ErrGeneric)

	var e *Error
	require.True(t, errors.As(err, &e))
	require.Equal(t, ResultError, e.Code)
	require.Contains(t, e.Message, "syntax error")
}

func TestNulByteRejected(t *testing.T) {
	c := openMem(t)
	require.ErrorIs(t, c.Exec("SELECT 1;\x00SELECT 2"), ErrMalformedInput)

	_, err := c.Prepare("SELECT '\x00'")
	require.ErrorIs(t, err, ErrMalformedInput)
}

func TestPrepareNoStatement(t *testing.T) {
	c := openMem(t)
	_, err := c.Prepare("   ")
	require.ErrorIs(t, err, ErrMalformedInput)
	_, err = c.Prepare("-- just a comment")
	require.ErrorIs(t, err, ErrMalformedInput)
}

func TestPrepareIgnoresTail(t *testing.T) {
	c := openMem(t)
	s := mustPrepare(t, c, "SELECT 1; SELECT 2")
	require.Equal(t, "SELECT 1;", s.SQL())
	v, err := Row[int64](s)
	require.NoError(t, err)
	require.Equal(t, int64(1), v)
}

func TestLastError(t *testing.T) {
	c := openMem(t)
	require.NoError(t, c.LastError())

	require.Error(t, c.Exec("SELECT * FROM nowhere"))
	err := c.LastError()
	require.ErrorIs(t, err, ErrGeneric)
	require.Contains(t, err.Error(), "no such table")

	mustExec(t, c, "SELECT 1")
	require.NoError(t, c.LastError())
}

func TestChangesAndLastInsertRowID(t *testing.T) {
	c := openMem(t)
	mustExec(t, c, "CREATE TABLE t(id INTEGER PRIMARY KEY, x INTEGER)")
	mustExec(t, c, "INSERT INTO t(x) VALUES (10), (20), (30)")
	require.Equal(t, int64(3), c.Changes())
	require.Equal(t, int64(3), c.LastInsertRowID())

	mustExec(t, c, "UPDATE t SET x = x + 1 WHERE x > 10")
	require.Equal(t, int64(2), c.Changes())
}

func TestAutocommit(t *testing.T) {
	c := openMem(t)
	require.True(t, c.Autocommit())
	mustExec(t, c, "BEGIN")
	require.False(t, c.Autocommit())
	mustExec(t, c, "COMMIT")
	require.True(t, c.Autocommit())
}

func TestBusyTimeout(t *testing.T) {
	c := openMem(t)
	require.Equal(t, DefaultBusyTimeout, c.BusyTimeout())

	require.NoError(t, c.SetBusyTimeout(250))
	require.Equal(t, 250, c.BusyTimeout())
	require.NoError(t, c.SetBusyTimeout(-1))
	require.Equal(t, 0, c.BusyTimeout())

	d, err := OpenMemory(uuid.NewString(), WithBusyTimeout(0))
	require.NoError(t, err)
	defer d.Close()
	require.Equal(t, 0, d.BusyTimeout())
}

func TestCloseFinalizesStatements(t *testing.T) {
	c, err := OpenMemory(uuid.NewString())
	require.NoError(t, err)

	s, err := c.Prepare("SELECT 1")
	require.NoError(t, err)
	rc, err := s.Step()
	require.NoError(t, err)
	require.Equal(t, ResultRow, rc)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close(), "second close is a no-op")

	_, err = s.Step()
	require.ErrorIs(t, err, ErrConnClosed)
	_, err = s.ColumnInt64(0)
	require.ErrorIs(t, err, ErrConnClosed)
	require.NoError(t, s.Close())

	require.ErrorIs(t, c.Exec("SELECT 1"), ErrConnClosed)
	_, err = c.Prepare("SELECT 1")
	require.ErrorIs(t, err, ErrConnClosed)
	require.ErrorIs(t, c.LastError(), ErrConnClosed)
}

func TestConnLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	c, err := OpenMemory(uuid.NewString(), WithLogger(logger))
	require.NoError(t, err)
	_, err = c.Prepare("SELECT 1")
	require.NoError(t, err)
	require.NoError(t, c.Close())

	out := buf.String()
	require.Contains(t, out, "connection opened")
	require.Contains(t, out, "finalizing open statements")
	require.Contains(t, out, "connection closed")
	require.Equal(t, 1, strings.Count(out, "connection opened"))
}

// TestKeyValueScenario walks the basic store lifecycle end to end.
func TestKeyValueScenario(t *testing.T) {
	c, err := OpenMemory("t1")
	require.NoError(t, err)
	defer c.Close()

	mustExec(t, c, "CREATE TABLE kv(k INTEGER PRIMARY KEY, v TEXT)")
	insert := mustPrepare(t, c, "INSERT INTO kv VALUES (?, ?)")
	_, err = insert.Bound(T2(int64(1), "hello"))
	require.NoError(t, err)
	require.NoError(t, insert.Run())

	get := mustPrepare(t, c, "SELECT v FROM kv WHERE k = ?")
	_, err = get.Bound(int64(1))
	require.NoError(t, err)
	v, err := Row[string](get)
	require.NoError(t, err)
	require.Equal(t, "hello", v)

	sp, err := c.Savepoint("sp1")
	require.NoError(t, err)
	_, err = insert.Bound(T2(int64(2), "world"))
	require.NoError(t, err)
	require.NoError(t, insert.Run())
	require.NoError(t, sp.Rollback())

	require.Equal(t, int64(1), countRows(t, c, "kv"))
}

package sqlez

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

// countingConn counts native step and reset calls.
type countingConn struct {
	nativeConn
	steps  int
	resets int
}

func (c *countingConn) step(stmt uintptr) ResultCode {
	c.steps++
	return c.nativeConn.step(stmt)
}

func (c *countingConn) reset(stmt uintptr) ResultCode {
	c.resets++
	return c.nativeConn.reset(stmt)
}

func openCounting(t *testing.T) (*Conn, *countingConn) {
	t.Helper()
	c := openMem(t)
	cc := &countingConn{nativeConn: c.native}
	c.native = cc
	return c, cc
}

func TestStepCodes(t *testing.T) {
	c := openMem(t)
	s := mustPrepare(t, c, "SELECT 1 UNION ALL SELECT 2")

	rc, err := s.Step()
	require.NoError(t, err)
	require.Equal(t, ResultRow, rc)
	rc, err = s.Step()
	require.NoError(t, err)
	require.Equal(t, ResultRow, rc)
	rc, err = s.Step()
	require.NoError(t, err)
	require.Equal(t, ResultDone, rc)
}

func TestResetIsIdempotent(t *testing.T) {
	c, cc := openCounting(t)
	s := mustPrepare(t, c, "SELECT 1")

	// fresh statements are already ready
	require.NoError(t, s.Reset())
	require.NoError(t, s.Reset())
	require.Equal(t, 0, cc.resets)

	_, err := s.Step()
	require.NoError(t, err)
	require.NoError(t, s.Reset())
	require.NoError(t, s.Reset())
	require.Equal(t, 1, cc.resets)
	require.Equal(t, 1, cc.steps)
}

func TestRowReadsOnce(t *testing.T) {
	c, cc := openCounting(t)
	mustExec(t, c, "CREATE TABLE t(x INTEGER); INSERT INTO t VALUES (1), (2), (3)")
	s := mustPrepare(t, c, "SELECT x FROM t ORDER BY x")

	cc.steps = 0
	v, err := Row[int64](s)
	require.NoError(t, err)
	require.Equal(t, int64(1), v)
	require.Equal(t, 1, cc.steps, "remaining rows are not read")
}

func TestFailedStepReportedOnce(t *testing.T) {
	c := openMem(t)
	mustExec(t, c, "CREATE TABLE t(k INTEGER PRIMARY KEY)")
	s := mustPrepare(t, c, "INSERT INTO t VALUES (?)")

	_, err := s.Bound(int64(1))
	require.NoError(t, err)
	require.NoError(t, s.Run())

	_, err = s.Bound(int64(1))
	require.NoError(t, err)
	err = s.Run()
	require.ErrorIs(t, err, ErrConstraint)
	require.Equal(t, ResultConstraint, CodeOf(err).Primary())

	// the reset after the failed step does not report it again
	_, err = s.Bound(int64(2))
	require.NoError(t, err)
	require.NoError(t, s.Run())
	require.Equal(t, int64(2), countRows(t, c, "t"))
}

func TestColumnNeedsRow(t *testing.T) {
	c := openMem(t)
	s := mustPrepare(t, c, "SELECT 1")

	_, err := s.ColumnInt64(0)
	require.ErrorIs(t, err, ErrNoRow)

	rc, err := s.Step()
	require.NoError(t, err)
	require.Equal(t, ResultRow, rc)
	v, err := s.ColumnInt64(0)
	require.NoError(t, err)
	require.Equal(t, int64(1), v)

	rc, err = s.Step()
	require.NoError(t, err)
	require.Equal(t, ResultDone, rc)
	_, err = s.ColumnText(0)
	require.ErrorIs(t, err, ErrNoRow)
}

func TestColumnRange(t *testing.T) {
	c := openMem(t)
	s := mustPrepare(t, c, "SELECT 1, 2")
	_, err := s.Step()
	require.NoError(t, err)

	require.Equal(t, 2, s.ColumnCount())
	_, err = s.ColumnInt64(2)
	require.ErrorIs(t, err, ErrColumnRange)
	_, err = s.ColumnType(-1)
	require.ErrorIs(t, err, ErrColumnRange)
	_, err = s.ColumnName(5)
	require.ErrorIs(t, err, ErrColumnRange)
}

func TestColumnTypes(t *testing.T) {
	c := openMem(t)
	s := mustPrepare(t, c, "SELECT 1, 1.5, 'x', x'00', NULL")
	_, err := s.Step()
	require.NoError(t, err)

	want := []SQLType{TypeInteger, TypeFloat, TypeText, TypeBlob, TypeNull}
	for i, w := range want {
		got, err := s.ColumnType(i)
		require.NoError(t, err)
		require.Equal(t, w, got, "column %d", i)
	}
}

func TestColumnMetadata(t *testing.T) {
	c := openMem(t)
	mustExec(t, c, "CREATE TABLE t(id INTEGER PRIMARY KEY, created DATETIME)")
	s := mustPrepare(t, c, "SELECT id, created AS ts, 1 + 1 AS two FROM t")

	name, err := s.ColumnName(1)
	require.NoError(t, err)
	require.Equal(t, "ts", name)

	decl, err := s.ColumnDeclType(1)
	require.NoError(t, err)
	require.Equal(t, "DATETIME", decl)
	decl, err = s.ColumnDeclType(2)
	require.NoError(t, err)
	require.Empty(t, decl)
}

func TestNullReadsAsZero(t *testing.T) {
	c := openMem(t)
	s := mustPrepare(t, c, "SELECT NULL")
	_, err := s.Step()
	require.NoError(t, err)

	b, err := s.ColumnBlob(0)
	require.NoError(t, err)
	require.NotNil(t, b)
	require.Empty(t, b)

	text, err := s.ColumnText(0)
	require.NoError(t, err)
	require.Equal(t, "", text)

	n, err := s.ColumnInt64(0)
	require.NoError(t, err)
	require.Zero(t, n)

	v, err := s.ColumnValue(0)
	require.NoError(t, err)
	require.Nil(t, v)
}

func TestBindCopiesValue(t *testing.T) {
	c := openMem(t)
	s := mustPrepare(t, c, "SELECT ?")

	buf := []byte("abc")
	require.NoError(t, s.BindBlob(1, buf))
	buf[0] = 'z'

	got, err := Row[[]byte](s)
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), got)
}

func TestParameters(t *testing.T) {
	c := openMem(t)
	s := mustPrepare(t, c, "SELECT :a, @b, $c, ?")

	require.Equal(t, 4, s.ParameterCount())
	require.Equal(t, 1, s.ParameterIndex(":a"))
	require.Equal(t, 2, s.ParameterIndex("@b"))
	require.Equal(t, 3, s.ParameterIndex("$c"))
	require.Equal(t, 0, s.ParameterIndex("a"))
	require.Equal(t, 0, s.ParameterIndex(":a\x00"))
}

func TestBindOutOfRange(t *testing.T) {
	c := openMem(t)
	s := mustPrepare(t, c, "SELECT ?")
	err := s.BindInt64(2, 1)
	require.ErrorIs(t, err, ErrRange)
}

func TestRunWithNoRows(t *testing.T) {
	c := openMem(t)
	mustExec(t, c, "CREATE TABLE t(x INTEGER)")

	s := mustPrepare(t, c, "SELECT x FROM t")
	require.NoError(t, s.Run())

	calls := 0
	out, err := Map(s, func(s *Statement) (int64, error) {
		calls++
		return s.ColumnInt64(0)
	})
	require.NoError(t, err)
	require.Empty(t, out)
	require.Zero(t, calls)
}

func TestMapKeepsRowOrder(t *testing.T) {
	c := openMem(t)
	mustExec(t, c, "CREATE TABLE t(x INTEGER); INSERT INTO t VALUES (3), (1), (5), (2), (4)")
	s := mustPrepare(t, c, "SELECT x FROM t ORDER BY x DESC")

	out, err := Map(s, func(s *Statement) (int64, error) {
		return s.ColumnInt64(0)
	})
	require.NoError(t, err)
	require.Equal(t, []int64{5, 4, 3, 2, 1}, out)

	// running again starts from the first row
	again, err := Rows[int64](s)
	require.NoError(t, err)
	require.Equal(t, out, again)
}

func TestSingleAndMaybe(t *testing.T) {
	c := openMem(t)
	mustExec(t, c, "CREATE TABLE t(k INTEGER PRIMARY KEY, v TEXT); INSERT INTO t VALUES (1, 'one')")
	s := mustPrepare(t, c, "SELECT v FROM t WHERE k = ?")

	t.Run("present", func(t *testing.T) {
		_, err := s.Bound(int64(1))
		require.NoError(t, err)
		v, err := Row[string](s)
		require.NoError(t, err)
		require.Equal(t, "one", v)

		v, ok, err := MaybeRow[string](s)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "one", v)
	})

	t.Run("absent", func(t *testing.T) {
		_, err := s.Bound(int64(2))
		require.NoError(t, err)
		_, err = Row[string](s)
		require.ErrorIs(t, err, ErrNoRows)

		v, ok, err := MaybeRow[string](s)
		require.NoError(t, err)
		require.False(t, ok)
		require.Empty(t, v)
	})
}

func blobTable(t *testing.T) (*Conn, []byte, []byte) {
	t.Helper()
	c := openMem(t)
	mustExec(t, c, "CREATE TABLE b(k INTEGER PRIMARY KEY, v BLOB)")
	as, zs := bytes.Repeat([]byte("A"), 100), bytes.Repeat([]byte("Z"), 100)
	insert := mustPrepare(t, c, "INSERT INTO b VALUES (?, ?)")
	for i, v := range [][]byte{as, zs} {
		_, err := insert.Bound(T2(i+1, v))
		require.NoError(t, err)
		require.NoError(t, insert.Run())
	}
	return c, as, zs
}

func blobView(s *Statement) ([]byte, error) {
	return s.ColumnBlob(0)
}

func TestSingleKeepsRowView(t *testing.T) {
	c, as, zs := blobTable(t)
	s := mustPrepare(t, c, "SELECT v FROM b WHERE k = ?")
	other := mustPrepare(t, c, "SELECT v FROM b WHERE k = 2")

	_, err := s.Bound(1)
	require.NoError(t, err)
	view, err := Single(s, blobView)
	require.NoError(t, err)
	require.Equal(t, as, view)

	// work on another statement does not disturb the row s is on
	z, err := Row[[]byte](other)
	require.NoError(t, err)
	require.Equal(t, zs, z)
	require.Equal(t, as, view)

	_, err = s.Bound(1)
	require.NoError(t, err)
	view, ok, err := Maybe(s, blobView)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, as, view)
	require.Equal(t, 1, s.ColumnCount())
	require.Equal(t, as, view)
}

func TestViewLastsUntilNextStep(t *testing.T) {
	c, as, zs := blobTable(t)
	s := mustPrepare(t, c, "SELECT v FROM b ORDER BY k")

	rc, err := s.Step()
	require.NoError(t, err)
	require.Equal(t, ResultRow, rc)
	first, err := s.ColumnBlob(0)
	require.NoError(t, err)
	require.Equal(t, as, first)
	kept := append([]byte(nil), first...)

	rc, err = s.Step()
	require.NoError(t, err)
	require.Equal(t, ResultRow, rc)
	second, err := s.ColumnBlob(0)
	require.NoError(t, err)
	require.Equal(t, zs, second)
	require.Equal(t, as, kept, "a copy outlives the step")

	// after Single the statement still sits on its row until reset
	v, err := Single(s, blobView)
	require.NoError(t, err)
	require.Equal(t, as, v)
	require.False(t, s.ready)
	require.NoError(t, s.Reset())
	require.True(t, s.ready)
	_, err = s.ColumnBlob(0)
	require.ErrorIs(t, err, ErrNoRow)
}

func TestMapStopsOnCallbackError(t *testing.T) {
	c := openMem(t)
	s := mustPrepare(t, c, "SELECT 1 UNION ALL SELECT 2")
	_, err := Map(s, func(s *Statement) (bool, error) {
		var b bool
		return b, s.Column(&b)
	})
	require.ErrorIs(t, err, ErrUnsupportedType)
}

func TestStatementClose(t *testing.T) {
	c := openMem(t)
	s, err := c.Prepare("SELECT 1")
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.Step()
	require.ErrorIs(t, err, ErrStmtClosed)
	require.ErrorIs(t, s.Reset(), ErrStmtClosed)
	require.ErrorIs(t, s.BindNull(1), ErrStmtClosed)
	require.Zero(t, s.ColumnCount())
	require.Empty(t, c.stmts)
}

func TestSystemLibrary(t *testing.T) {
	lib, err := LoadLibrary("")
	if err != nil {
		t.Skipf("system sqlite not available: %v", err)
	}
	c, err := OpenMemory("system-"+t.Name(), WithLibrary(lib), WithLogger(newTestLogger(t)))
	require.NoError(t, err)
	defer c.Close()

	mustExec(t, c, "CREATE TABLE t(a TEXT, b BLOB, c REAL); INSERT INTO t VALUES ('', x'', 2.5)")
	s := mustPrepare(t, c, "SELECT a, b, c, typeof(a), typeof(b) FROM t")
	got, err := Row[Tuple2[Tuple3[string, []byte, float64], Tuple2[string, string]]](s)
	require.NoError(t, err)
	require.Equal(t, "", got.V1.V1)
	require.Equal(t, []byte{}, got.V1.V2)
	require.Equal(t, 2.5, got.V1.V3)
	require.Equal(t, T2("text", "blob"), got.V2)

	insert := mustPrepare(t, c, "INSERT INTO t VALUES (?, ?, ?)")
	_, err = insert.Bound(T3("x", []byte{}, 1.0))
	require.NoError(t, err)
	require.NoError(t, insert.Run())
	require.Equal(t, int64(2), countRows(t, c, "t"))

	_, err = LoadLibrary("/definitely/not/" + lib.Name())
	require.ErrorIs(t, err, ErrLibraryUnavailable)
}

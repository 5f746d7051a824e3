package sqlez

import (
	"fmt"
	"math"
	"strings"
)

// Statement is one compiled SQL statement on a Conn.
//
// A statement is ready when it is fresh or was just reset, and stepping once
// Step has been called since. Parameters can only be bound while it is ready.
// Parameter positions are 1-based and column positions 0-based.
type Statement struct {
	conn *Conn
	stmt uintptr // sqlite3_stmt*
	sql  string

	ready bool
	// row is set while the last step returned a row; column reads need it
	row bool
	// failed is set when the last step returned an error that reset will echo
	failed bool
	closed bool
}

// SQL returns the text the statement was prepared from.
func (s *Statement) SQL() string {
	return s.sql
}

func (s *Statement) check() error {
	if s.conn.closed {
		return ErrConnClosed
	}
	if s.closed {
		return ErrStmtClosed
	}
	return nil
}

// Step advances the statement by one row.
//
// ResultRow and ResultDone come back with a nil error. So does ResultMisuse,
// which the engine reports without setting an error on the connection. Any
// other code is looked up on the connection and returned as an error when it
// is one.
func (s *Statement) Step() (ResultCode, error) {
	if err := s.check(); err != nil {
		return ResultMisuse, err
	}
	s.ready = false
	s.failed = false
	rc := s.conn.native.step(s.stmt)
	s.row = rc == ResultRow
	switch rc {
	case ResultRow, ResultDone, ResultMisuse:
		return rc, nil
	}
	if err := s.conn.LastError(); err != nil {
		s.failed = true
		return rc, err
	}
	return rc, nil
}

// Reset rewinds the statement so it can run again. Bound values are kept.
// It does nothing when the statement is already ready.
func (s *Statement) Reset() error {
	if err := s.check(); err != nil {
		return err
	}
	if s.ready {
		return nil
	}
	rc := s.conn.native.reset(s.stmt)
	s.ready = true
	s.row = false
	failed := s.failed
	s.failed = false
	// after a failed step reset returns that step's code again
	if rc != ResultOK && !failed {
		return s.conn.errorFor(rc)
	}
	return nil
}

// ParameterCount returns the number of parameters the statement takes.
func (s *Statement) ParameterCount() int {
	if s.check() != nil {
		return 0
	}
	return s.conn.native.parameterCount(s.stmt)
}

// ParameterIndex returns the position of the parameter called name, including
// its prefix character, or 0 when there is none.
func (s *Statement) ParameterIndex(name string) int {
	if s.check() != nil || strings.IndexByte(name, 0) >= 0 {
		return 0
	}
	return s.conn.native.parameterIndex(s.stmt, name)
}

func (s *Statement) bindResult(rc ResultCode) error {
	if rc == ResultOK {
		return nil
	}
	return s.conn.errorFor(rc)
}

// BindBlob binds a copy of value at pos. An empty value binds an empty blob,
// not NULL.
func (s *Statement) BindBlob(pos int, value []byte) error {
	if err := s.check(); err != nil {
		return err
	}
	if len(value) > math.MaxInt32 {
		return &Error{Code: ResultTooBig, Message: fmt.Sprintf("blob of %d bytes at parameter %d", len(value), pos)}
	}
	return s.bindResult(s.conn.native.bindBlob(s.stmt, pos, value))
}

// BindText binds a copy of value at pos. An empty value binds an empty
// string, not NULL.
func (s *Statement) BindText(pos int, value string) error {
	if err := s.check(); err != nil {
		return err
	}
	if len(value) > math.MaxInt32 {
		return &Error{Code: ResultTooBig, Message: fmt.Sprintf("text of %d bytes at parameter %d", len(value), pos)}
	}
	return s.bindResult(s.conn.native.bindText(s.stmt, pos, value))
}

// BindDouble binds a 64-bit float at pos.
func (s *Statement) BindDouble(pos int, value float64) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.bindResult(s.conn.native.bindDouble(s.stmt, pos, value))
}

// BindInt binds a 32-bit integer at pos.
func (s *Statement) BindInt(pos int, value int32) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.bindResult(s.conn.native.bindInt(s.stmt, pos, value))
}

// BindInt64 binds a 64-bit integer at pos.
func (s *Statement) BindInt64(pos int, value int64) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.bindResult(s.conn.native.bindInt64(s.stmt, pos, value))
}

// BindNull binds NULL at pos.
func (s *Statement) BindNull(pos int) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.bindResult(s.conn.native.bindNull(s.stmt, pos))
}

// ColumnCount returns the number of result columns. It does not need a row.
func (s *Statement) ColumnCount() int {
	if s.check() != nil {
		return 0
	}
	return s.conn.native.columnCount(s.stmt)
}

// ColumnName returns the name of result column pos.
func (s *Statement) ColumnName(pos int) (string, error) {
	if err := s.checkRange(pos); err != nil {
		return "", err
	}
	return s.conn.native.columnName(s.stmt, pos), nil
}

// ColumnDeclType returns the declared type of result column pos, or "" when
// the column is an expression.
func (s *Statement) ColumnDeclType(pos int) (string, error) {
	if err := s.checkRange(pos); err != nil {
		return "", err
	}
	return s.conn.native.columnDecltype(s.stmt, pos), nil
}

func (s *Statement) checkRange(pos int) error {
	if err := s.check(); err != nil {
		return err
	}
	if n := s.conn.native.columnCount(s.stmt); pos < 0 || pos >= n {
		return fmt.Errorf("%w: column %d of %d", ErrColumnRange, pos, n)
	}
	return nil
}

func (s *Statement) checkColumn(pos int) error {
	if err := s.check(); err != nil {
		return err
	}
	if !s.row {
		return ErrNoRow
	}
	return s.checkRange(pos)
}

// ColumnType returns the storage class of column pos in the current row.
func (s *Statement) ColumnType(pos int) (SQLType, error) {
	if err := s.checkColumn(pos); err != nil {
		return 0, err
	}
	t := SQLType(s.conn.native.columnType(s.stmt, pos))
	if t < TypeInteger || t > TypeNull {
		return 0, fmt.Errorf("%w: %d at column %d", ErrUnknownColumnType, int32(t), pos)
	}
	return t, nil
}

// ColumnBlob returns column pos as bytes. The slice points into engine memory
// and is only valid until the next Step, Reset or Close: copy it to keep it.
// NULL reads as an empty slice.
func (s *Statement) ColumnBlob(pos int) ([]byte, error) {
	if err := s.checkColumn(pos); err != nil {
		return nil, err
	}
	b := s.conn.native.columnBlob(s.stmt, pos)
	if b == nil {
		return []byte{}, nil
	}
	return b, nil
}

// ColumnText returns column pos as a string. NULL reads as "".
func (s *Statement) ColumnText(pos int) (string, error) {
	if err := s.checkColumn(pos); err != nil {
		return "", err
	}
	return string(s.conn.native.columnText(s.stmt, pos)), nil
}

// ColumnDouble returns column pos as a float64. NULL reads as 0.
func (s *Statement) ColumnDouble(pos int) (float64, error) {
	if err := s.checkColumn(pos); err != nil {
		return 0, err
	}
	return s.conn.native.columnDouble(s.stmt, pos), nil
}

// ColumnInt returns column pos as an int32, truncating larger values.
func (s *Statement) ColumnInt(pos int) (int32, error) {
	if err := s.checkColumn(pos); err != nil {
		return 0, err
	}
	return s.conn.native.columnInt(s.stmt, pos), nil
}

// ColumnInt64 returns column pos as an int64. NULL reads as 0.
func (s *Statement) ColumnInt64(pos int) (int64, error) {
	if err := s.checkColumn(pos); err != nil {
		return 0, err
	}
	return s.conn.native.columnInt64(s.stmt, pos), nil
}

// ColumnValue returns column pos as int64, float64, string, []byte or nil
// depending on its storage class. Text and blobs are copied.
func (s *Statement) ColumnValue(pos int) (any, error) {
	t, err := s.ColumnType(pos)
	if err != nil {
		return nil, err
	}
	switch t {
	case TypeInteger:
		return s.conn.native.columnInt64(s.stmt, pos), nil
	case TypeFloat:
		return s.conn.native.columnDouble(s.stmt, pos), nil
	case TypeText:
		return string(s.conn.native.columnText(s.stmt, pos)), nil
	case TypeBlob:
		return append([]byte{}, s.conn.native.columnBlob(s.stmt, pos)...), nil
	default:
		return nil, nil
	}
}

// Bind binds values from parameter 1 on. Tuples take one parameter per
// element.
func (s *Statement) Bind(values ...any) error {
	pos := 1
	for _, v := range values {
		next, err := bindValue(s, pos, v)
		if err != nil {
			return err
		}
		pos = next
	}
	return nil
}

// Column decodes the current row from column 0 on into dst, which holds
// pointers.
func (s *Statement) Column(dst ...any) error {
	pos := 0
	for _, d := range dst {
		next, err := columnValue(s, pos, d)
		if err != nil {
			return err
		}
		pos = next
	}
	return nil
}

// Bound resets the statement and binds values, returning s for chaining.
func (s *Statement) Bound(values ...any) (*Statement, error) {
	if err := s.Reset(); err != nil {
		return nil, err
	}
	if err := s.Bind(values...); err != nil {
		return nil, err
	}
	return s, nil
}

// Run resets the statement and steps it until it is done, discarding rows.
func (s *Statement) Run() error {
	if err := s.Reset(); err != nil {
		return err
	}
	for {
		rc, err := s.Step()
		if err != nil {
			return err
		}
		switch rc {
		case ResultRow:
			continue
		case ResultDone:
			return nil
		default:
			return stepCodeError(rc)
		}
	}
}

// Close finalizes the statement. Calling it again does nothing.
func (s *Statement) Close() error {
	if s.closed {
		return nil
	}
	if !s.conn.closed {
		delete(s.conn.stmts, s)
	}
	s.finalize()
	return nil
}

// finalize releases the native statement. The code it returns repeats the
// last step failure, which was already reported.
func (s *Statement) finalize() {
	if s.closed {
		return
	}
	_ = s.conn.native.finalize(s.stmt)
	s.stmt = 0
	s.closed = true
	s.row = false
}

// Map resets s and calls fn once per row, collecting the results in row order.
func Map[R any](s *Statement, fn func(*Statement) (R, error)) ([]R, error) {
	if err := s.Reset(); err != nil {
		return nil, err
	}
	var out []R
	for {
		rc, err := s.Step()
		if err != nil {
			return nil, err
		}
		switch rc {
		case ResultRow:
			r, err := fn(s)
			if err != nil {
				return nil, err
			}
			out = append(out, r)
		case ResultDone:
			return out, nil
		default:
			return nil, stepCodeError(rc)
		}
	}
}

// Single resets s, steps once and decodes the first row with fn. It fails with
// ErrNoRows when there is none. Remaining rows are not read, and s stays on the
// row so views fn returned remain valid until the next Step, Reset or Close.
func Single[R any](s *Statement, fn func(*Statement) (R, error)) (R, error) {
	r, ok, err := Maybe(s, fn)
	if err != nil {
		return r, err
	}
	if !ok {
		return r, ErrNoRows
	}
	return r, nil
}

// Maybe is like Single but reports a missing row through ok instead of an
// error.
func Maybe[R any](s *Statement, fn func(*Statement) (R, error)) (r R, ok bool, err error) {
	if err := s.Reset(); err != nil {
		return r, false, err
	}
	rc, err := s.Step()
	if err != nil {
		return r, false, err
	}
	switch rc {
	case ResultRow:
	case ResultDone:
		return r, false, nil
	default:
		return r, false, stepCodeError(rc)
	}
	r, err = fn(s)
	if err != nil {
		return r, false, err
	}
	return r, true, nil
}

// stepCodeError turns a step code that is neither a row nor done into an
// error for callers that only expect those two.
func stepCodeError(rc ResultCode) error {
	if rc == ResultMisuse {
		return &Error{Code: rc, Message: "statement misuse"}
	}
	return &Error{Code: rc}
}

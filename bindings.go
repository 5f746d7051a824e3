package sqlez

import (
	"errors"
	"fmt"
)

// define all engine level errors here

// note, that OK, ROW, DONE are statuses - so you don't need to create errors for them
var (
	ErrGeneric    = errors.New("sqlez: generic error")
	ErrInternal   = errors.New("sqlez: internal engine error")
	ErrPerm       = errors.New("sqlez: access permission denied")
	ErrAbort      = errors.New("sqlez: operation aborted")
	ErrBusy       = errors.New("sqlez: database is busy")
	ErrLocked     = errors.New("sqlez: database table is locked")
	ErrNoMem      = errors.New("sqlez: out of memory")
	ErrReadonly   = errors.New("sqlez: database is read-only")
	ErrInterrupt  = errors.New("sqlez: operation interrupted")
	ErrIO         = errors.New("sqlez: disk I/O error")
	ErrCorrupt    = errors.New("sqlez: database is corrupt")
	ErrFull       = errors.New("sqlez: database or disk is full")
	ErrCantOpen   = errors.New("sqlez: unable to open database file")
	ErrSchema     = errors.New("sqlez: database schema has changed")
	ErrTooBig     = errors.New("sqlez: string or blob too big")
	ErrConstraint = errors.New("sqlez: constraint failed")
	ErrMismatch   = errors.New("sqlez: datatype mismatch")
	ErrMisuse     = errors.New("sqlez: API misuse")
	ErrRange      = errors.New("sqlez: bind or column index out of range")
	ErrNotADB     = errors.New("sqlez: not a database")
)

// ResultCode is a primary SQLite result code.
type ResultCode int32

// note, that the only real statuses are OK, ROW, DONE - everything else is errors
const (
	ResultOK         ResultCode = 0
	ResultError      ResultCode = 1
	ResultInternal   ResultCode = 2
	ResultPerm       ResultCode = 3
	ResultAbort      ResultCode = 4
	ResultBusy       ResultCode = 5
	ResultLocked     ResultCode = 6
	ResultNoMem      ResultCode = 7
	ResultReadonly   ResultCode = 8
	ResultInterrupt  ResultCode = 9
	ResultIOErr      ResultCode = 10
	ResultCorrupt    ResultCode = 11
	ResultNotFound   ResultCode = 12
	ResultFull       ResultCode = 13
	ResultCantOpen   ResultCode = 14
	ResultProtocol   ResultCode = 15
	ResultEmpty      ResultCode = 16
	ResultSchema     ResultCode = 17
	ResultTooBig     ResultCode = 18
	ResultConstraint ResultCode = 19
	ResultMismatch   ResultCode = 20
	ResultMisuse     ResultCode = 21
	ResultNoLFS      ResultCode = 22
	ResultAuth       ResultCode = 23
	ResultFormat     ResultCode = 24
	ResultRange      ResultCode = 25
	ResultNotADB     ResultCode = 26
	ResultNotice     ResultCode = 27
	ResultWarning    ResultCode = 28
	ResultRow        ResultCode = 100
	ResultDone       ResultCode = 101
)

// Primary returns the primary code of a possibly extended result code.
func (c ResultCode) Primary() ResultCode { return c & 0xff }

// IsStatus reports whether the code is a non-error status.
func (c ResultCode) IsStatus() bool {
	switch c {
	case ResultOK, ResultRow, ResultDone:
		return true
	}
	return false
}

func (c ResultCode) String() string {
	switch c {
	case ResultOK:
		return "SQLITE_OK"
	case ResultRow:
		return "SQLITE_ROW"
	case ResultDone:
		return "SQLITE_DONE"
	case ResultMisuse:
		return "SQLITE_MISUSE"
	}
	if err := codeSentinel(c); err != nil {
		return err.Error()
	}
	return fmt.Sprintf("sqlez: result code %d", int32(c))
}

// SQLType is one of the five SQLite storage classes.
type SQLType int32

const (
	TypeInteger SQLType = 1
	TypeFloat   SQLType = 2
	TypeText    SQLType = 3
	TypeBlob    SQLType = 4
	TypeNull    SQLType = 5
)

func (t SQLType) String() string {
	switch t {
	case TypeInteger:
		return "INTEGER"
	case TypeFloat:
		return "FLOAT"
	case TypeText:
		return "TEXT"
	case TypeBlob:
		return "BLOB"
	case TypeNull:
		return "NULL"
	default:
		return fmt.Sprintf("SQLType(%d)", int32(t))
	}
}

// open flags understood by sqlite3_open_v2
const (
	openReadWrite   int32 = 0x00000002
	openCreate      int32 = 0x00000004
	openURI         int32 = 0x00000040
	openNoMutex     int32 = 0x00008000
	openSharedCache int32 = 0x00020000
)

// defaultOpenFlags never delegates locking to the engine: a handle is used by
// one thread at a time and callers serialize on it.
const defaultOpenFlags = openReadWrite | openCreate | openURI | openNoMutex

// nativeConn is the narrow call surface over one native database handle and
// the statements compiled against it. Statement handles are opaque uintptr
// values owned by the caller until finalize.
//
// Implementations are not safe for concurrent use.
type nativeConn interface {
	// open stores the native handle even on failure so errmsg can be read.
	open(uri string, flags int32) ResultCode
	close() ResultCode
	errcode() ResultCode
	// errmsg returns false when the engine has no message.
	errmsg() (string, bool)

	changes() int64
	lastInsertRowID() int64
	autocommit() bool
	busyTimeout(ms int) ResultCode

	// prepare compiles the first statement of sql and returns the byte offset
	// of the unconsumed tail. stmt is 0 for empty or comment-only input.
	prepare(sql string) (stmt uintptr, tail int, rc ResultCode)
	step(stmt uintptr) ResultCode
	reset(stmt uintptr) ResultCode
	finalize(stmt uintptr) ResultCode
	parameterCount(stmt uintptr) int
	// parameterIndex returns 0 when no parameter has that name
	parameterIndex(stmt uintptr, name string) int

	// text and blob binds must have the engine copy the bytes before returning
	bindBlob(stmt uintptr, pos int, value []byte) ResultCode
	bindText(stmt uintptr, pos int, value string) ResultCode
	bindDouble(stmt uintptr, pos int, value float64) ResultCode
	bindInt(stmt uintptr, pos int, value int32) ResultCode
	bindInt64(stmt uintptr, pos int, value int64) ResultCode
	bindNull(stmt uintptr, pos int) ResultCode

	columnCount(stmt uintptr) int
	columnName(stmt uintptr, col int) string
	columnType(stmt uintptr, col int) int32
	// columnDecltype is the declared type of a result column, empty for expressions
	columnDecltype(stmt uintptr, col int) string
	// columnBlob and columnText return views into engine memory, nil for NULL
	columnBlob(stmt uintptr, col int) []byte
	columnText(stmt uintptr, col int) []byte
	columnDouble(stmt uintptr, col int) float64
	columnInt(stmt uintptr, col int) int32
	columnInt64(stmt uintptr, col int) int64
}

// Helpers

func codeSentinel(code ResultCode) error {
	switch code.Primary() {
	case ResultError:
		return ErrGeneric
	case ResultInternal:
		return ErrInternal
	case ResultPerm:
		return ErrPerm
	case ResultAbort:
		return ErrAbort
	case ResultBusy:
		return ErrBusy
	case ResultLocked:
		return ErrLocked
	case ResultNoMem:
		return ErrNoMem
	case ResultReadonly:
		return ErrReadonly
	case ResultInterrupt:
		return ErrInterrupt
	case ResultIOErr:
		return ErrIO
	case ResultCorrupt:
		return ErrCorrupt
	case ResultFull:
		return ErrFull
	case ResultCantOpen:
		return ErrCantOpen
	case ResultSchema:
		return ErrSchema
	case ResultTooBig:
		return ErrTooBig
	case ResultConstraint:
		return ErrConstraint
	case ResultMismatch:
		return ErrMismatch
	case ResultMisuse:
		return ErrMisuse
	case ResultRange:
		return ErrRange
	case ResultNotADB:
		return ErrNotADB
	default:
		return nil
	}
}

// statusToError turns a native result code and optional message into an error.
func statusToError(code ResultCode, msg string, hasMsg bool) error {
	if code.IsStatus() {
		return nil
	}
	e := &Error{Code: code}
	if hasMsg {
		e.Message = msg
	}
	return e
}

//go:build darwin || linux

package sqlez

import (
	"fmt"
	"runtime"
	"unsafe"

	"github.com/ebitengine/purego"
)

// then, define C extern methods
var (
	// handles are passed as uintptr, Go memory as unsafe.Pointer
	c_sqlite3_open_v2 func(
		filename unsafe.Pointer, // const char*
		ppDb unsafe.Pointer, // sqlite3**
		flags int32,
		zVfs unsafe.Pointer, // const char* | NULL
	) int32

	c_sqlite3_close_v2 func(db uintptr) int32

	c_sqlite3_errcode func(db uintptr) int32

	c_sqlite3_errmsg func(db uintptr) uintptr // const char*

	c_sqlite3_changes func(db uintptr) int32

	c_sqlite3_last_insert_rowid func(db uintptr) int64

	c_sqlite3_get_autocommit func(db uintptr) int32

	c_sqlite3_busy_timeout func(db uintptr, ms int32) int32

	c_sqlite3_prepare_v2 func(
		db uintptr,
		zSql unsafe.Pointer, // const char*
		nByte int32,
		ppStmt unsafe.Pointer, // sqlite3_stmt**
		pzTail unsafe.Pointer, // const char**
	) int32

	c_sqlite3_step func(stmt uintptr) int32

	c_sqlite3_reset func(stmt uintptr) int32

	c_sqlite3_finalize func(stmt uintptr) int32

	c_sqlite3_bind_parameter_count func(stmt uintptr) int32

	c_sqlite3_bind_parameter_index func(stmt uintptr, zName unsafe.Pointer) int32

	c_sqlite3_bind_blob func(
		stmt uintptr,
		pos int32,
		data unsafe.Pointer, // const void*
		n int32,
		xDel uintptr, // destructor or SQLITE_TRANSIENT
	) int32

	c_sqlite3_bind_text func(
		stmt uintptr,
		pos int32,
		data unsafe.Pointer, // const char*
		n int32,
		xDel uintptr,
	) int32

	c_sqlite3_bind_double func(stmt uintptr, pos int32, value float64) int32

	c_sqlite3_bind_int func(stmt uintptr, pos int32, value int32) int32

	c_sqlite3_bind_int64 func(stmt uintptr, pos int32, value int64) int32

	c_sqlite3_bind_null func(stmt uintptr, pos int32) int32

	c_sqlite3_column_count func(stmt uintptr) int32

	c_sqlite3_column_name func(stmt uintptr, col int32) uintptr // const char*

	c_sqlite3_column_type func(stmt uintptr, col int32) int32

	c_sqlite3_column_decltype func(stmt uintptr, col int32) uintptr // const char*

	c_sqlite3_column_blob func(stmt uintptr, col int32) uintptr // const void*

	c_sqlite3_column_text func(stmt uintptr, col int32) uintptr // const unsigned char*

	c_sqlite3_column_bytes func(stmt uintptr, col int32) int32

	c_sqlite3_column_double func(stmt uintptr, col int32) float64

	c_sqlite3_column_int func(stmt uintptr, col int32) int32

	c_sqlite3_column_int64 func(stmt uintptr, col int32) int64
)

// emptyBuf backs zero-length text and blob binds; a NULL pointer would bind NULL.
var emptyBuf = [1]byte{0}

// register_sqlite3 registers extern methods from an already loaded library.
// purego panics on a missing symbol, which is turned into an error here.
func register_sqlite3(handle uintptr) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrLibraryUnavailable, r)
		}
	}()
	purego.RegisterLibFunc(&c_sqlite3_open_v2, handle, "sqlite3_open_v2")
	purego.RegisterLibFunc(&c_sqlite3_close_v2, handle, "sqlite3_close_v2")
	purego.RegisterLibFunc(&c_sqlite3_errcode, handle, "sqlite3_errcode")
	purego.RegisterLibFunc(&c_sqlite3_errmsg, handle, "sqlite3_errmsg")
	purego.RegisterLibFunc(&c_sqlite3_changes, handle, "sqlite3_changes")
	purego.RegisterLibFunc(&c_sqlite3_last_insert_rowid, handle, "sqlite3_last_insert_rowid")
	purego.RegisterLibFunc(&c_sqlite3_get_autocommit, handle, "sqlite3_get_autocommit")
	purego.RegisterLibFunc(&c_sqlite3_busy_timeout, handle, "sqlite3_busy_timeout")
	purego.RegisterLibFunc(&c_sqlite3_prepare_v2, handle, "sqlite3_prepare_v2")
	purego.RegisterLibFunc(&c_sqlite3_step, handle, "sqlite3_step")
	purego.RegisterLibFunc(&c_sqlite3_reset, handle, "sqlite3_reset")
	purego.RegisterLibFunc(&c_sqlite3_finalize, handle, "sqlite3_finalize")
	purego.RegisterLibFunc(&c_sqlite3_bind_parameter_count, handle, "sqlite3_bind_parameter_count")
	purego.RegisterLibFunc(&c_sqlite3_bind_parameter_index, handle, "sqlite3_bind_parameter_index")
	purego.RegisterLibFunc(&c_sqlite3_bind_blob, handle, "sqlite3_bind_blob")
	purego.RegisterLibFunc(&c_sqlite3_bind_text, handle, "sqlite3_bind_text")
	purego.RegisterLibFunc(&c_sqlite3_bind_double, handle, "sqlite3_bind_double")
	purego.RegisterLibFunc(&c_sqlite3_bind_int, handle, "sqlite3_bind_int")
	purego.RegisterLibFunc(&c_sqlite3_bind_int64, handle, "sqlite3_bind_int64")
	purego.RegisterLibFunc(&c_sqlite3_bind_null, handle, "sqlite3_bind_null")
	purego.RegisterLibFunc(&c_sqlite3_column_count, handle, "sqlite3_column_count")
	purego.RegisterLibFunc(&c_sqlite3_column_name, handle, "sqlite3_column_name")
	purego.RegisterLibFunc(&c_sqlite3_column_type, handle, "sqlite3_column_type")
	purego.RegisterLibFunc(&c_sqlite3_column_decltype, handle, "sqlite3_column_decltype")
	purego.RegisterLibFunc(&c_sqlite3_column_blob, handle, "sqlite3_column_blob")
	purego.RegisterLibFunc(&c_sqlite3_column_text, handle, "sqlite3_column_text")
	purego.RegisterLibFunc(&c_sqlite3_column_bytes, handle, "sqlite3_column_bytes")
	purego.RegisterLibFunc(&c_sqlite3_column_double, handle, "sqlite3_column_double")
	purego.RegisterLibFunc(&c_sqlite3_column_int, handle, "sqlite3_column_int")
	purego.RegisterLibFunc(&c_sqlite3_column_int64, handle, "sqlite3_column_int64")
	return nil
}

// dlopenLibrary loads the shared library at path and registers its symbols.
func dlopenLibrary(path string) (uintptr, error) {
	handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrLibraryUnavailable, err)
	}
	if err := register_sqlite3(handle); err != nil {
		_ = purego.Dlclose(handle)
		return 0, err
	}
	return handle, nil
}

// systemConn drives a libsqlite3 loaded at runtime.
type systemConn struct {
	db uintptr // sqlite3*
}

func newSystemConn() nativeConn {
	return &systemConn{}
}

func (n *systemConn) open(uri string, flags int32) ResultCode {
	name := cBytes(uri)
	var db uintptr
	rc := c_sqlite3_open_v2(unsafe.Pointer(&name[0]), unsafe.Pointer(&db), flags, nil)
	runtime.KeepAlive(name)
	n.db = db
	return ResultCode(rc)
}

func (n *systemConn) close() ResultCode {
	if n.db == 0 {
		return ResultOK
	}
	rc := c_sqlite3_close_v2(n.db)
	n.db = 0
	return ResultCode(rc)
}

func (n *systemConn) errcode() ResultCode {
	return ResultCode(c_sqlite3_errcode(n.db))
}

func (n *systemConn) errmsg() (string, bool) {
	p := c_sqlite3_errmsg(n.db)
	if p == 0 {
		return "", false
	}
	return copyCString(p), true
}

func (n *systemConn) changes() int64 {
	return int64(c_sqlite3_changes(n.db))
}

func (n *systemConn) lastInsertRowID() int64 {
	return c_sqlite3_last_insert_rowid(n.db)
}

func (n *systemConn) autocommit() bool {
	return c_sqlite3_get_autocommit(n.db) != 0
}

func (n *systemConn) busyTimeout(ms int) ResultCode {
	return ResultCode(c_sqlite3_busy_timeout(n.db, int32(ms)))
}

func (n *systemConn) prepare(sql string) (uintptr, int, ResultCode) {
	// the tail pointer points into this buffer, so it must be ours rather
	// than a temporary conversion made for the call
	text := cBytes(sql)
	base := unsafe.Pointer(&text[0])
	var stmt, tail uintptr
	rc := c_sqlite3_prepare_v2(n.db, base, -1, unsafe.Pointer(&stmt), unsafe.Pointer(&tail))
	off := len(sql)
	if tail != 0 {
		off = int(tail - uintptr(base))
	}
	runtime.KeepAlive(text)
	return stmt, off, ResultCode(rc)
}

func (n *systemConn) step(stmt uintptr) ResultCode {
	return ResultCode(c_sqlite3_step(stmt))
}

func (n *systemConn) reset(stmt uintptr) ResultCode {
	return ResultCode(c_sqlite3_reset(stmt))
}

func (n *systemConn) finalize(stmt uintptr) ResultCode {
	return ResultCode(c_sqlite3_finalize(stmt))
}

func (n *systemConn) parameterCount(stmt uintptr) int {
	return int(c_sqlite3_bind_parameter_count(stmt))
}

func (n *systemConn) parameterIndex(stmt uintptr, name string) int {
	z := cBytes(name)
	idx := c_sqlite3_bind_parameter_index(stmt, unsafe.Pointer(&z[0]))
	runtime.KeepAlive(z)
	return int(idx)
}

func (n *systemConn) bindBlob(stmt uintptr, pos int, value []byte) ResultCode {
	ptr := unsafe.Pointer(&emptyBuf[0])
	if len(value) > 0 {
		ptr = unsafe.Pointer(&value[0])
	}
	rc := c_sqlite3_bind_blob(stmt, int32(pos), ptr, int32(len(value)), sqliteTransient)
	runtime.KeepAlive(value)
	return ResultCode(rc)
}

func (n *systemConn) bindText(stmt uintptr, pos int, value string) ResultCode {
	ptr := unsafe.Pointer(&emptyBuf[0])
	if len(value) > 0 {
		ptr = unsafe.Pointer(unsafe.StringData(value))
	}
	rc := c_sqlite3_bind_text(stmt, int32(pos), ptr, int32(len(value)), sqliteTransient)
	runtime.KeepAlive(value)
	return ResultCode(rc)
}

func (n *systemConn) bindDouble(stmt uintptr, pos int, value float64) ResultCode {
	return ResultCode(c_sqlite3_bind_double(stmt, int32(pos), value))
}

func (n *systemConn) bindInt(stmt uintptr, pos int, value int32) ResultCode {
	return ResultCode(c_sqlite3_bind_int(stmt, int32(pos), value))
}

func (n *systemConn) bindInt64(stmt uintptr, pos int, value int64) ResultCode {
	return ResultCode(c_sqlite3_bind_int64(stmt, int32(pos), value))
}

func (n *systemConn) bindNull(stmt uintptr, pos int) ResultCode {
	return ResultCode(c_sqlite3_bind_null(stmt, int32(pos)))
}

func (n *systemConn) columnCount(stmt uintptr) int {
	return int(c_sqlite3_column_count(stmt))
}

func (n *systemConn) columnName(stmt uintptr, col int) string {
	return copyCString(c_sqlite3_column_name(stmt, int32(col)))
}

func (n *systemConn) columnType(stmt uintptr, col int) int32 {
	return c_sqlite3_column_type(stmt, int32(col))
}

func (n *systemConn) columnDecltype(stmt uintptr, col int) string {
	return copyCString(c_sqlite3_column_decltype(stmt, int32(col)))
}

func (n *systemConn) columnBlob(stmt uintptr, col int) []byte {
	p := c_sqlite3_column_blob(stmt, int32(col))
	return nativeView(p, int(c_sqlite3_column_bytes(stmt, int32(col))))
}

func (n *systemConn) columnText(stmt uintptr, col int) []byte {
	p := c_sqlite3_column_text(stmt, int32(col))
	return nativeView(p, int(c_sqlite3_column_bytes(stmt, int32(col))))
}

func (n *systemConn) columnDouble(stmt uintptr, col int) float64 {
	return c_sqlite3_column_double(stmt, int32(col))
}

func (n *systemConn) columnInt(stmt uintptr, col int) int32 {
	return c_sqlite3_column_int(stmt, int32(col))
}

func (n *systemConn) columnInt64(stmt uintptr, col int) int64 {
	return c_sqlite3_column_int64(stmt, int32(col))
}

// Helpers

func cBytes(s string) []byte {
	b := make([]byte, len(s)+1)
	copy(b, s)
	return b
}

func copyCString(p uintptr) string {
	if p == 0 {
		return ""
	}
	n := 0
	for *(*byte)(unsafe.Add(unsafe.Pointer(p), n)) != 0 {
		n++
	}
	if n == 0 {
		return ""
	}
	return string(unsafe.Slice((*byte)(unsafe.Pointer(p)), n))
}

func nativeView(p uintptr, size int) []byte {
	if p == 0 {
		return nil
	}
	if size <= 0 {
		return []byte{}
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(p)), size)
}

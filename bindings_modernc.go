package sqlez

import (
	"unsafe"

	"modernc.org/libc"
	"modernc.org/libc/sys/types"
	sqlite3 "modernc.org/sqlite/lib"
)

const ptrSize = unsafe.Sizeof(uintptr(0))

// sqliteTransient is SQLITE_TRANSIENT, ((sqlite3_destructor_type)-1): the
// engine copies text and blob values before the bind call returns.
const sqliteTransient = ^uintptr(0)

// moderncConn drives the pure Go translation of SQLite. Every call goes
// through the connection's own TLS, so a moderncConn must stay on one
// goroutine at a time.
type moderncConn struct {
	tls *libc.TLS
	db  uintptr // *sqlite3.Xsqlite3
}

func newModerncConn() *moderncConn {
	return &moderncConn{tls: libc.NewTLS()}
}

func (n *moderncConn) malloc(size int) uintptr {
	return libc.Xmalloc(n.tls, types.Size_t(size))
}

func (n *moderncConn) free(p uintptr) {
	if p != 0 {
		libc.Xfree(n.tls, p)
	}
}

// C documentation
//
//	int sqlite3_open_v2(const char *filename, sqlite3 **ppDb, int flags, const char *zVfs);
func (n *moderncConn) open(uri string, flags int32) ResultCode {
	pp := n.malloc(int(ptrSize))
	if pp == 0 {
		return ResultNoMem
	}
	defer n.free(pp)
	*(*uintptr)(unsafe.Pointer(pp)) = 0

	s, err := libc.CString(uri)
	if err != nil {
		return ResultNoMem
	}
	defer n.free(s)

	rc := sqlite3.Xsqlite3_open_v2(n.tls, s, pp, flags, 0)
	n.db = *(*uintptr)(unsafe.Pointer(pp))
	return ResultCode(rc)
}

// C documentation
//
//	int sqlite3_close_v2(sqlite3*);
func (n *moderncConn) close() ResultCode {
	var rc int32
	if n.db != 0 {
		rc = sqlite3.Xsqlite3_close_v2(n.tls, n.db)
		n.db = 0
	}
	if n.tls != nil {
		n.tls.Close()
		n.tls = nil
	}
	return ResultCode(rc)
}

func (n *moderncConn) errcode() ResultCode {
	if n.db == 0 {
		return ResultNoMem
	}
	return ResultCode(sqlite3.Xsqlite3_errcode(n.tls, n.db))
}

func (n *moderncConn) errmsg() (string, bool) {
	if n.db == 0 {
		return "", false
	}
	p := sqlite3.Xsqlite3_errmsg(n.tls, n.db)
	if p == 0 {
		return "", false
	}
	return libc.GoString(p), true
}

func (n *moderncConn) changes() int64 {
	return int64(sqlite3.Xsqlite3_changes(n.tls, n.db))
}

func (n *moderncConn) lastInsertRowID() int64 {
	return sqlite3.Xsqlite3_last_insert_rowid(n.tls, n.db)
}

func (n *moderncConn) autocommit() bool {
	return sqlite3.Xsqlite3_get_autocommit(n.tls, n.db) != 0
}

func (n *moderncConn) busyTimeout(ms int) ResultCode {
	return ResultCode(sqlite3.Xsqlite3_busy_timeout(n.tls, n.db, int32(ms)))
}

// C documentation
//
//	int sqlite3_prepare_v2(sqlite3 *db, const char *zSql, int nByte, sqlite3_stmt **ppStmt, const char **pzTail);
func (n *moderncConn) prepare(sql string) (uintptr, int, ResultCode) {
	z, err := libc.CString(sql)
	if err != nil {
		return 0, 0, ResultNoMem
	}
	defer n.free(z)

	pp := n.malloc(2 * int(ptrSize))
	if pp == 0 {
		return 0, 0, ResultNoMem
	}
	defer n.free(pp)
	*(*uintptr)(unsafe.Pointer(pp)) = 0
	*(*uintptr)(unsafe.Pointer(pp + ptrSize)) = 0

	rc := sqlite3.Xsqlite3_prepare_v2(n.tls, n.db, z, -1, pp, pp+ptrSize)
	stmt := *(*uintptr)(unsafe.Pointer(pp))
	tail := len(sql)
	if p := *(*uintptr)(unsafe.Pointer(pp + ptrSize)); p != 0 {
		tail = int(p - z)
	}
	return stmt, tail, ResultCode(rc)
}

func (n *moderncConn) step(stmt uintptr) ResultCode {
	return ResultCode(sqlite3.Xsqlite3_step(n.tls, stmt))
}

func (n *moderncConn) reset(stmt uintptr) ResultCode {
	return ResultCode(sqlite3.Xsqlite3_reset(n.tls, stmt))
}

func (n *moderncConn) finalize(stmt uintptr) ResultCode {
	return ResultCode(sqlite3.Xsqlite3_finalize(n.tls, stmt))
}

func (n *moderncConn) parameterCount(stmt uintptr) int {
	return int(sqlite3.Xsqlite3_bind_parameter_count(n.tls, stmt))
}

func (n *moderncConn) parameterIndex(stmt uintptr, name string) int {
	z, err := libc.CString(name)
	if err != nil {
		return 0
	}
	defer n.free(z)
	return int(sqlite3.Xsqlite3_bind_parameter_index(n.tls, stmt, z))
}

// C documentation
//
//	int sqlite3_bind_blob(sqlite3_stmt*, int, const void*, int n, void(*)(void*));
func (n *moderncConn) bindBlob(stmt uintptr, pos int, value []byte) ResultCode {
	size := len(value)
	// a NULL data pointer would bind NULL instead of an empty blob
	p := n.malloc(max(size, 1))
	if p == 0 {
		return ResultNoMem
	}
	defer n.free(p)
	if size > 0 {
		copy((*libc.RawMem)(unsafe.Pointer(p))[:size:size], value)
	}
	return ResultCode(sqlite3.Xsqlite3_bind_blob(n.tls, stmt, int32(pos), p, int32(size), sqliteTransient))
}

// C documentation
//
//	int sqlite3_bind_text(sqlite3_stmt*,int,const char*,int,void(*)(void*));
func (n *moderncConn) bindText(stmt uintptr, pos int, value string) ResultCode {
	p, err := libc.CString(value)
	if err != nil {
		return ResultNoMem
	}
	defer n.free(p)
	return ResultCode(sqlite3.Xsqlite3_bind_text(n.tls, stmt, int32(pos), p, int32(len(value)), sqliteTransient))
}

func (n *moderncConn) bindDouble(stmt uintptr, pos int, value float64) ResultCode {
	return ResultCode(sqlite3.Xsqlite3_bind_double(n.tls, stmt, int32(pos), value))
}

func (n *moderncConn) bindInt(stmt uintptr, pos int, value int32) ResultCode {
	return ResultCode(sqlite3.Xsqlite3_bind_int(n.tls, stmt, int32(pos), value))
}

func (n *moderncConn) bindInt64(stmt uintptr, pos int, value int64) ResultCode {
	return ResultCode(sqlite3.Xsqlite3_bind_int64(n.tls, stmt, int32(pos), value))
}

func (n *moderncConn) bindNull(stmt uintptr, pos int) ResultCode {
	return ResultCode(sqlite3.Xsqlite3_bind_null(n.tls, stmt, int32(pos)))
}

func (n *moderncConn) columnCount(stmt uintptr) int {
	return int(sqlite3.Xsqlite3_column_count(n.tls, stmt))
}

func (n *moderncConn) columnName(stmt uintptr, col int) string {
	return libc.GoString(sqlite3.Xsqlite3_column_name(n.tls, stmt, int32(col)))
}

func (n *moderncConn) columnType(stmt uintptr, col int) int32 {
	return sqlite3.Xsqlite3_column_type(n.tls, stmt, int32(col))
}

func (n *moderncConn) columnDecltype(stmt uintptr, col int) string {
	p := sqlite3.Xsqlite3_column_decltype(n.tls, stmt, int32(col))
	if p == 0 {
		return ""
	}
	return libc.GoString(p)
}

// C documentation
//
//	const void *sqlite3_column_blob(sqlite3_stmt*, int iCol);
func (n *moderncConn) columnBlob(stmt uintptr, col int) []byte {
	p := sqlite3.Xsqlite3_column_blob(n.tls, stmt, int32(col))
	size := int(sqlite3.Xsqlite3_column_bytes(n.tls, stmt, int32(col)))
	return moderncView(p, size)
}

// C documentation
//
//	const unsigned char *sqlite3_column_text(sqlite3_stmt*, int iCol);
func (n *moderncConn) columnText(stmt uintptr, col int) []byte {
	p := sqlite3.Xsqlite3_column_text(n.tls, stmt, int32(col))
	size := int(sqlite3.Xsqlite3_column_bytes(n.tls, stmt, int32(col)))
	return moderncView(p, size)
}

func (n *moderncConn) columnDouble(stmt uintptr, col int) float64 {
	return sqlite3.Xsqlite3_column_double(n.tls, stmt, int32(col))
}

func (n *moderncConn) columnInt(stmt uintptr, col int) int32 {
	return sqlite3.Xsqlite3_column_int(n.tls, stmt, int32(col))
}

func (n *moderncConn) columnInt64(stmt uintptr, col int) int64 {
	return sqlite3.Xsqlite3_column_int64(n.tls, stmt, int32(col))
}

func moderncView(p uintptr, size int) []byte {
	if p == 0 {
		return nil
	}
	if size <= 0 {
		return []byte{}
	}
	return (*libc.RawMem)(unsafe.Pointer(p))[:size:size]
}

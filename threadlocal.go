package sqlez

import (
	"bytes"
	"errors"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
)

// ThreadLocal hands every OS thread its own Conn to one logical store.
//
// Connections are opened lazily, the first time a thread asks for one. In
// persistent mode they open the store at the uri. Otherwise they open the
// shared in-memory store named by the uri, so every thread sees the same
// data.
//
// Goroutines move between OS threads, so a Conn from ThreadLocal must only be
// used while the goroutine is locked to its thread. With does that for you.
type ThreadLocal struct {
	reg    *registry
	closed atomic.Bool
}

// registry is shared by a ThreadLocal and all of its clones.
type registry struct {
	uri        string
	persistent bool
	cfg        config

	mu     sync.Mutex
	refs   int
	closed bool
	slots  map[uint64]*slot
}

// slot holds one thread's connection. It is opened at most once.
type slot struct {
	once sync.Once
	conn *Conn
	err  error
}

// NewThreadLocal records uri and the persistence policy. Nothing is opened
// until a thread asks for its connection.
func NewThreadLocal(uri string, persistent bool, opts ...Option) *ThreadLocal {
	return &ThreadLocal{
		reg: &registry{
			uri:        uri,
			persistent: persistent,
			cfg:        newConfig(opts),
			refs:       1,
			slots:      make(map[uint64]*slot),
		},
	}
}

// URI returns the logical store identity.
func (t *ThreadLocal) URI() string {
	return t.reg.uri
}

// Persistent reports whether connections open the file store.
func (t *ThreadLocal) Persistent() bool {
	return t.reg.persistent
}

// Clone returns a handle sharing the same per-thread connections. Each clone
// must be closed.
func (t *ThreadLocal) Clone() *ThreadLocal {
	t.reg.mu.Lock()
	defer t.reg.mu.Unlock()
	t.reg.refs++
	return &ThreadLocal{reg: t.reg}
}

// Conn returns the calling thread's connection, opening it on first use.
// The caller must hold runtime.LockOSThread for as long as it uses the
// connection.
//
// A failed open is not remembered: the next call on the thread tries again.
func (t *ThreadLocal) Conn() (*Conn, error) {
	if t.closed.Load() {
		return nil, ErrConnClosed
	}
	r := t.reg
	id := threadID()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrConnClosed
	}
	sl, ok := r.slots[id]
	if !ok {
		sl = &slot{}
		r.slots[id] = sl
	}
	r.mu.Unlock()

	sl.once.Do(func() {
		sl.conn, sl.err = r.open(id)
	})
	if sl.err != nil {
		r.mu.Lock()
		if r.slots[id] == sl {
			delete(r.slots, id)
		}
		r.mu.Unlock()
		return nil, sl.err
	}
	if sl.conn == nil {
		// the registry was closed before this slot was opened
		return nil, ErrConnClosed
	}
	return sl.conn, nil
}

// With runs fn with the calling thread's connection, keeping the goroutine on
// that thread until fn returns.
func (t *ThreadLocal) With(fn func(*Conn) error) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	c, err := t.Conn()
	if err != nil {
		return err
	}
	return fn(c)
}

// Close releases this handle. Closing the last handle closes every thread's
// connection. Connections must not be in use at that point.
func (t *ThreadLocal) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	r := t.reg
	r.mu.Lock()
	r.refs--
	if r.refs > 0 {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	slots := r.slots
	r.slots = nil
	r.mu.Unlock()

	var errs []error
	for _, sl := range slots {
		// waits for an open in flight, or stops one from starting
		sl.once.Do(func() {})
		if sl.conn != nil {
			errs = append(errs, sl.conn.Close())
		}
	}
	return errors.Join(errs...)
}

func (r *registry) open(id uint64) (*Conn, error) {
	logger := r.cfg.logger
	if !r.persistent {
		c, err := openConn(MemoryURI(r.uri), r.cfg)
		if err == nil {
			logger.Debug("sqlez: thread connection created", "thread", id, "uri", c.URI())
		}
		return c, err
	}
	c, err := openConn(r.uri, r.cfg)
	if err == nil {
		logger.Debug("sqlez: thread connection created", "thread", id, "uri", c.URI())
		return c, nil
	}
	if !r.cfg.memoryFallback {
		return nil, err
	}
	logger.Warn("sqlez: persistent store unavailable, falling back to shared memory store",
		"uri", r.uri, "thread", id, "error", err)
	return openConn(MemoryURI(r.uri), r.cfg)
}

// goroutineID parses the current goroutine's id from its stack header.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := bytes.TrimPrefix(buf[:n], []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i > 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseUint(string(b), 10, 64)
	return id
}

package sqlez

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

type savepointState int

const (
	savepointOpen savepointState = iota
	savepointReleased
	savepointRolledBack
)

// Savepoint guards a named SQLite savepoint on a Conn.
//
// It is open from creation until Release or Rollback. Close rolls back a
// savepoint that is still open, so the usual pattern is:
//
//	sp, err := conn.Savepoint("batch")
//	if err != nil {
//		return err
//	}
//	defer sp.Close()
//	// ... statements on sp.Conn() ...
//	return sp.Release()
type Savepoint struct {
	conn  *Conn
	name  string
	state savepointState
}

// SavePoint opens savepoint name on conn. Savepoints nest when names differ.
func SavePoint(conn *Conn, name string) (*Savepoint, error) {
	if name == "" {
		return nil, malformed("empty savepoint name")
	}
	if err := conn.Exec("SAVEPOINT " + quoteIdent(name)); err != nil {
		return nil, err
	}
	return &Savepoint{conn: conn, name: name}, nil
}

// Savepoint opens savepoint name on c.
func (c *Conn) Savepoint(name string) (*Savepoint, error) {
	return SavePoint(c, name)
}

// Name returns the savepoint name.
func (sp *Savepoint) Name() string {
	return sp.name
}

// Conn returns the connection the savepoint is open on.
func (sp *Savepoint) Conn() *Conn {
	return sp.conn
}

// Exec runs sql on the savepoint's connection.
func (sp *Savepoint) Exec(sql string) error {
	return sp.conn.Exec(sql)
}

// Prepare compiles sql on the savepoint's connection.
func (sp *Savepoint) Prepare(sql string) (*Statement, error) {
	return sp.conn.Prepare(sql)
}

// Release keeps the savepoint's changes. If the engine refuses, the savepoint
// stays open and Close still rolls it back.
func (sp *Savepoint) Release() error {
	if sp.state != savepointOpen {
		return ErrSavepointDone
	}
	if err := sp.conn.Exec("RELEASE " + quoteIdent(sp.name)); err != nil {
		return err
	}
	sp.state = savepointReleased
	return nil
}

// Rollback undoes everything done since the savepoint was opened and removes
// it from the savepoint stack. If either step fails the savepoint stays open.
func (sp *Savepoint) Rollback() error {
	if sp.state != savepointOpen {
		return ErrSavepointDone
	}
	name := quoteIdent(sp.name)
	// ROLLBACK TO leaves the savepoint open, RELEASE pops it
	if err := sp.conn.Exec("ROLLBACK TO " + name); err != nil {
		return err
	}
	if err := sp.conn.Exec("RELEASE " + name); err != nil {
		return err
	}
	sp.state = savepointRolledBack
	return nil
}

// Close rolls the savepoint back if neither Release nor Rollback succeeded.
// It panics when that rollback fails: the connection is left in an unknown
// transaction state and must not be used further.
func (sp *Savepoint) Close() {
	if sp.state != savepointOpen {
		return
	}
	sp.conn.logger.Debug("sqlez: rolling back unfinished savepoint", "name", sp.name, "uri", sp.conn.uri)
	if err := sp.Rollback(); err != nil {
		panic(fmt.Sprintf("sqlez: automatic rollback of savepoint %q failed: %v", sp.name, err))
	}
}

// Transaction runs fn inside a fresh savepoint. The savepoint is released when
// fn returns nil and rolled back when it returns an error or panics.
func (c *Conn) Transaction(fn func(*Conn) error) error {
	sp, err := c.Savepoint(newSavepointName())
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			if rbErr := sp.Rollback(); rbErr != nil {
				panic(fmt.Sprintf("%v (rollback: %v)", r, rbErr))
			}
			panic(r)
		}
	}()
	if err := fn(c); err != nil {
		if rbErr := sp.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	if err := sp.Release(); err != nil {
		sp.Close()
		return err
	}
	return nil
}

func newSavepointName() string {
	return "sqlez_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// quoteIdent quotes name as an SQL identifier.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

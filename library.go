package sqlez

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
)

// Library selects the engine a connection is opened against.
type Library interface {
	// Name identifies the engine, for logs.
	Name() string
	connect() nativeConn
}

type builtinLibrary struct{}

func (builtinLibrary) Name() string { return "modernc" }

func (builtinLibrary) connect() nativeConn { return newModerncConn() }

// Builtin is the SQLite translation linked into the binary. It needs no cgo and
// no system library, and is the default.
var Builtin Library = builtinLibrary{}

type systemLibrary struct {
	path string
}

func (l *systemLibrary) Name() string { return l.path }

func (l *systemLibrary) connect() nativeConn { return newSystemConn() }

var (
	systemMu     sync.Mutex
	systemLoaded *systemLibrary
)

// LoadLibrary loads a system libsqlite3 at runtime.
//
// With an empty path, SQLEZ_LIB_PATH is tried first, then the platform's
// default library names. Symbols live in process-wide variables, so only one
// system library can be loaded: asking for a different path afterwards fails.
func LoadLibrary(path string) (Library, error) {
	systemMu.Lock()
	defer systemMu.Unlock()

	if systemLoaded != nil {
		if path == "" || path == systemLoaded.path {
			return systemLoaded, nil
		}
		return nil, fmt.Errorf("%w: %s already loaded, cannot load %s", ErrLibraryUnavailable, systemLoaded.path, path)
	}

	candidates := libraryCandidates(path)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: unsupported operating system: %s", ErrLibraryUnavailable, runtime.GOOS)
	}
	var errs []error
	for _, candidate := range candidates {
		if _, err := dlopenLibrary(candidate); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", candidate, err))
			continue
		}
		systemLoaded = &systemLibrary{path: candidate}
		return systemLoaded, nil
	}
	return nil, errors.Join(errs...)
}

// libraryCandidates lists the paths LoadLibrary tries, in order.
func libraryCandidates(path string) []string {
	if path != "" {
		return []string{path}
	}
	var out []string
	if env := os.Getenv("SQLEZ_LIB_PATH"); env != "" {
		out = append(out, env)
	}
	switch runtime.GOOS {
	case "darwin":
		out = append(out, "libsqlite3.dylib", "/usr/lib/libsqlite3.dylib", "/opt/homebrew/opt/sqlite/lib/libsqlite3.dylib")
	case "linux":
		out = append(out, "libsqlite3.so.0", "libsqlite3.so")
	case "windows":
		out = append(out, "sqlite3.dll")
	}
	return out
}

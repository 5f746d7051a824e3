//go:build !darwin && !linux

package sqlez

import "fmt"

func dlopenLibrary(path string) (uintptr, error) {
	return 0, fmt.Errorf("%w: runtime loading is not supported on this platform (%s)", ErrLibraryUnavailable, path)
}

func newSystemConn() nativeConn {
	return nil
}

package sqlez

import (
	"sync"

	"github.com/ebitengine/purego"
)

var (
	pthreadOnce    sync.Once
	c_pthread_self func() uintptr // pthread_t
)

// threadID uses pthread_self from libSystem. If libSystem cannot be loaded,
// goroutine ids are used for every call instead.
func threadID() uint64 {
	pthreadOnce.Do(func() {
		handle, err := purego.Dlopen("/usr/lib/libSystem.B.dylib", purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			return
		}
		purego.RegisterLibFunc(&c_pthread_self, handle, "pthread_self")
	})
	if c_pthread_self == nil {
		return goroutineID()
	}
	return uint64(c_pthread_self())
}

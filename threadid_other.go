//go:build !linux && !windows && !darwin

package sqlez

// threadID falls back to the goroutine id. It is stable for the life of a
// goroutine, which is the unit callers lock to a thread anyway.
func threadID() uint64 {
	return goroutineID()
}

package watchdog

// Interrupter lets the monitor hand work to the host goroutine.
//
// RequestInterrupt must not block and must be safe to call from any
// goroutine. The host runs fn at its next safe point, before its next
// scheduled unit of work. A request cannot be withdrawn once made.
type Interrupter interface {
	RequestInterrupt(fn func())
}

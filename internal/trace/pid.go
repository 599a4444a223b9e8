package trace

import "sync/atomic"

// PIDBinding holds the process id of the tracked target. Zero means unbound.
// The first ProcessStart wins: a bound PID only changes back to zero on the
// matching ProcessStop.
type PIDBinding struct {
	v atomic.Uint32
}

// BindIfAbsent binds pid when nothing is bound yet.
func (b *PIDBinding) BindIfAbsent(pid uint32) bool {
	return pid != 0 && b.v.CompareAndSwap(0, pid)
}

// Release unbinds pid if it is the bound one.
func (b *PIDBinding) Release(pid uint32) bool {
	return pid != 0 && b.v.CompareAndSwap(pid, 0)
}

// Load returns the bound pid or zero.
func (b *PIDBinding) Load() uint32 { return b.v.Load() }

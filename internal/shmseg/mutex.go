package shmseg

import (
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// mutex states. "recovering" is a claim token: exactly one acquirer can
// transition locked->recovering, guaranteeing only one of them performs the
// recovery pass and becomes the new owner.
const (
	mutexUnlocked   uint32 = 0
	mutexLocked     uint32 = 1
	mutexRecovering uint32 = 2
)

// spinAttempts bounds how long Lock spins on the CPU before backing off to
// short sleeps.
const spinAttempts = 1000

// RobustMutex is a process-shared mutex emulation for platforms (like Go)
// without a binding to pthread_mutex's PTHREAD_PROCESS_SHARED |
// PTHREAD_MUTEX_ROBUST attributes. Since there is no native platform
// primitive to lean on here, it emulates one with a CAS spinlock
// plus an owner PID used as the liveness lease: if the current holder's
// process has exited, the next Lock call observes that and performs
// recovery instead of spinning forever. RobustMutex is plain old data: it
// must live inside a mapped shared-memory segment, never on the Go heap,
// and is safe to use only through pointers obtained via Segment.Base()
// arithmetic.
type RobustMutex struct {
	state    uint32
	ownerPID uint32
}

// Lock blocks until the mutex is acquired. recovered reports whether the
// previous holder's process had died and this call performed the implicit
// recovery claim (the mutex is now held by the caller either way) — the
// caller MUST run its recovery pass before touching protected state when
// recovered is true, exactly as it would on a native robust mutex's
// EOWNERDEAD.
func (m *RobustMutex) Lock() (recovered bool) {
	attempt := 0
	for {
		if atomic.CompareAndSwapUint32(&m.state, mutexUnlocked, mutexLocked) {
			atomic.StoreUint32(&m.ownerPID, uint32(os.Getpid()))
			return false
		}

		if atomic.LoadUint32(&m.state) == mutexLocked {
			pid := atomic.LoadUint32(&m.ownerPID)
			if pid != 0 && !processAlive(int(pid)) {
				if atomic.CompareAndSwapUint32(&m.state, mutexLocked, mutexRecovering) {
					atomic.StoreUint32(&m.ownerPID, uint32(os.Getpid()))
					atomic.StoreUint32(&m.state, mutexLocked)
					return true
				}
				// Someone else won the recovery claim; loop and retry.
			}
		}

		attempt++
		if attempt < spinAttempts {
			runtime.Gosched()
		} else {
			time.Sleep(time.Millisecond)
		}
	}
}

// ForceOwnerForTest marks the mutex locked by the given pid without going
// through Lock. It exists for tests outside shmseg that need to forge a
// stale owner; it must not be called outside tests.
func (m *RobustMutex) ForceOwnerForTest(pid uint32) {
	atomic.StoreUint32(&m.state, mutexLocked)
	atomic.StoreUint32(&m.ownerPID, pid)
}

// Unlock releases the mutex. The caller must be the current holder.
func (m *RobustMutex) Unlock() {
	atomic.StoreUint32(&m.ownerPID, 0)
	atomic.StoreUint32(&m.state, mutexUnlocked)
}

// processAlive reports whether pid refers to a live process, using the
// signal-0 idiom: sending signal 0 performs error checking without
// actually delivering a signal.
func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	return err != unix.ESRCH
}

// SpinLock is the mailbox's single global lock: a bounded spin/yield
// budget that surfaces as a timeout rather than blocking forever, since
// the mailbox's error taxonomy has no equivalent to the pipe's
// crash-recovery path.
type SpinLock struct {
	state uint32
}

// TryLockWithBudget attempts to acquire the lock, spinning/yielding up to
// maxAttempts times. It reports false if the budget was exhausted.
func (s *SpinLock) TryLockWithBudget(maxAttempts int) bool {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if atomic.CompareAndSwapUint32(&s.state, 0, 1) {
			return true
		}
		if attempt < spinAttempts {
			runtime.Gosched()
		} else {
			time.Sleep(time.Microsecond * 100)
		}
	}
	return false
}

// Unlock releases the lock.
func (s *SpinLock) Unlock() {
	atomic.StoreUint32(&s.state, 0)
}

// Package xerror defines the sentinel error taxonomy shared by the
// shared-memory pipe and mailbox: transient control-flow conditions,
// contract violations, and fatal segment-level failures.
package xerror

import "errors"

var (
	// ErrNoFreeSlot is returned by Hold when every slot is occupied.
	// Transient: normal back-pressure signal, never wrapped further.
	ErrNoFreeSlot = errors.New("no free slot")

	// ErrNoMessageAvailable is returned by Fetch when no slot is FULL.
	ErrNoMessageAvailable = errors.New("no message available")

	// ErrInvalidIndex is returned when an operation is given an
	// out-of-range slot or box index. The caller made a programming
	// error; state is never mutated before this is returned.
	ErrInvalidIndex = errors.New("invalid index")

	// ErrInvalidState is returned when an operation's precondition on
	// the state byte does not hold (e.g. Store on a slot that isn't
	// PENDING-WRITE). State is never mutated before this is returned.
	ErrInvalidState = errors.New("invalid state for operation")

	// ErrPayloadTooLarge is returned by Store when the encoded message
	// does not fit in the slot's payload capacity. Store never truncates.
	ErrPayloadTooLarge = errors.New("payload too large for slot")

	// ErrLockTimeout is returned by the mailbox global lock after its
	// bounded spin/yield attempt budget is exhausted.
	ErrLockTimeout = errors.New("lock timeout")

	// ErrLockOwnerDied signals that a robust mutex was acquired after
	// observing its previous owner had died. The caller must run the
	// associated recovery pass before treating the lock as consistent.
	ErrLockOwnerDied = errors.New("lock owner died, recovery required")

	// ErrSegmentInitFailed is returned when a shared-memory segment
	// cannot be created or opened. Fatal at startup.
	ErrSegmentInitFailed = errors.New("segment init failed")

	// ErrMagicMismatch is returned when a reopened segment's magic
	// number does not match the expected value. Never overwrite an
	// unknown segment.
	ErrMagicMismatch = errors.New("magic mismatch")

	// ErrVersionMismatch is returned when a reopened segment's version
	// field does not match the version this build understands.
	ErrVersionMismatch = errors.New("version mismatch")
)

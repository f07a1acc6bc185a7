package slotpipe

// State is one of the five states a slot can be in. Stored as a uint32 in
// shared memory rather than a single byte, since sync/atomic has no
// byte-atomic primitive; the state byte is padded out to alignment
// regardless, so this only changes the padding's width.
type State uint32

const (
	// Empty: unused, writable by a producer.
	Empty State = iota
	// PendingWrite: reserved by a producer, no payload yet.
	PendingWrite
	// InProgress: the reserving party is actively writing or reading.
	InProgress
	// PendingRead: reserved by a consumer, payload still present.
	PendingRead
	// Full: contains a committed message.
	Full
)

func (s State) String() string {
	switch s {
	case Empty:
		return "EMPTY"
	case PendingWrite:
		return "PENDING_WRITE"
	case InProgress:
		return "IN_PROGRESS"
	case PendingRead:
		return "PENDING_READ"
	case Full:
		return "FULL"
	default:
		return "UNKNOWN"
	}
}

// slotHeaderSize is the fixed portion of every slot: a 4-byte state word,
// 4 bytes of alignment padding, then an 8-byte request id. The variable
// data region of SlotSize bytes follows immediately after.
const slotHeaderSize = 16

const (
	slotStateOffset     = 0
	slotRequestIDOffset = 8
	slotDataOffset      = slotHeaderSize
)

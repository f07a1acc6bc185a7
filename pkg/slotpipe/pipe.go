// Package slotpipe implements SharedSlotPipe: a fixed-capacity ring of
// length-prefixed message slots in POSIX shared memory, coordinated by a
// per-slot state machine and two process-shared mutexes. The mmap/layout
// idiom is taken from AlephTX-aleph-tx's feeder/shm package.
package slotpipe

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/mi7io/mi7/internal/shmseg"
	"github.com/mi7io/mi7/internal/wire"
	"github.com/mi7io/mi7/internal/xerror"
)

// header is the fixed, POD portion of the segment, overlaid directly at
// the segment's base address. Field order is load-bearing: Go does not
// reorder struct fields, so this lays out the two mutexes followed by
// the two pointers byte for byte, modulo RobustMutex's own two uint32
// words being exactly 8 bytes with no padding.
type header struct {
	writeMutex   shmseg.RobustMutex
	readMutex    shmseg.RobustMutex
	writePointer uint64
	readPointer  uint64
	seq          uint64
}

// Pipe is a handle to an open SharedSlotPipe segment.
type Pipe struct {
	seg     *shmseg.Segment
	hdr     *header
	slots   unsafe.Pointer
	profile Profile
	stride  int
}

func segmentSize(p Profile) int {
	return int(unsafe.Sizeof(header{})) + p.Capacity*(slotHeaderSize+p.SlotSize)
}

// Create creates (or attaches to, if it already exists) a named pipe
// segment with the given profile and initializes it if this process is
// the first to map it.
func Create(name string, profile Profile) (*Pipe, error) {
	if err := profile.validate(); err != nil {
		return nil, err
	}

	seg, err := shmseg.Open(name, segmentSize(profile))
	if err != nil {
		return nil, fmt.Errorf("slotpipe: %w", err)
	}

	p := newPipe(seg, profile)
	if seg.Created() {
		p.init()
	}

	return p, nil
}

// Connect attaches to a named pipe segment with the given profile. The
// profile must match what the creating process used. If the segment does
// not exist yet, it is created and initialized exactly as Create does.
func Connect(name string, profile Profile) (*Pipe, error) {
	if err := profile.validate(); err != nil {
		return nil, err
	}

	seg, err := shmseg.Open(name, segmentSize(profile))
	if err != nil {
		return nil, fmt.Errorf("slotpipe: %w", err)
	}

	p := newPipe(seg, profile)
	if seg.Created() {
		p.init()
	}

	return p, nil
}

func newPipe(seg *shmseg.Segment, profile Profile) *Pipe {
	hdr := (*header)(seg.Base())
	slotsBase := unsafe.Add(seg.Base(), unsafe.Sizeof(header{}))

	return &Pipe{
		seg:     seg,
		hdr:     hdr,
		slots:   slotsBase,
		profile: profile,
		stride:  slotHeaderSize + profile.SlotSize,
	}
}

func (p *Pipe) init() {
	p.hdr.writePointer = 0
	p.hdr.readPointer = 0
	atomic.StoreUint64(&p.hdr.seq, 1)

	for i := 0; i < p.profile.Capacity; i++ {
		p.setState(i, Empty)
		p.setRequestID(i, 0)
		clear(p.slotData(i))
	}
}

// Close unmaps the pipe's segment.
func (p *Pipe) Close() error {
	return p.seg.Close()
}

// Unlink removes the pipe's backing shared-memory name.
func (p *Pipe) Unlink() error {
	return p.seg.Unlink()
}

// Capacity returns the number of slots in the ring.
func (p *Pipe) Capacity() int { return p.profile.Capacity }

// SlotSize returns the payload capacity of a single slot, in bytes.
func (p *Pipe) SlotSize() int { return p.profile.SlotSize }

// Profile returns the profile this pipe was constructed with.
func (p *Pipe) Profile() Profile { return p.profile }

func (p *Pipe) slotBase(i int) unsafe.Pointer {
	return unsafe.Add(p.slots, i*p.stride)
}

func (p *Pipe) statePtr(i int) *uint32 {
	return (*uint32)(unsafe.Add(p.slotBase(i), slotStateOffset))
}

func (p *Pipe) requestIDPtr(i int) *uint64 {
	return (*uint64)(unsafe.Add(p.slotBase(i), slotRequestIDOffset))
}

func (p *Pipe) slotData(i int) []byte {
	return unsafe.Slice((*byte)(unsafe.Add(p.slotBase(i), slotDataOffset)), p.profile.SlotSize)
}

func (p *Pipe) getState(i int) State {
	return State(atomic.LoadUint32(p.statePtr(i)))
}

func (p *Pipe) setState(i int, s State) {
	atomic.StoreUint32(p.statePtr(i), uint32(s))
}

func (p *Pipe) getRequestID(i int) uint64 {
	return atomic.LoadUint64(p.requestIDPtr(i))
}

func (p *Pipe) setRequestID(i int, id uint64) {
	atomic.StoreUint64(p.requestIDPtr(i), id)
}

// checkIndex validates a caller-supplied slot index without mutating any
// state: an invalid index must return an error and leave the ring
// untouched.
func (p *Pipe) checkIndex(index int) error {
	if index < 0 || index >= p.profile.Capacity {
		return fmt.Errorf("slotpipe: %w: %d", xerror.ErrInvalidIndex, index)
	}
	return nil
}

// nextInState scans forward from current+1, wrapping, for a slot holding
// target. It stops before revisiting current. Returns -1 if none is
// found.
func (p *Pipe) nextInState(current int, target State) int {
	n := p.profile.Capacity
	idx := (current + 1) % n
	for idx != current {
		if p.getState(idx) == target {
			return idx
		}
		idx = (idx + 1) % n
	}
	return -1
}

// Hold reserves one EMPTY slot and transitions it to PENDING-WRITE,
// returning its index. Returns ErrNoFreeSlot if the ring is full. The
// write pointer is advisory: if it doesn't currently point at an EMPTY
// slot, Hold scans forward (the gap-tolerant pointer-advance rule).
func (p *Pipe) Hold() (int, error) {
	if p.hdr.writeMutex.Lock() {
		p.recoverWriteSide()
	}
	defer p.hdr.writeMutex.Unlock()

	wp := int(p.hdr.writePointer)
	if p.getState(wp) != Empty {
		found := p.nextInState(wp, Empty)
		if found < 0 {
			return 0, xerror.ErrNoFreeSlot
		}
		wp = found
	}

	p.setState(wp, PendingWrite)
	reserved := wp
	p.hdr.writePointer = uint64((wp + 1) % p.profile.Capacity)

	return reserved, nil
}

// Store commits value into a slot previously reserved by Hold, assigning a
// fresh monotonic request id and driving the slot to FULL. The precondition
// is that the slot at index is PENDING-WRITE; violating it returns
// ErrInvalidState without mutating anything.
func (p *Pipe) Store(index int, value wire.Message) (uint64, error) {
	if err := p.checkIndex(index); err != nil {
		return 0, err
	}

	if p.getState(index) != PendingWrite {
		return 0, fmt.Errorf("slotpipe: %w: slot %d is %s, want PENDING_WRITE", xerror.ErrInvalidState, index, p.getState(index))
	}

	if wire.EncodedSize(value) > p.profile.SlotSize {
		return 0, fmt.Errorf("slotpipe: %w: encoded size %d exceeds slot size %d",
			xerror.ErrPayloadTooLarge, wire.EncodedSize(value), p.profile.SlotSize)
	}

	p.setState(index, InProgress)

	requestID := atomic.AddUint64(&p.hdr.seq, 1) - 1

	data := p.slotData(index)
	clear(data)
	copy(data, wire.Encode(value))
	p.setRequestID(index, requestID)

	p.setState(index, Full)

	return requestID, nil
}

// Fetch reserves one FULL slot and transitions it to PENDING-READ,
// returning its index. Returns ErrNoMessageAvailable if the ring holds no
// committed message.
func (p *Pipe) Fetch() (int, error) {
	if p.hdr.readMutex.Lock() {
		p.recoverReadSide()
	}
	defer p.hdr.readMutex.Unlock()

	rp := int(p.hdr.readPointer)
	if p.getState(rp) != Full {
		found := p.nextInState(rp, Full)
		if found < 0 {
			return 0, xerror.ErrNoMessageAvailable
		}
		rp = found
	}

	p.setState(rp, PendingRead)
	reserved := rp
	p.hdr.readPointer = uint64((rp + 1) % p.profile.Capacity)

	return reserved, nil
}

// Release consumes a slot previously reserved by Fetch, returning its
// request id and decoded payload, and drives the slot back to EMPTY. The
// precondition is that the slot at index is PENDING-READ.
func (p *Pipe) Release(index int) (uint64, wire.Message, error) {
	if err := p.checkIndex(index); err != nil {
		return 0, wire.Message{}, err
	}

	if p.getState(index) != PendingRead {
		return 0, wire.Message{}, fmt.Errorf("slotpipe: %w: slot %d is %s, want PENDING_READ", xerror.ErrInvalidState, index, p.getState(index))
	}

	p.setState(index, InProgress)

	requestID := p.getRequestID(index)
	msg, err := wire.Decode(p.slotData(index))

	p.setState(index, Empty)
	p.setRequestID(index, 0)
	clear(p.slotData(index))

	if err != nil {
		return 0, wire.Message{}, fmt.Errorf("slotpipe: decode slot %d: %w", index, err)
	}

	return requestID, msg, nil
}

// SetSlotState forcibly sets a slot's state, outside the
// Hold/Store/Fetch/Release handshake: it takes neither mutex and checks
// no precondition beyond the index. Nothing in this module's fanout
// components calls it.
func (p *Pipe) SetSlotState(index int, s State) error {
	if err := p.checkIndex(index); err != nil {
		return err
	}
	p.setState(index, s)
	return nil
}

// GetSlotState returns a slot's current state.
func (p *Pipe) GetSlotState(index int) (State, error) {
	if err := p.checkIndex(index); err != nil {
		return 0, err
	}
	return p.getState(index), nil
}

// Status summarizes the ring's occupancy.
type Status struct {
	Capacity     int
	MessageCount int
}

// Status scans the ring and reports how many slots are not EMPTY.
func (p *Pipe) Status() Status {
	count := 0
	for i := 0; i < p.profile.Capacity; i++ {
		if p.getState(i) != Empty {
			count++
		}
	}
	return Status{Capacity: p.profile.Capacity, MessageCount: count}
}

// recoverWriteSide runs after the write mutex reports its previous holder
// died. Any slot left PENDING-WRITE by the dead holder is reset to EMPTY;
// slots in reader-owned states are left alone. A consumer's IN-PROGRESS
// window looks identical to a producer's in the state byte alone, so a
// producer crash mid-Store (IN-PROGRESS) is indistinguishable from a
// consumer's IN-PROGRESS without additional bookkeeping; it is
// conservatively left unreclaimed rather than risk discarding a
// consumer's in-flight read.
func (p *Pipe) recoverWriteSide() {
	for i := 0; i < p.profile.Capacity; i++ {
		if p.getState(i) == PendingWrite {
			p.setState(i, Empty)
			p.setRequestID(i, 0)
			clear(p.slotData(i))
		}
	}
}

// recoverReadSide is the read-mutex's counterpart to recoverWriteSide: a
// slot left PENDING-READ by a dead consumer still holds its committed
// payload, so it is returned to FULL rather than EMPTY — the message must
// not be silently dropped.
func (p *Pipe) recoverReadSide() {
	for i := 0; i < p.profile.Capacity; i++ {
		if p.getState(i) == PendingRead {
			p.setState(i, Full)
		}
	}
}

// Package mailbox implements SharedMailbox: a size-bucketed shared-memory
// store for large, variable-size payloads, coordinated by a single global
// lock rather than the slot pipe's per-slot state machine. Size classes
// are configurable rather than a fixed MB-sized enum.
package mailbox

import (
	"fmt"
	"sort"
	"sync/atomic"
	"unsafe"

	"github.com/c2h5oh/datasize"

	"github.com/mi7io/mi7/internal/bitset"
	"github.com/mi7io/mi7/internal/shmseg"
	"github.com/mi7io/mi7/internal/xerror"
)

const (
	magic   uint32 = 0x4D41494C // "MAIL"
	version uint32 = 1
)

const lockAttemptBudget = 100000

// BoxState is one of the mailbox's four box states.
type BoxState uint32

const (
	Empty BoxState = iota
	Writing
	Full
	Reading
)

func (s BoxState) String() string {
	switch s {
	case Empty:
		return "EMPTY"
	case Writing:
		return "WRITING"
	case Full:
		return "FULL"
	case Reading:
		return "READING"
	default:
		return "UNKNOWN"
	}
}

// SizeClass configures one bucket of boxes: a payload ceiling and how many
// boxes of that ceiling to provision.
type SizeClass struct {
	Size  datasize.ByteSize
	Count int
}

// mailboxHeader is the fixed POD header overlaid at the segment base.
type mailboxHeader struct {
	magic      uint32
	version    uint32
	totalBoxes uint32
	_          uint32 // alignment padding
	lock       shmseg.SpinLock
	nextBoxID  uint32
	_          uint32
}

// boxMetadata is the fixed-stride per-box metadata record.
type boxMetadata struct {
	id         uint32
	state      uint32
	size       uint64
	dataLength uint32
	_          uint32
	dataOffset uint64
}

const boxMetadataSize = int(unsafe.Sizeof(boxMetadata{}))

// Mailbox is a handle to an open SharedMailbox segment.
type Mailbox struct {
	seg     *shmseg.Segment
	hdr     *mailboxHeader
	classes []SizeClass
	boxes   []*boxMetadata
	// bucketIndices maps a size-class index (position in classes) to the
	// indices into boxes belonging to that bucket, rebuilt on every open
	// by walking the metadata array.
	bucketIndices [][]int
	// freeBoxes mirrors bucketIndices: freeBoxes[ci] has bit p set when
	// the box at bucketIndices[ci][p] is EMPTY, so GetEmptyBox doesn't
	// need to scan past already-occupied boxes in a hot bucket.
	freeBoxes []*bitset.TinyBitset
	// boxClass and boxPos are the inverse of bucketIndices: for the box
	// at m.boxes[i], boxClass[i] and boxPos[i] give the coordinates to
	// flip back into freeBoxes once that box returns to EMPTY.
	boxClass []int
	boxPos   []int
}

// maxBoxesPerClass bounds how many boxes a single size class can hold,
// set by freeBoxes' underlying bitset width.
const maxBoxesPerClass = 64 * bitset.MaxBitsetWords

func totalBoxCount(classes []SizeClass) int {
	n := 0
	for _, c := range classes {
		n += c.Count
	}
	return n
}

func segmentSize(classes []SizeClass) int {
	total := int(unsafe.Sizeof(mailboxHeader{})) + totalBoxCount(classes)*boxMetadataSize
	for _, c := range classes {
		total += c.Count * int(c.Size.Bytes())
	}
	return total
}

// Create opens (creating if missing) a named mailbox segment sized for
// classes. classes must be supplied in the same order every time a peer
// opens this segment; bucket layout is derived positionally from it.
func Create(name string, classes []SizeClass) (*Mailbox, error) {
	if len(classes) == 0 {
		return nil, fmt.Errorf("mailbox: at least one size class is required")
	}
	for ci, c := range classes {
		if c.Count > maxBoxesPerClass {
			return nil, fmt.Errorf("mailbox: size class %d has %d boxes, more than the %d supported per class", ci, c.Count, maxBoxesPerClass)
		}
	}

	seg, err := shmseg.Open(name, segmentSize(classes))
	if err != nil {
		return nil, fmt.Errorf("mailbox: %w", err)
	}

	m := &Mailbox{seg: seg, hdr: (*mailboxHeader)(seg.Base()), classes: classes}

	if seg.Created() {
		m.initialize()
	} else if err := m.validateAndRebuild(); err != nil {
		seg.Close()
		return nil, err
	}

	return m, nil
}

func (m *Mailbox) boxRegionBase() unsafe.Pointer {
	return unsafe.Add(m.seg.Base(), unsafe.Sizeof(mailboxHeader{}))
}

func (m *Mailbox) boxPtr(index int) *boxMetadata {
	return (*boxMetadata)(unsafe.Add(m.boxRegionBase(), index*boxMetadataSize))
}

// initialize stamps the header and lays out bucket metadata for a freshly
// created segment.
func (m *Mailbox) initialize() {
	total := totalBoxCount(m.classes)

	m.hdr.magic = magic
	m.hdr.version = version
	m.hdr.totalBoxes = uint32(total)
	m.hdr.nextBoxID = 1

	dataStart := int(unsafe.Sizeof(mailboxHeader{})) + total*boxMetadataSize
	dataOffset := dataStart

	m.boxes = make([]*boxMetadata, 0, total)
	m.bucketIndices = make([][]int, len(m.classes))
	m.freeBoxes = make([]*bitset.TinyBitset, len(m.classes))
	m.boxClass = make([]int, 0, total)
	m.boxPos = make([]int, 0, total)

	boxID := uint32(1)
	for ci, class := range m.classes {
		bucket := make([]int, 0, class.Count)
		free := &bitset.TinyBitset{}
		for i := 0; i < class.Count; i++ {
			idx := len(m.boxes)
			bm := m.boxPtr(idx)
			bm.id = boxID
			bm.state = uint32(Empty)
			bm.size = class.Size.Bytes()
			bm.dataLength = 0
			bm.dataOffset = uint64(dataOffset)

			m.boxes = append(m.boxes, bm)
			m.boxClass = append(m.boxClass, ci)
			m.boxPos = append(m.boxPos, i)
			bucket = append(bucket, idx)
			free.Insert(uint32(i))

			boxID++
			dataOffset += int(class.Size.Bytes())
		}
		m.bucketIndices[ci] = bucket
		m.freeBoxes[ci] = free
	}
}

// validateAndRebuild checks an existing segment's header and rebuilds the
// in-process bucket index and free-box tracking by walking the metadata
// array.
func (m *Mailbox) validateAndRebuild() error {
	if m.hdr.magic != magic {
		return fmt.Errorf("mailbox: %w: got 0x%x, want 0x%x", xerror.ErrMagicMismatch, m.hdr.magic, magic)
	}
	if m.hdr.version != version {
		return fmt.Errorf("mailbox: %w: got %d, want %d", xerror.ErrVersionMismatch, m.hdr.version, version)
	}

	total := int(m.hdr.totalBoxes)
	m.boxes = make([]*boxMetadata, total)
	for i := 0; i < total; i++ {
		m.boxes[i] = m.boxPtr(i)
	}

	m.bucketIndices = make([][]int, len(m.classes))
	m.freeBoxes = make([]*bitset.TinyBitset, len(m.classes))
	m.boxClass = make([]int, total)
	m.boxPos = make([]int, total)

	for ci, class := range m.classes {
		bucket := make([]int, 0, class.Count)
		for i, bm := range m.boxes {
			if bm.size == class.Size.Bytes() {
				bucket = append(bucket, i)
			}
		}
		sort.Ints(bucket)
		m.bucketIndices[ci] = bucket

		free := &bitset.TinyBitset{}
		for pos, idx := range bucket {
			m.boxClass[idx] = ci
			m.boxPos[idx] = pos
			if m.boxes[idx].getState() == Empty {
				free.Insert(uint32(pos))
			}
		}
		m.freeBoxes[ci] = free
	}

	return nil
}

// Close unmaps the mailbox's segment.
func (m *Mailbox) Close() error { return m.seg.Close() }

// Unlink removes the mailbox's backing shared-memory name.
func (m *Mailbox) Unlink() error { return m.seg.Unlink() }

func (bm *boxMetadata) getState() BoxState     { return BoxState(atomic.LoadUint32(&bm.state)) }
func (bm *boxMetadata) setState(s BoxState)    { atomic.StoreUint32(&bm.state, uint32(s)) }
func (bm *boxMetadata) getDataLength() uint32  { return atomic.LoadUint32(&bm.dataLength) }
func (bm *boxMetadata) setDataLength(n uint32) { atomic.StoreUint32(&bm.dataLength, n) }

func (m *Mailbox) data(bm *boxMetadata) []byte {
	return unsafe.Slice((*byte)(unsafe.Add(m.seg.Base(), bm.dataOffset)), bm.size)
}

func (m *Mailbox) findByID(boxID uint32) (*boxMetadata, error) {
	_, bm, err := m.findIndexByID(boxID)
	return bm, err
}

func (m *Mailbox) findIndexByID(boxID uint32) (int, *boxMetadata, error) {
	for i, bm := range m.boxes {
		if atomic.LoadUint32(&bm.id) == boxID {
			return i, bm, nil
		}
	}
	return 0, nil, fmt.Errorf("mailbox: %w: box id %d", xerror.ErrInvalidIndex, boxID)
}

// markFree flips the free-box bit for the box at global index idx back on,
// making it visible to the next GetEmptyBox call for its size class.
func (m *Mailbox) markFree(idx int) {
	m.freeBoxes[m.boxClass[idx]].Insert(uint32(m.boxPos[idx]))
}

// Lock acquires the mailbox's single global lock, spinning/yielding up to
// a bounded attempt budget before surfacing ErrLockTimeout. Callers must
// call Unlock when done; all metadata mutations and data writes must
// happen while holding it.
func (m *Mailbox) Lock() error {
	if !m.hdr.lock.TryLockWithBudget(lockAttemptBudget) {
		return fmt.Errorf("mailbox: %w: after %d attempts", xerror.ErrLockTimeout, lockAttemptBudget)
	}
	return nil
}

// Unlock releases the mailbox's global lock.
func (m *Mailbox) Unlock() {
	m.hdr.lock.Unlock()
}

// GetEmptyBox scans the bucket for classIndex (the position of the
// desired SizeClass in the slice passed to Create) for the first EMPTY
// box, transitions it to WRITING, and returns its id. Callers must hold
// the mailbox lock.
func (m *Mailbox) GetEmptyBox(classIndex int) (uint32, error) {
	if classIndex < 0 || classIndex >= len(m.bucketIndices) {
		return 0, fmt.Errorf("mailbox: %w: size class index %d", xerror.ErrInvalidIndex, classIndex)
	}

	var (
		pos   uint32
		boxID uint32
		found bool
	)
	m.freeBoxes[classIndex].Traverse(func(p uint32) bool {
		pos = p
		found = true
		return false
	})
	if !found {
		return 0, xerror.ErrNoFreeSlot
	}

	idx := m.bucketIndices[classIndex][pos]
	bm := m.boxes[idx]
	bm.setState(Writing)
	m.freeBoxes[classIndex].Remove(pos)
	boxID = bm.id

	return boxID, nil
}

// WriteData copies data into a box previously reserved by GetEmptyBox and
// transitions it to FULL. The precondition is that the box is WRITING;
// violating it, or exceeding the box's size class, returns an error and
// leaves the box untouched (an oversize write leaves the box in WRITING;
// callers needing auto-revert should call Abort).
func (m *Mailbox) WriteData(boxID uint32, data []byte) error {
	bm, err := m.findByID(boxID)
	if err != nil {
		return err
	}

	if bm.getState() != Writing {
		return fmt.Errorf("mailbox: %w: box %d is %s, want WRITING", xerror.ErrInvalidState, boxID, bm.getState())
	}

	if uint64(len(data)) > bm.size {
		return fmt.Errorf("mailbox: %w: %d bytes exceeds box size %d", xerror.ErrPayloadTooLarge, len(data), bm.size)
	}

	dst := m.data(bm)
	copy(dst, data)
	bm.setDataLength(uint32(len(data)))
	bm.setState(Full)

	return nil
}

// StartReading transitions a FULL box to READING.
func (m *Mailbox) StartReading(boxID uint32) error {
	bm, err := m.findByID(boxID)
	if err != nil {
		return err
	}

	if bm.getState() != Full {
		return fmt.Errorf("mailbox: %w: box %d is %s, want FULL", xerror.ErrInvalidState, boxID, bm.getState())
	}

	bm.setState(Reading)
	return nil
}

// ReadData returns a copy of a READING box's committed bytes.
func (m *Mailbox) ReadData(boxID uint32) ([]byte, error) {
	bm, err := m.findByID(boxID)
	if err != nil {
		return nil, err
	}

	if bm.getState() != Reading {
		return nil, fmt.Errorf("mailbox: %w: box %d is %s, want READING", xerror.ErrInvalidState, boxID, bm.getState())
	}

	length := bm.getDataLength()
	out := make([]byte, length)
	copy(out, m.data(bm)[:length])

	return out, nil
}

// FinishReading transitions a READING box back to EMPTY, zeroing its
// recorded data length.
func (m *Mailbox) FinishReading(boxID uint32) error {
	idx, bm, err := m.findIndexByID(boxID)
	if err != nil {
		return err
	}

	if bm.getState() != Reading {
		return fmt.Errorf("mailbox: %w: box %d is %s, want READING", xerror.ErrInvalidState, boxID, bm.getState())
	}

	bm.setDataLength(0)
	bm.setState(Empty)
	m.markFree(idx)
	return nil
}

// Abort reverts a box stuck in WRITING (e.g. after a rejected oversize
// write) back to EMPTY. It is offered as an explicit recovery op rather
// than an automatic revert, so a caller that wants to retry against the
// same box still can before giving up on it.
func (m *Mailbox) Abort(boxID uint32) error {
	idx, bm, err := m.findIndexByID(boxID)
	if err != nil {
		return err
	}

	if bm.getState() != Writing {
		return fmt.Errorf("mailbox: %w: box %d is %s, want WRITING", xerror.ErrInvalidState, boxID, bm.getState())
	}

	bm.setDataLength(0)
	bm.setState(Empty)
	m.markFree(idx)
	return nil
}

// Stats summarizes the mailbox's box occupancy.
type Stats struct {
	TotalCount   int
	EmptyCount   int
	WritingCount int
	FullCount    int
	ReadingCount int
}

// Stats scans every box and tallies its state.
func (m *Mailbox) Stats() Stats {
	var s Stats
	s.TotalCount = len(m.boxes)

	for _, bm := range m.boxes {
		switch bm.getState() {
		case Empty:
			s.EmptyCount++
		case Writing:
			s.WritingCount++
		case Full:
			s.FullCount++
		case Reading:
			s.ReadingCount++
		}
	}

	return s
}

// Package shmseg provides the shared-memory primitives common to the slot
// pipe and the mailbox: opening/creating a named POSIX-style segment under
// /dev/shm, mapping it into the process, and a process-shared robust mutex
// emulation layered on top of it.
//
// Grounded on AlephTX-aleph-tx's feeder/shm package (file-backed /dev/shm
// mmap via syscall.Mmap), adapted to golang.org/x/sys/unix since Go has
// no native shm_open wrapper.
package shmseg

import (
	"fmt"
	"os"
	"path"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/mi7io/mi7/internal/xerror"
)

// pageSize is the rounding unit every segment's size is padded up to,
// matching page-aligned shared-memory allocation on the platforms this
// emulates.
const pageSize = 4096

// shmDir is where named segments live, mirroring POSIX shm_open's
// convention of a name starting with "/" mapping into a tmpfs. Tests
// override this to a throwaway directory.
var shmDir = "/dev/shm"

// SetShmDirForTest overrides the directory segments are created under. It
// exists so packages outside shmseg can isolate their own tests from the
// real /dev/shm; it must not be called outside tests.
func SetShmDirForTest(dir string) {
	shmDir = dir
}

// Segment is a named, fixed-size shared-memory region mapped identically
// into every process that opens it.
type Segment struct {
	file    *os.File
	data    []byte
	path    string
	created bool
}

func segmentPath(name string) (string, error) {
	if len(name) == 0 || name[0] != '/' {
		return "", fmt.Errorf("%w: segment name must start with '/', got %q", xerror.ErrSegmentInitFailed, name)
	}
	return path.Join(shmDir, name[1:]), nil
}

// roundUpPage rounds size up to the next multiple of the page size.
func roundUpPage(size int) int {
	return (size + pageSize - 1) &^ (pageSize - 1)
}

// Create creates a new named segment of exactly size bytes (rounded up to
// the page size) and maps it. It is an error for the segment to already
// exist, whatever its size; use Open to attach to an existing segment.
func Create(name string, size int) (*Segment, error) {
	p, err := segmentPath(name)
	if err != nil {
		return nil, err
	}

	mapSize := roundUpPage(size)

	f, err := os.OpenFile(p, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o666)
	if err != nil {
		return nil, fmt.Errorf("%w: create segment %q: %w", xerror.ErrSegmentInitFailed, name, err)
	}

	if err := f.Truncate(int64(mapSize)); err != nil {
		f.Close()
		os.Remove(p)
		return nil, fmt.Errorf("%w: truncate segment %q: %w", xerror.ErrSegmentInitFailed, name, err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, mapSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		os.Remove(p)
		return nil, fmt.Errorf("%w: mmap segment %q: %w", xerror.ErrSegmentInitFailed, name, err)
	}

	return &Segment{file: f, data: data, path: p, created: true}, nil
}

// Open opens (and creates if missing) a named segment of exactly size
// bytes (rounded up to the page size). The first process to create the backing file is reported via
// Segment.Created; subsequent openers attach to the existing mapping.
func Open(name string, size int) (*Segment, error) {
	p, err := segmentPath(name)
	if err != nil {
		return nil, err
	}

	mapSize := roundUpPage(size)

	f, err := os.OpenFile(p, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return nil, fmt.Errorf("%w: open segment %q: %w", xerror.ErrSegmentInitFailed, name, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: stat segment %q: %w", xerror.ErrSegmentInitFailed, name, err)
	}

	created := info.Size() == 0
	if created {
		if err := f.Truncate(int64(mapSize)); err != nil {
			f.Close()
			return nil, fmt.Errorf("%w: truncate segment %q: %w", xerror.ErrSegmentInitFailed, name, err)
		}
	} else if info.Size() != int64(mapSize) {
		f.Close()
		return nil, fmt.Errorf("%w: segment %q exists with size %d, expected %d",
			xerror.ErrSegmentInitFailed, name, info.Size(), mapSize)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, mapSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: mmap segment %q: %w", xerror.ErrSegmentInitFailed, name, err)
	}

	return &Segment{file: f, data: data, path: p, created: created}, nil
}

// Created reports whether this call initialized the segment (i.e. this
// process was the first to map it) as opposed to attaching to an existing
// one.
func (s *Segment) Created() bool { return s.created }

// Bytes returns the raw mapped region.
func (s *Segment) Bytes() []byte { return s.data }

// Base returns a pointer to the start of the mapped region, for overlaying
// fixed-layout structs via unsafe.Pointer arithmetic. Offsets into the
// segment must never be converted back into absolute addresses that
// outlive this mapping: peers map the same segment at different virtual
// addresses.
func (s *Segment) Base() unsafe.Pointer {
	return unsafe.Pointer(&s.data[0])
}

// Close unmaps the segment. It does not remove the backing file; call
// Unlink for that.
func (s *Segment) Close() error {
	if s.data != nil {
		if err := unix.Munmap(s.data); err != nil {
			return err
		}
		s.data = nil
	}
	return s.file.Close()
}

// Unlink removes the named segment's backing file. Whichever peer maps the
// segment last and unlinks it reclaims the memory; no process owns the
// segment for its lifetime.
func (s *Segment) Unlink() error {
	return os.Remove(s.path)
}

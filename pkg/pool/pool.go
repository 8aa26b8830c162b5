// Package pool provides memory-mapped pool files for the heap allocator.
//
// A pool file is the heap region verbatim: the heap header sits at offset 0
// and the mapped bytes are handed to pkg/heap as-is. The pool also supplies
// the heap's persist operations, implemented with msync write-back. A full
// WAL-fronted implementation lives with the transaction engine; the msync
// variant is enough for tools and tests that only need durability, not
// atomicity.
package pool

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/marmos91/pmheap/pkg/heap"
)

// Pool errors
var (
	// ErrClosed is returned when operations are attempted on a closed pool.
	ErrClosed = errors.New("pool is closed")

	// ErrTooSmall is returned when a pool file is below the heap minimum.
	ErrTooSmall = errors.New("pool file smaller than minimum heap size")
)

// Pool is one mapped pool file.
type Pool struct {
	path string
	file *os.File
	data []byte

	// heapSize is the heap size handed to heap.Init and heap.Boot. It is
	// kept in memory only: Create sets it through Init, while a pool from
	// Open starts at zero and Boot adopts the mapped size.
	heapSize uint64
}

// Create creates and maps a new pool file of the given size and formats it
// as an empty heap.
func Create(path string, size uint64) (*Pool, error) {
	if size < heap.HeapMinSize {
		return nil, fmt.Errorf("%w: %d < %d", ErrTooSmall, size, heap.HeapMinSize)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating pool directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_EXCL, 0600)
	if err != nil {
		return nil, fmt.Errorf("creating pool file: %w", err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("sizing pool file: %w", err)
	}

	p, err := mapFile(path, f, size)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}

	if err := heap.Init(p.data, &p.heapSize, p.Ops()); err != nil {
		p.Close()
		os.Remove(path)
		return nil, err
	}
	return p, nil
}

// Open maps an existing pool file.
func Open(path string) (*Pool, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("opening pool file: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stating pool file: %w", err)
	}
	if uint64(st.Size()) < heap.HeapMinSize {
		f.Close()
		return nil, fmt.Errorf("%w: %d < %d", ErrTooSmall, st.Size(), heap.HeapMinSize)
	}

	p, err := mapFile(path, f, uint64(st.Size()))
	if err != nil {
		f.Close()
		return nil, err
	}
	return p, nil
}

func mapFile(path string, f *os.File, size uint64) (*Pool, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mapping pool file: %w", err)
	}
	return &Pool{path: path, file: f, data: data}, nil
}

// Data returns the mapped heap region.
func (p *Pool) Data() []byte { return p.data }

// Path returns the pool file path.
func (p *Pool) Path() string { return p.path }

// Size returns the mapped size in bytes.
func (p *Pool) Size() uint64 { return uint64(len(p.data)) }

// Ops returns msync-backed persist operations over the mapping.
func (p *Pool) Ops() heap.Ops {
	return &msyncOps{p: p}
}

// Boot verifies the pool and constructs the heap runtime over it.
func (p *Pool) Boot(stats heap.Stats) (*heap.Heap, error) {
	if p.data == nil {
		return nil, ErrClosed
	}
	if err := heap.Check(p.data); err != nil {
		return nil, err
	}
	return heap.Boot(p.data, &p.heapSize, p.Ops(), stats)
}

// Check verifies the heap layout without booting it.
func (p *Pool) Check() error {
	if p.data == nil {
		return ErrClosed
	}
	return heap.Check(p.data)
}

// Close flushes the mapping and releases it. Idempotent.
func (p *Pool) Close() error {
	if p.data == nil {
		return nil
	}
	_ = unix.Msync(p.data, unix.MS_SYNC)
	err := unix.Munmap(p.data)
	p.data = nil
	if cerr := p.file.Close(); err == nil {
		err = cerr
	}
	return err
}

// msyncOps implements heap.Ops with synchronous msync write-back.
type msyncOps struct {
	p *Pool
}

func (o *msyncOps) Persist(off, length uint64) {
	data := o.p.data
	if data == nil || length == 0 {
		return
	}

	// Msync requires a page-aligned base.
	pageSize := uint64(os.Getpagesize())
	start := off &^ (pageSize - 1)
	end := (off + length + pageSize - 1) &^ (pageSize - 1)
	if end > uint64(len(data)) {
		end = uint64(len(data))
	}
	_ = unix.Msync(data[start:end], unix.MS_SYNC)
}

func (o *msyncOps) Memset(off uint64, val byte, length uint64) {
	data := o.p.data
	if data == nil {
		return
	}
	s := data[off : off+length]
	for i := range s {
		s[i] = val
	}
	o.Persist(off, length)
}

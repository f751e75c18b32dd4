//go:build unix

package sab

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"unsafe"

	"go.uber.org/multierr"
)

var ErrEmptyRegion = errors.New("shared memory file is empty")

// MappedRegion is the region both processes see through a MAP_SHARED file
// mapping. The side that created the file removes it on Close.
type MappedRegion struct {
	path  string
	file  *os.File
	data  []byte
	owner bool
}

type MapOptions struct {
	Path string
	// Size is only consulted with Create; an attaching side takes the file's size.
	Size   uint32
	Create bool
}

// Map creates or attaches to the region backed by opts.Path. Creating
// truncates whatever a previous node left behind.
func Map(opts MapOptions) (*MappedRegion, error) {
	if opts.Path == "" {
		return nil, errors.New("sab: map: no path")
	}
	if opts.Create && opts.Size == 0 {
		return nil, errors.New("sab: map: creating needs a size")
	}
	path := filepath.Clean(opts.Path)

	flags := os.O_RDWR
	if opts.Create {
		flags |= os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		return nil, fmt.Errorf("sab: map: %w", err)
	}
	r := &MappedRegion{path: path, file: f, owner: opts.Create}
	if err := r.mmap(opts); err != nil {
		return nil, multierr.Append(fmt.Errorf("sab: map %s: %w", path, err), r.Close())
	}
	return r, nil
}

func (r *MappedRegion) mmap(opts MapOptions) error {
	if opts.Create {
		if err := r.file.Truncate(int64(opts.Size)); err != nil {
			return err
		}
	}
	fi, err := r.file.Stat()
	if err != nil {
		return err
	}
	switch n := fi.Size(); {
	case n == 0:
		return ErrEmptyRegion
	case n > math.MaxUint32:
		return fmt.Errorf("%d bytes does not fit a 32-bit offset", n)
	}
	r.data, err = syscall.Mmap(int(r.file.Fd()), 0, int(fi.Size()), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	return err
}

func (r *MappedRegion) Path() string { return r.path }

// Owner reports whether this side created the file.
func (r *MappedRegion) Owner() bool { return r.owner }

func (r *MappedRegion) Size() uint32 { return uint32(len(r.data)) }

func (r *MappedRegion) ReadAt(offset uint32, dest []byte) error {
	b, err := r.Bytes(offset, uint32(len(dest)))
	if err != nil {
		return err
	}
	copy(dest, b)
	return nil
}

func (r *MappedRegion) WriteAt(offset uint32, src []byte) error {
	b, err := r.Bytes(offset, uint32(len(src)))
	if err != nil {
		return err
	}
	copy(b, src)
	return nil
}

func (r *MappedRegion) Bytes(offset, n uint32) ([]byte, error) {
	if err := checkRange(r.Size(), offset, n); err != nil {
		return nil, err
	}
	return r.data[offset : offset+n : offset+n], nil
}

func (r *MappedRegion) AtomicLoad32(offset uint32) (uint32, error) {
	w, err := r.word(offset)
	if err != nil {
		return 0, err
	}
	return atomic.LoadUint32(w), nil
}

func (r *MappedRegion) AtomicStore32(offset uint32, val uint32) error {
	w, err := r.word(offset)
	if err != nil {
		return err
	}
	atomic.StoreUint32(w, val)
	return nil
}

func (r *MappedRegion) AtomicAdd32(offset uint32, delta uint32) (uint32, error) {
	w, err := r.word(offset)
	if err != nil {
		return 0, err
	}
	return atomic.AddUint32(w, delta), nil
}

// Close unmaps the region. It is safe to call more than once.
func (r *MappedRegion) Close() error {
	var err error
	if r.data != nil {
		err = multierr.Append(err, syscall.Munmap(r.data))
		r.data = nil
	}
	if r.file != nil {
		err = multierr.Append(err, r.file.Close())
		r.file = nil
		if r.owner {
			if rerr := os.Remove(r.path); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
				err = multierr.Append(err, rerr)
			}
		}
	}
	return err
}

func (r *MappedRegion) word(offset uint32) (*uint32, error) {
	if err := checkRange(r.Size(), offset, 4); err != nil {
		return nil, err
	}
	if offset%4 != 0 {
		return nil, ErrMisaligned
	}
	return (*uint32)(unsafe.Pointer(&r.data[offset])), nil
}

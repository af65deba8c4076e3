//go:build linux

package ringbuffer

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// mmapBuffer implements Buffer by mapping an unlinked temp-file-backed
// region twice,
// back to back, in a single anonymous reservation. Any access that would
// wrap past the end of the first mapping lands on the second mapping of
// the same physical pages, so WriteSpan/ReadSpan can always return a
// single contiguous slice.
//
// Grounded on the double-mmap sequence used by diskring.NewWithOptions:
// reserve size<<1 anonymous bytes, then MAP_FIXED the backing fd over
// the first half and again over the second half.
type mmapBuffer struct {
	file *os.File
	size int
	base uintptr
	buf  []byte

	writeOffset int
	readOffset  int
}

func newBuffer(order uint) (Buffer, error) {
	size := 1 << order
	pageSize := os.Getpagesize()
	if size%pageSize != 0 {
		return nil, fmt.Errorf("ringbuffer: order %d not page-aligned (page size %d)", order, pageSize)
	}

	f, err := os.CreateTemp("", "akwbs-ring-*")
	if err != nil {
		return nil, fmt.Errorf("ringbuffer: create backing file: %w", err)
	}
	// Unlinking immediately means the kernel reclaims the backing pages
	// the moment every mapping and fd referencing it goes away.
	if err := os.Remove(f.Name()); err != nil {
		f.Close()
		return nil, fmt.Errorf("ringbuffer: unlink backing file: %w", err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, fmt.Errorf("ringbuffer: truncate backing file: %w", err)
	}

	base, err := mmapRaw(0, uintptr(size<<1), unix.PROT_NONE,
		unix.MAP_ANON|unix.MAP_PRIVATE, -1, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("ringbuffer: reserve address space: %w", err)
	}

	fd := int(f.Fd())

	one, err := mmapRaw(base, uintptr(size), unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_FIXED|unix.MAP_SHARED, fd, 0)
	if err != nil {
		munmapRaw(base, uintptr(size<<1))
		f.Close()
		return nil, fmt.Errorf("ringbuffer: map first half: %w", err)
	}
	if one != base {
		munmapRaw(base, uintptr(size<<1))
		f.Close()
		return nil, fmt.Errorf("ringbuffer: kernel split our MAP_FIXED mapping")
	}

	two, err := mmapRaw(base+uintptr(size), uintptr(size), unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_FIXED|unix.MAP_SHARED, fd, 0)
	if err != nil {
		munmapRaw(base, uintptr(size<<1))
		f.Close()
		return nil, fmt.Errorf("ringbuffer: map mirror half: %w", err)
	}
	if two != one+uintptr(size) {
		munmapRaw(base, uintptr(size<<1))
		f.Close()
		return nil, fmt.Errorf("ringbuffer: kernel split our mirror mapping")
	}

	buf := unsafe.Slice((*byte)(unsafe.Pointer(base)), size<<1)

	return &mmapBuffer{file: f, size: size, base: base, buf: buf}, nil
}

func (b *mmapBuffer) WriteSpan() []byte {
	free := b.FreeCount()
	return b.buf[b.writeOffset : b.writeOffset+free]
}

func (b *mmapBuffer) WriteAdvance(n int) {
	b.writeOffset += n
}

func (b *mmapBuffer) ReadSpan() []byte {
	count := b.Count()
	return b.buf[b.readOffset : b.readOffset+count]
}

func (b *mmapBuffer) ReadAdvance(n int) {
	b.readOffset += n
	if b.readOffset >= b.size {
		b.readOffset -= b.size
		b.writeOffset -= b.size
	}
}

func (b *mmapBuffer) Count() int {
	return b.writeOffset - b.readOffset
}

func (b *mmapBuffer) FreeCount() int {
	return b.size - b.Count()
}

func (b *mmapBuffer) Clear() {
	b.writeOffset = 0
	b.readOffset = 0
}

func (b *mmapBuffer) Close() error {
	if err := munmapRaw(b.base, uintptr(b.size<<1)); err != nil {
		b.file.Close()
		return fmt.Errorf("ringbuffer: unmap: %w", err)
	}
	return b.file.Close()
}

// mmapRaw and munmapRaw perform the raw mmap(2)/munmap(2) syscalls
// directly rather than through unix.Mmap/unix.Munmap, because the
// standard wrapper always passes addr=0 and cannot express the
// MAP_FIXED-at-a-specific-address calls this double mapping requires.
func mmapRaw(addr, length uintptr, prot, flags, fd int, offset int64) (uintptr, error) {
	ret, _, errno := unix.Syscall6(unix.SYS_MMAP, addr, length,
		uintptr(prot), uintptr(flags), uintptr(fd), uintptr(offset))
	if errno != 0 {
		return 0, errno
	}
	return ret, nil
}

func munmapRaw(addr, length uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_MUNMAP, addr, length, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

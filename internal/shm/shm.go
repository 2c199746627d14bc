// Package shm moves tensors between processes through named shared-memory
// regions. A Handle is a small serializable descriptor; the payload never
// crosses a pipe. Every region has exactly one owner at a time and the owner
// must call Release exactly once. A side that maps a region it does not own
// calls Close to drop its mapping.
package shm

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/danmuck/stylectl/internal/tensor"
)

// DTypeF32 is the only element type the transport carries.
const DTypeF32 = "f32"

var (
	ErrReleased   = errors.New("shm: region already released")
	ErrBadDType   = errors.New("shm: unsupported dtype")
	ErrShortShape = errors.New("shm: empty shape")
)

// Handle identifies a shared region. It is the unit sent across process
// boundaries inside job and result messages.
type Handle struct {
	Name  string `json:"name"`
	DType string `json:"dtype"`
	Shape []int  `json:"shape"`
}

func (h Handle) size() (int, error) {
	if h.DType != DTypeF32 {
		return 0, fmt.Errorf("%w: %q", ErrBadDType, h.DType)
	}
	if len(h.Shape) == 0 {
		return 0, ErrShortShape
	}
	n := 1
	for _, d := range h.Shape {
		if d <= 0 {
			return 0, fmt.Errorf("shm: invalid dimension %d", d)
		}
		n *= d
	}
	return n, nil
}

// Region is a mapped shared-memory region in this process.
type Region struct {
	handle Handle
	buf    []byte
	data   []float32
	done   bool
}

func shmDir() string {
	if fi, err := os.Stat("/dev/shm"); err == nil && fi.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}

func regionPath(name string) string {
	return filepath.Join(shmDir(), name)
}

func newName() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("shm: entropy unavailable: %v", err))
	}
	return fmt.Sprintf("stylectl-%d-%s", os.Getpid(), hex.EncodeToString(b[:]))
}

func mapRegion(h Handle, create bool) (*Region, error) {
	n, err := h.size()
	if err != nil {
		return nil, err
	}
	size := n * 4
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE | os.O_EXCL
	}
	f, err := os.OpenFile(regionPath(h.Name), flags, 0o600)
	if err != nil {
		return nil, fmt.Errorf("shm: open region %s: %w", h.Name, err)
	}
	defer f.Close()
	if create {
		if err := f.Truncate(int64(size)); err != nil {
			os.Remove(regionPath(h.Name))
			return nil, fmt.Errorf("shm: size region %s: %w", h.Name, err)
		}
	}
	buf, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		if create {
			os.Remove(regionPath(h.Name))
		}
		return nil, fmt.Errorf("shm: map region %s: %w", h.Name, err)
	}
	return &Region{handle: h, buf: buf, data: floatView(buf, n)}, nil
}

// Create allocates a new zero-filled region for the given shape.
func Create(shape ...int) (*Region, error) {
	h := Handle{Name: newName(), DType: DTypeF32, Shape: append([]int(nil), shape...)}
	return mapRegion(h, true)
}

// CopyFrom allocates a new region holding a copy of t.
func CopyFrom(t *tensor.Tensor) (*Region, error) {
	r, err := Create(t.Shape...)
	if err != nil {
		return nil, err
	}
	copy(r.data, t.Data)
	return r, nil
}

// Open maps an existing region identified by a received handle.
func Open(h Handle) (*Region, error) {
	return mapRegion(h, false)
}

// Handle returns the serializable descriptor for r.
func (r *Region) Handle() Handle {
	return r.handle
}

// Tensor returns a view over the shared payload. The view is invalid after
// Close or Release; using it then is a fatal programming error.
func (r *Region) Tensor() *tensor.Tensor {
	if r.done {
		panic("shm: tensor view of released region")
	}
	return tensor.FromData(r.data, r.handle.Shape...)
}

// Copy returns a process-local copy of the payload.
func (r *Region) Copy() *tensor.Tensor {
	return r.Tensor().Clone()
}

// Close drops this process's mapping without destroying the region. Used by
// a sender after ownership has passed to the receiver.
func (r *Region) Close() error {
	if r.done {
		return ErrReleased
	}
	r.done = true
	r.data = nil
	return unix.Munmap(r.buf)
}

// Release unmaps and destroys the region. Exactly one process may call it,
// exactly once; a second call reports ErrReleased.
func (r *Region) Release() error {
	if err := r.Close(); err != nil {
		return err
	}
	if err := os.Remove(regionPath(r.handle.Name)); err != nil {
		return fmt.Errorf("shm: unlink region %s: %w", r.handle.Name, err)
	}
	return nil
}

// ReleaseHandle destroys a region this process has not mapped. Used when an
// owner must tear down payloads it only holds descriptors for.
func ReleaseHandle(h Handle) error {
	if err := os.Remove(regionPath(h.Name)); err != nil {
		return fmt.Errorf("shm: unlink region %s: %w", h.Name, err)
	}
	return nil
}

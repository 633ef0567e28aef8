// Package shm provides the shared memory regions that carry
// accelerator-visible data between the application and the simulator: the
// MMIO register window, the UMsg window and user buffers.
package shm

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Role tells what a region is used for.
type Role int

// Region roles.
const (
	RoleBuffer Role = iota
	RoleMMIO
	RoleUMsg
)

func (r Role) String() string {
	switch r {
	case RoleMMIO:
		return "mmio"
	case RoleUMsg:
		return "umsg"
	default:
		return "buffer"
	}
}

// MaxNameLen is the longest region name that fits in a descriptor.
const MaxNameLen = 63

// Region describes one shared memory region. The exported fields are what
// travels to the simulator in a descriptor; Mem is the local mapping.
type Region struct {
	Index     int32
	Valid     bool
	LocalBase uint64
	PeerBase  uint64
	PhysLo    uint64
	PhysHi    uint64
	Size      uint64
	Name      string

	IsMMIO    bool
	IsUMsg    bool
	IsPrivate bool
	IsPinned  bool

	Mem []byte `json:"-"`
}

// NewRegion creates an unmapped region description of the given role.
func NewRegion(role Role, size uint64) *Region {
	r := &Region{Size: size, Index: -1}

	switch role {
	case RoleMMIO:
		r.IsMMIO = true
	case RoleUMsg:
		r.IsUMsg = true
	}

	return r
}

// Role returns the role derived from the role flags.
func (r *Region) Role() Role {
	switch {
	case r.IsMMIO:
		return RoleMMIO
	case r.IsUMsg:
		return RoleUMsg
	default:
		return RoleBuffer
	}
}

// Mapped reports whether the region is mapped locally.
func (r *Region) Mapped() bool {
	return len(r.Mem) > 0
}

// NameFor derives the region name from its role and the session timestamp.
// Both processes compute the same name without negotiating it.
func NameFor(role Role, index int32, timestamp string) string {
	switch role {
	case RoleMMIO:
		return "mmio." + timestamp
	case RoleUMsg:
		return "umsg." + timestamp
	default:
		return fmt.Sprintf("buf%d.%s", index, timestamp)
	}
}

// Path returns the file backing the named region. /dev/shm is preferred, the
// temp dir is the fallback on systems without it.
func Path(name string) string {
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return filepath.Join("/dev/shm", name)
	}

	return filepath.Join(os.TempDir(), name)
}

// Create creates the shared memory object named r.Name, sizes it to r.Size
// and maps it into this process. An existing object of that name is an error
// and is left untouched.
func Create(r *Region) error {
	if r.Size == 0 {
		return errors.Errorf("region %q has zero size", r.Name)
	}

	if err := checkName(r.Name); err != nil {
		return err
	}

	path := Path(r.Name)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if err != nil {
		return errors.Wrapf(err, "create shared memory %s", path)
	}
	defer file.Close()

	if err := file.Truncate(int64(r.Size)); err != nil {
		os.Remove(path)
		return errors.Wrapf(err, "resize shared memory %s", path)
	}

	if err := mapFile(r, file); err != nil {
		os.Remove(path)
		return err
	}

	return nil
}

// Attach maps an existing shared memory object named r.Name.
func Attach(r *Region) error {
	if r.Size == 0 {
		return errors.Errorf("region %q has zero size", r.Name)
	}

	if err := checkName(r.Name); err != nil {
		return err
	}

	path := Path(r.Name)

	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return errors.Wrapf(err, "open shared memory %s", path)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return errors.Wrapf(err, "stat shared memory %s", path)
	}

	if uint64(info.Size()) < r.Size {
		return errors.Errorf("shared memory %s has %d bytes, want %d",
			path, info.Size(), r.Size)
	}

	return mapFile(r, file)
}

func mapFile(r *Region, file *os.File) error {
	mem, err := unix.Mmap(int(file.Fd()), 0, int(r.Size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return errors.Wrapf(err, "mmap %s", r.Name)
	}

	r.Mem = mem
	r.LocalBase = uint64(uintptr(unsafe.Pointer(&mem[0])))

	return nil
}

// Unmap removes the local mapping. Unmapping an unmapped region is a no-op.
func Unmap(r *Region) error {
	if len(r.Mem) == 0 {
		return nil
	}

	err := unix.Munmap(r.Mem)
	r.Mem = nil
	r.LocalBase = 0

	if err != nil {
		return errors.Wrapf(err, "munmap %s", r.Name)
	}

	return nil
}

// Remove unlinks the shared memory object. The name is free for reuse once
// every process has unmapped it.
func Remove(name string) error {
	err := os.Remove(Path(name))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove shared memory %s", name)
	}

	return nil
}

func checkName(name string) error {
	if name == "" {
		return errors.New("region has no name")
	}

	if len(name) > MaxNameLen {
		return errors.Errorf("region name %q is longer than %d bytes",
			name, MaxNameLen)
	}

	return nil
}

func (r *Region) mustContain(offset, width uint64) {
	if offset+width > uint64(len(r.Mem)) || offset+width < offset {
		panic(fmt.Sprintf("offset 0x%x+%d outside region %s of %d bytes",
			offset, width, r.Name, len(r.Mem)))
	}
}

// Load32 reads a 32-bit word at offset. Aligned accesses are atomic.
func (r *Region) Load32(offset uint64) uint32 {
	r.mustContain(offset, 4)

	p := unsafe.Pointer(&r.Mem[offset])
	if offset%4 == 0 {
		return atomic.LoadUint32((*uint32)(p))
	}

	return *(*uint32)(p)
}

// Store32 writes a 32-bit word at offset. Aligned accesses are atomic.
func (r *Region) Store32(offset uint64, v uint32) {
	r.mustContain(offset, 4)

	p := unsafe.Pointer(&r.Mem[offset])
	if offset%4 == 0 {
		atomic.StoreUint32((*uint32)(p), v)
		return
	}

	*(*uint32)(p) = v
}

// Load64 reads a 64-bit word at offset. Aligned accesses are atomic.
func (r *Region) Load64(offset uint64) uint64 {
	r.mustContain(offset, 8)

	p := unsafe.Pointer(&r.Mem[offset])
	if offset%8 == 0 {
		return atomic.LoadUint64((*uint64)(p))
	}

	return *(*uint64)(p)
}

// Store64 writes a 64-bit word at offset. Aligned accesses are atomic.
func (r *Region) Store64(offset uint64, v uint64) {
	r.mustContain(offset, 8)

	p := unsafe.Pointer(&r.Mem[offset])
	if offset%8 == 0 {
		atomic.StoreUint64((*uint64)(p), v)
		return
	}

	*(*uint64)(p) = v
}

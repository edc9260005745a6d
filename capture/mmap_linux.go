//go:build linux

package capture

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// DMABufMapper maps exported DMABUF descriptors read-only.
type DMABufMapper struct{}

func (DMABufMapper) Map(fd int, offset int64, length int) ([]byte, error) {
	mem, err := unix.Mmap(fd, offset, length, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap fd %d: %w", fd, err)
	}
	return mem, nil
}

func (DMABufMapper) Unmap(mem []byte) error {
	return unix.Munmap(mem)
}

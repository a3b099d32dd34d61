package dma

import "golang.org/x/sys/unix"

// Map mmaps size bytes of a device file descriptor (typically a VFIO or UIO
// handle obtained by the out-of-scope PCI/bus layer) and wraps the mapping
// as a Region using an identity host-offset-to-bus-address translation
// (the mapping is assumed coherent and already bus-addressable, as is the
// case for a VFIO DMA-capable mapping). The returned Region's Close must be
// called to munmap the region.
func Map(fd int, offset int64, size int, busBase uint64) (*Region, error) {
	arena, err := unix.Mmap(fd, offset, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, err
	}

	r := NewRegionWithTranslate(arena, func(off uint) uint64 {
		return busBase + uint64(off)
	})
	r.mapped = arena

	return r, nil
}

// Close unmaps a Region created with Map. It is a no-op for regions backed
// by a plain Go allocation.
func (r *Region) Close() error {
	if r.mapped == nil {
		return nil
	}

	arena := r.mapped
	r.mapped = nil

	return unix.Munmap(arena)
}

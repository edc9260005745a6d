//go:build linux && (amd64 || arm64)

package v4l2

import (
	"bytes"
	"fmt"
	"runtime"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctlRetries bounds EINTR retries for a single request.
const ioctlRetries = 10

func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	var errno unix.Errno
	for i := 0; i < ioctlRetries; i++ {
		_, _, errno = unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
		if errno == 0 {
			return nil
		}
		if errno != unix.EINTR {
			return errno
		}
	}
	return errno
}

// Device is an open video node.
type Device struct {
	fd   int
	path string
}

// Open opens a video node read/write. Non-blocking nodes return ErrAgain
// from DequeueBuffer instead of sleeping.
func Open(path string, nonblock bool) (*Device, error) {
	flags := unix.O_RDWR | unix.O_CLOEXEC
	if nonblock {
		flags |= unix.O_NONBLOCK
	}
	fd, err := unix.Open(path, flags, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &Device{fd: fd, path: path}, nil
}

// Path returns the node path.
func (d *Device) Path() string { return d.path }

// Fd returns the raw descriptor.
func (d *Device) Fd() int { return d.fd }

// Close closes the node.
func (d *Device) Close() error {
	if d.fd < 0 {
		return nil
	}
	err := unix.Close(d.fd)
	d.fd = -1
	return err
}

// QueryCapability issues VIDIOC_QUERYCAP.
func (d *Device) QueryCapability() (DeviceInfo, error) {
	var c rawCapability
	if err := ioctl(d.fd, vidiocQuerycap, unsafe.Pointer(&c)); err != nil {
		return DeviceInfo{}, fmt.Errorf("VIDIOC_QUERYCAP %s: %w", d.path, err)
	}
	caps := c.capabilities
	if caps&CapDeviceCaps != 0 {
		caps = c.deviceCaps
	}
	return DeviceInfo{
		Path:    d.path,
		Driver:  cString(c.driver[:]),
		Card:    cString(c.card[:]),
		BusInfo: cString(c.busInfo[:]),
		Caps:    caps,
	}, nil
}

// SetFormat issues VIDIOC_S_FMT and returns what the driver accepted.
// Multi-planar types are configured with a single plane.
func (d *Device) SetFormat(bufType uint32, pf PixFormat) (PixFormat, error) {
	f := rawFormat{typ: bufType}
	if IsMplane(bufType) {
		mp := f.pixMp()
		mp.width = pf.Width
		mp.height = pf.Height
		mp.pixelformat = pf.PixelFormat
		mp.field = pf.Field
		mp.colorspace = pf.Colorspace
		mp.numPlanes = 1
		mp.planeFmt[0].bytesperline = pf.BytesPerLine
		mp.planeFmt[0].sizeimage = pf.SizeImage
	} else {
		p := f.pix()
		p.width = pf.Width
		p.height = pf.Height
		p.pixelformat = pf.PixelFormat
		p.field = pf.Field
		p.bytesperline = pf.BytesPerLine
		p.sizeimage = pf.SizeImage
		p.colorspace = pf.Colorspace
	}
	if err := ioctl(d.fd, vidiocSFmt, unsafe.Pointer(&f)); err != nil {
		return PixFormat{}, fmt.Errorf("VIDIOC_S_FMT %s: %w", d.path, err)
	}
	return decodeFormat(&f), nil
}

func decodeFormat(f *rawFormat) PixFormat {
	if IsMplane(f.typ) {
		mp := f.pixMp()
		return PixFormat{
			Width:        mp.width,
			Height:       mp.height,
			PixelFormat:  mp.pixelformat,
			Field:        mp.field,
			BytesPerLine: mp.planeFmt[0].bytesperline,
			SizeImage:    mp.planeFmt[0].sizeimage,
			Colorspace:   mp.colorspace,
		}
	}
	p := f.pix()
	return PixFormat{
		Width:        p.width,
		Height:       p.height,
		PixelFormat:  p.pixelformat,
		Field:        p.field,
		BytesPerLine: p.bytesperline,
		SizeImage:    p.sizeimage,
		Colorspace:   p.colorspace,
	}
}

// RequestBuffers issues VIDIOC_REQBUFS and returns the granted count.
func (d *Device) RequestBuffers(bufType, memory uint32, count int) (int, error) {
	r := rawRequestBuffers{count: uint32(count), typ: bufType, memory: memory}
	if err := ioctl(d.fd, vidiocReqbufs, unsafe.Pointer(&r)); err != nil {
		return 0, fmt.Errorf("VIDIOC_REQBUFS %s: %w", d.path, err)
	}
	return int(r.count), nil
}

// QueryBuffer issues VIDIOC_QUERYBUF for one buffer.
func (d *Device) QueryBuffer(bufType, memory uint32, index int) (BufferInfo, error) {
	var planes [maxPlanes]rawPlane
	b := rawBuffer{index: uint32(index), typ: bufType, memory: memory}
	if IsMplane(bufType) {
		b.m = uint64(uintptr(unsafe.Pointer(&planes[0])))
		b.length = 1
	}
	err := ioctl(d.fd, vidiocQuerybuf, unsafe.Pointer(&b))
	runtime.KeepAlive(&planes)
	if err != nil {
		return BufferInfo{}, fmt.Errorf("VIDIOC_QUERYBUF %s[%d]: %w", d.path, index, err)
	}
	return decodeBuffer(&b, planes[:]), nil
}

// QueueBuffer issues VIDIOC_QBUF. For DMABUF memory each plane carries its
// fd; for MMAP only the index matters.
func (d *Device) QueueBuffer(buf BufferInfo) error {
	var planes [maxPlanes]rawPlane
	b := rawBuffer{
		index:     buf.Index,
		typ:       buf.Type,
		memory:    buf.Memory,
		field:     FieldNone,
		bytesused: buf.BytesUsed,
		timestamp: unix.NsecToTimeval(buf.Timestamp * int64(time.Microsecond)),
	}
	if IsMplane(buf.Type) {
		n := len(buf.Planes)
		if n == 0 {
			n = 1
		}
		if n > maxPlanes {
			return fmt.Errorf("VIDIOC_QBUF %s: %d planes", d.path, n)
		}
		for i, p := range buf.Planes {
			planes[i].bytesused = p.BytesUsed
			planes[i].length = p.Length
			if buf.Memory == MemoryDMABUF {
				planes[i].m = uint64(uint32(int32(p.Fd)))
			}
		}
		b.m = uint64(uintptr(unsafe.Pointer(&planes[0])))
		b.length = uint32(n)
	} else if buf.Memory == MemoryDMABUF && len(buf.Planes) > 0 {
		b.m = uint64(uint32(int32(buf.Planes[0].Fd)))
		b.length = buf.Planes[0].Length
	}
	err := ioctl(d.fd, vidiocQbuf, unsafe.Pointer(&b))
	runtime.KeepAlive(&planes)
	if err != nil {
		return fmt.Errorf("VIDIOC_QBUF %s[%d]: %w", d.path, buf.Index, err)
	}
	return nil
}

// DequeueBuffer issues VIDIOC_DQBUF. On a non-blocking node with nothing
// done it returns ErrAgain.
func (d *Device) DequeueBuffer(bufType, memory uint32) (BufferInfo, error) {
	var planes [maxPlanes]rawPlane
	b := rawBuffer{typ: bufType, memory: memory}
	if IsMplane(bufType) {
		b.m = uint64(uintptr(unsafe.Pointer(&planes[0])))
		b.length = 1
	}
	err := ioctl(d.fd, vidiocDqbuf, unsafe.Pointer(&b))
	runtime.KeepAlive(&planes)
	if err == unix.EAGAIN {
		return BufferInfo{}, ErrAgain
	}
	if err != nil {
		return BufferInfo{}, fmt.Errorf("VIDIOC_DQBUF %s: %w", d.path, err)
	}
	return decodeBuffer(&b, planes[:]), nil
}

func decodeBuffer(b *rawBuffer, planes []rawPlane) BufferInfo {
	info := BufferInfo{
		Index:     b.index,
		Type:      b.typ,
		Memory:    b.memory,
		BytesUsed: b.bytesused,
		Flags:     b.flags,
		Sequence:  b.sequence,
		Timestamp: b.timestamp.Nano() / int64(time.Microsecond),
	}
	if IsMplane(b.typ) {
		n := int(b.length)
		if n > len(planes) {
			n = len(planes)
		}
		for _, p := range planes[:n] {
			info.Planes = append(info.Planes, PlaneInfo{
				BytesUsed: p.bytesused,
				Length:    p.length,
				Offset:    uint32(p.m),
				Fd:        int(int32(uint32(p.m))),
			})
		}
		if n > 0 {
			info.BytesUsed = info.Planes[0].BytesUsed
		}
	} else {
		info.Planes = []PlaneInfo{{
			BytesUsed: b.bytesused,
			Length:    b.length,
			Offset:    uint32(b.m),
			Fd:        int(int32(uint32(b.m))),
		}}
	}
	return info
}

// ExportBuffer issues VIDIOC_EXPBUF and returns a DMABUF descriptor for one
// plane of an MMAP buffer.
func (d *Device) ExportBuffer(bufType uint32, index, plane int) (int, error) {
	e := rawExportBuffer{
		typ:   bufType,
		index: uint32(index),
		plane: uint32(plane),
		flags: unix.O_RDWR | unix.O_CLOEXEC,
	}
	if err := ioctl(d.fd, vidiocExpbuf, unsafe.Pointer(&e)); err != nil {
		return -1, fmt.Errorf("VIDIOC_EXPBUF %s[%d]: %w", d.path, index, err)
	}
	return int(e.fd), nil
}

// StreamOn starts streaming on one queue.
func (d *Device) StreamOn(bufType uint32) error {
	t := int32(bufType)
	if err := ioctl(d.fd, vidiocStreamon, unsafe.Pointer(&t)); err != nil {
		return fmt.Errorf("VIDIOC_STREAMON %s: %w", d.path, err)
	}
	return nil
}

// StreamOff stops streaming on one queue, returning all its buffers.
func (d *Device) StreamOff(bufType uint32) error {
	t := int32(bufType)
	if err := ioctl(d.fd, vidiocStreamoff, unsafe.Pointer(&t)); err != nil {
		return fmt.Errorf("VIDIOC_STREAMOFF %s: %w", d.path, err)
	}
	return nil
}

// SetControl issues VIDIOC_S_CTRL.
func (d *Device) SetControl(id uint32, value int32) error {
	c := rawControl{id: id, value: value}
	if err := ioctl(d.fd, vidiocSCtrl, unsafe.Pointer(&c)); err != nil {
		return fmt.Errorf("VIDIOC_S_CTRL %s 0x%08x=%d: %w", d.path, id, value, err)
	}
	return nil
}

// SetFrameRate sets timeperframe to 1/fps on the given queue.
func (d *Device) SetFrameRate(bufType uint32, fps int) error {
	p := rawStreamParm{typ: bufType}
	tpf := p.timePerFrame()
	tpf.numerator = 1000
	tpf.denominator = uint32(fps * 1000)
	if err := ioctl(d.fd, vidiocSParm, unsafe.Pointer(&p)); err != nil {
		return fmt.Errorf("VIDIOC_S_PARM %s: %w", d.path, err)
	}
	return nil
}

// Wait polls the node for readiness. A timeout returns false with no error;
// a signal returns ErrInterrupted.
func (d *Device) Wait(timeout time.Duration, events int16) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(d.fd), Events: events}}
	n, err := unix.Poll(fds, int(timeout/time.Millisecond))
	if err == unix.EINTR {
		return false, ErrInterrupted
	}
	if err != nil {
		return false, fmt.Errorf("poll %s: %w", d.path, err)
	}
	return n > 0, nil
}

// Mmap maps length bytes of a device buffer at offset.
func (d *Device) Mmap(offset uint32, length int) ([]byte, error) {
	mem, err := unix.Mmap(d.fd, int64(offset), length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s@%d: %w", d.path, offset, err)
	}
	return mem, nil
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

//go:build linux && (amd64 || arm64)

package v4l2

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Compile-time size assertions against the kernel ABI.
var (
	_ [0]struct{} = [unsafe.Sizeof(rawCapability{}) - 104]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(rawFormat{}) - 208]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(rawPixFormat{}) - 48]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(rawPixFormatMplane{}) - 192]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(rawBuffer{}) - 88]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(rawPlane{}) - 64]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(rawRequestBuffers{}) - 20]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(rawControl{}) - 8]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(rawStreamParm{}) - 204]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(rawExportBuffer{}) - 64]struct{}{}

	_ [0]struct{} = [unsafe.Offsetof(rawBuffer{}.timestamp) - 24]struct{}{}
	_ [0]struct{} = [unsafe.Offsetof(rawBuffer{}.m) - 64]struct{}{}
	_ [0]struct{} = [unsafe.Offsetof(rawFormat{}.fmt) - 8]struct{}{}
)

// IOCTL constants for 64-bit architectures.
const (
	vidiocQuerycap  = 0x80685600
	vidiocSFmt      = 0xc0d05605
	vidiocReqbufs   = 0xc0145608
	vidiocQuerybuf  = 0xc0585609
	vidiocQbuf      = 0xc058560f
	vidiocExpbuf    = 0xc0405610
	vidiocDqbuf     = 0xc0585611
	vidiocStreamon  = 0x40045612
	vidiocStreamoff = 0x40045613
	vidiocSParm     = 0xc0cc5616
	vidiocSCtrl     = 0xc008561c
)

const maxPlanes = 8

type rawCapability struct {
	driver       [16]byte
	card         [32]byte
	busInfo      [32]byte
	version      uint32
	capabilities uint32
	deviceCaps   uint32
	reserved     [3]uint32
}

type rawFormat struct {
	typ uint32
	_   [4]byte // union is 8-byte aligned
	fmt [200]byte
}

func (f *rawFormat) pix() *rawPixFormat {
	return (*rawPixFormat)(unsafe.Pointer(&f.fmt[0]))
}

func (f *rawFormat) pixMp() *rawPixFormatMplane {
	return (*rawPixFormatMplane)(unsafe.Pointer(&f.fmt[0]))
}

type rawPixFormat struct {
	width        uint32
	height       uint32
	pixelformat  uint32
	field        uint32
	bytesperline uint32
	sizeimage    uint32
	colorspace   uint32
	priv         uint32
	flags        uint32
	ycbcrEnc     uint32
	quantization uint32
	xferFunc     uint32
}

type rawPlanePixFormat struct {
	sizeimage    uint32
	bytesperline uint32
	reserved     [6]uint16
}

type rawPixFormatMplane struct {
	width        uint32
	height       uint32
	pixelformat  uint32
	field        uint32
	colorspace   uint32
	planeFmt     [maxPlanes]rawPlanePixFormat
	numPlanes    uint8
	flags        uint8
	ycbcrEnc     uint8
	quantization uint8
	xferFunc     uint8
	reserved     [7]uint8
}

type rawBuffer struct {
	index     uint32
	typ       uint32
	bytesused uint32
	flags     uint32
	field     uint32
	_         uint32
	timestamp unix.Timeval
	timecode  [16]byte
	sequence  uint32
	memory    uint32
	m         uint64 // offset, userptr, planes pointer or fd
	length    uint32
	reserved2 uint32
	requestFd int32
	_         uint32
}

type rawPlane struct {
	bytesused  uint32
	length     uint32
	m          uint64 // mem_offset, userptr or fd
	dataOffset uint32
	reserved   [11]uint32
}

type rawRequestBuffers struct {
	count        uint32
	typ          uint32
	memory       uint32
	capabilities uint32
	flags        uint8
	reserved     [3]uint8
}

type rawControl struct {
	id    uint32
	value int32
}

type rawFract struct {
	numerator   uint32
	denominator uint32
}

type rawStreamParm struct {
	typ  uint32
	parm [200]byte
}

// timePerFrame points at the timeperframe field shared by the capture and
// output parameter layouts.
func (p *rawStreamParm) timePerFrame() *rawFract {
	return (*rawFract)(unsafe.Pointer(&p.parm[8]))
}

type rawExportBuffer struct {
	typ      uint32
	index    uint32
	plane    uint32
	flags    uint32
	fd       int32
	reserved [11]uint32
}

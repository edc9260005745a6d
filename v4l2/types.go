// Package v4l2 is a small cgo-free binding to the Video4Linux2 ioctls
// needed to stream a capture device and drive a memory-to-memory
// H.264 encoder with DMABUF input.
package v4l2

import "errors"

// Buffer types.
const (
	BufTypeVideoCapture       uint32 = 1
	BufTypeVideoOutput        uint32 = 2
	BufTypeVideoCaptureMplane uint32 = 9
	BufTypeVideoOutputMplane  uint32 = 10
)

// Memory types.
const (
	MemoryMMAP   uint32 = 1
	MemoryDMABUF uint32 = 4
)

// Fields.
const (
	FieldAny  uint32 = 0
	FieldNone uint32 = 1
)

// Buffer flags.
const (
	BufFlagKeyframe      uint32 = 0x00000008
	BufFlagTimestampCopy uint32 = 0x00004000
)

// Color spaces.
const (
	ColorspaceSMPTE170M uint32 = 1
	ColorspaceRec709    uint32 = 3
)

// Capability flags.
const (
	CapVideoCapture       uint32 = 0x00000001
	CapVideoOutput        uint32 = 0x00000002
	CapVideoCaptureMplane uint32 = 0x00001000
	CapVideoOutputMplane  uint32 = 0x00002000
	CapVideoM2MMplane     uint32 = 0x00004000
	CapVideoM2M           uint32 = 0x00008000
	CapStreaming          uint32 = 0x04000000
	CapDeviceCaps         uint32 = 0x80000000
)

// User class controls.
const (
	CIDBase             uint32 = 0x00980900
	CIDBrightness              = CIDBase + 0
	CIDContrast                = CIDBase + 1
	CIDSaturation              = CIDBase + 2
	CIDAutoWhiteBalance        = CIDBase + 12
	CIDRedBalance              = CIDBase + 14
	CIDBlueBalance             = CIDBase + 15
	CIDGain                    = CIDBase + 19
	CIDHFlip                   = CIDBase + 20
	CIDVFlip                   = CIDBase + 21
	CIDSharpness               = CIDBase + 27
)

// Camera class controls.
const (
	CIDCameraClassBase         uint32 = 0x009a0900
	CIDExposureAuto                   = CIDCameraClassBase + 1
	CIDAutoExposureBias               = CIDCameraClassBase + 19
	CIDAutoNPresetWhiteBalance        = CIDCameraClassBase + 20
	CIDExposureMetering               = CIDCameraClassBase + 25
)

// Codec class controls.
const (
	CIDCodecBase            uint32 = 0x00990900
	CIDVideoBitrate                = CIDCodecBase + 207
	CIDVideoRepeatSeqHeader        = CIDCodecBase + 226
	CIDVideoH264IPeriod            = CIDCodecBase + 358
	CIDVideoH264Level              = CIDCodecBase + 359
	CIDVideoH264Profile            = CIDCodecBase + 363
)

// H.264 profiles.
const (
	H264ProfileBaseline int32 = 0
	H264ProfileMain     int32 = 2
	H264ProfileHigh     int32 = 4
)

// H.264 levels, in V4L2 enum order.
var h264Levels = []string{
	"1.0", "1b", "1.1", "1.2", "1.3",
	"2.0", "2.1", "2.2",
	"3.0", "3.1", "3.2",
	"4.0", "4.1", "4.2",
	"5.0", "5.1", "5.2",
}

// H264Level maps a level name like "4.0" to its control value.
func H264Level(name string) (int32, bool) {
	for i, l := range h264Levels {
		if l == name {
			return int32(i), true
		}
	}
	return 0, false
}

// H264Profile maps a profile name to its control value.
func H264Profile(name string) (int32, bool) {
	switch name {
	case "baseline":
		return H264ProfileBaseline, true
	case "main":
		return H264ProfileMain, true
	case "high":
		return H264ProfileHigh, true
	}
	return 0, false
}

// FourCC packs a four character pixel format code.
func FourCC(a, b, c, d byte) uint32 {
	return uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24
}

// FourCCString unpacks a pixel format code.
func FourCCString(v uint32) string {
	return string([]byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)})
}

// Pixel formats.
var (
	PixFmtYUV420 = FourCC('Y', 'U', '1', '2')
	PixFmtNV12   = FourCC('N', 'V', '1', '2')
	PixFmtH264   = FourCC('H', '2', '6', '4')
)

// ErrAgain is returned by non-blocking dequeues when no buffer is done.
var ErrAgain = errors.New("v4l2: no buffer ready")

// ErrInterrupted is returned when a wait was interrupted by a signal.
var ErrInterrupted = errors.New("v4l2: interrupted")

// DeviceInfo describes a video node as reported by VIDIOC_QUERYCAP.
type DeviceInfo struct {
	Path    string
	Driver  string
	Card    string
	BusInfo string
	Caps    uint32
}

// IsCapture reports whether the node can stream captured frames.
func (d DeviceInfo) IsCapture() bool {
	return d.Caps&(CapVideoCapture|CapVideoCaptureMplane) != 0 &&
		d.Caps&(CapVideoM2M|CapVideoM2MMplane) == 0 &&
		d.Caps&CapStreaming != 0
}

// IsM2M reports whether the node is a memory-to-memory codec.
func (d DeviceInfo) IsM2M() bool {
	return d.Caps&(CapVideoM2M|CapVideoM2MMplane) != 0
}

// PlaneInfo is one plane of a queued or dequeued buffer.
type PlaneInfo struct {
	BytesUsed uint32
	Length    uint32
	Offset    uint32 // MMAP offset
	Fd        int    // DMABUF descriptor
}

// BufferInfo is the decoded form of struct v4l2_buffer.
type BufferInfo struct {
	Index     uint32
	Type      uint32
	Memory    uint32
	BytesUsed uint32
	Flags     uint32
	Sequence  uint32
	Timestamp int64 // microseconds
	Planes    []PlaneInfo
}

// Keyframe reports whether the encoder flagged the buffer as an IDR.
func (b BufferInfo) Keyframe() bool {
	return b.Flags&BufFlagKeyframe != 0
}

// PixFormat is the subset of v4l2_pix_format(_mplane) used here.
type PixFormat struct {
	Width        uint32
	Height       uint32
	PixelFormat  uint32
	Field        uint32
	BytesPerLine uint32
	SizeImage    uint32
	Colorspace   uint32
}

// IsMplane reports whether a buffer type uses the multi-planar API.
func IsMplane(bufType uint32) bool {
	return bufType == BufTypeVideoCaptureMplane || bufType == BufTypeVideoOutputMplane
}

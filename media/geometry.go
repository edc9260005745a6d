// Package media holds the stream description shared by the capture and
// encode stages.
package media

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// ColorSpace tags the YUV matrix/range of raw frames.
type ColorSpace int

const (
	ColorSpaceSMPTE170M ColorSpace = iota
	ColorSpaceRec709
)

func (c ColorSpace) String() string {
	switch c {
	case ColorSpaceRec709:
		return "rec709"
	case ColorSpaceSMPTE170M:
		return "smpte170m"
	default:
		return fmt.Sprintf("colorspace(%d)", int(c))
	}
}

// DefaultColorSpace picks Rec709 for HD modes and SMPTE170M otherwise.
func DefaultColorSpace(width, height int) ColorSpace {
	if width >= 1280 || height >= 720 {
		return ColorSpaceRec709
	}
	return ColorSpaceSMPTE170M
}

// Geometry is the negotiated raw frame layout. It is produced once by the
// capture side and never changes for the lifetime of a pipeline.
type Geometry struct {
	Width      int
	Height     int
	Stride     int
	ColorSpace ColorSpace
}

// FrameSize is the byte size of one YUV420 frame at this geometry.
func (g Geometry) FrameSize() int {
	luma := g.Stride * g.Height
	return luma + luma/2
}

func (g Geometry) String() string {
	return fmt.Sprintf("%dx%d stride=%d %s", g.Width, g.Height, g.Stride, g.ColorSpace)
}

// MonotonicNow reads CLOCK_MONOTONIC, the clock V4L2 and the sensor stamp
// frames with.
func MonotonicNow() time.Duration {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	return time.Duration(ts.Nano())
}

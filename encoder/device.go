// Package encoder drives a hardware H.264 encoder with zero-copy raw input
// and mapped compressed output.
package encoder

import (
	"errors"
	"fmt"
	"time"

	"pi-h264-streamer/media"
)

// ErrInterrupted is returned by Device.Wait when a signal cut the wait short.
var ErrInterrupted = errors.New("encoder wait interrupted")

// Control names an encoder parameter.
type Control int

const (
	ControlBitrate Control = iota
	ControlProfile
	ControlLevel
	ControlIntraPeriod
	ControlRepeatHeaders
)

func (c Control) String() string {
	switch c {
	case ControlBitrate:
		return "bitrate"
	case ControlProfile:
		return "profile"
	case ControlLevel:
		return "level"
	case ControlIntraPeriod:
		return "intra_period"
	case ControlRepeatHeaders:
		return "repeat_headers"
	default:
		return fmt.Sprintf("control(%d)", int(c))
	}
}

// OutputBuffer is one dequeued compressed buffer.
type OutputBuffer struct {
	Index     int
	BytesUsed int
	Keyframe  bool
	Timestamp time.Duration
}

// Device is the hardware encoder collaborator.
type Device interface {
	SetControl(c Control, value int32) error
	// SetInputFormat returns the raw format the device accepted.
	SetInputFormat(g media.Geometry) (media.Geometry, error)
	SetOutputFormat(width, height, maxSize int) error
	SetFrameRate(fps int) error

	RequestInputBuffers(count int) (int, error)
	RequestOutputBuffers(count int) (int, error)
	MapOutputBuffer(index int) ([]byte, error)
	UnmapOutputBuffer(mem []byte) error

	QueueInput(index, fd, length int, ts time.Duration) error
	QueueOutput(index int) error
	// Dequeue calls never block; ok is false when nothing is done.
	DequeueInput() (index int, ok bool, err error)
	DequeueOutput() (buf OutputBuffer, ok bool, err error)

	StreamOn() error
	StreamOff() error
	// Wait blocks until a completion is ready or the timeout expires.
	Wait(timeout time.Duration) (bool, error)
	Close() error
}

// Package output delivers compressed access units to the network.
package output

import (
	"context"
	"errors"
	"time"
)

// ClockRate is the RTP clock for H.264 video.
const ClockRate = 90000

var (
	ErrNotRunning = errors.New("sink not running")
	ErrQueueFull  = errors.New("sink queue full, dropping frame")
)

// AccessUnit is one compressed frame in Annex-B byte stream form. Data
// belongs to the caller and is only valid for the duration of Push.
type AccessUnit struct {
	Data      []byte
	Timestamp time.Duration
	Keyframe  bool
}

// Stats counts what a sink has done since Start.
type Stats struct {
	FramesSent    uint64
	FramesDropped uint64
	SendErrors    uint64
	Keyframes     uint64
	PacketsSent   uint64
	BytesSent     uint64
}

// Sink is a network destination for compressed video.
type Sink interface {
	Start(ctx context.Context) error
	// Push copies au and returns without waiting on the network.
	Push(au AccessUnit) error
	Stats() Stats
	Close() error
}

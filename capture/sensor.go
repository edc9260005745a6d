// Package capture owns sensor buffers and the capture request lifecycle.
package capture

import (
	"fmt"
	"time"

	"pi-h264-streamer/media"
)

// PlaneDesc is one plane of a sensor buffer as exported by the driver.
type PlaneDesc struct {
	Fd     int
	Offset int
	Length int
}

// BufferDesc describes one sensor-writable buffer.
type BufferDesc struct {
	Index  int
	Planes []PlaneDesc
}

// StreamConfig is what the sensor is asked to negotiate.
type StreamConfig struct {
	Width  int
	Height int
	FPS    int
}

// CompletionStatus is the outcome of one capture cycle.
type CompletionStatus int

const (
	StatusComplete CompletionStatus = iota
	StatusCancelled
	StatusError
)

func (s CompletionStatus) String() string {
	switch s {
	case StatusComplete:
		return "complete"
	case StatusCancelled:
		return "cancelled"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Completion is delivered by the sensor when a queued request finishes.
type Completion struct {
	RequestID          int
	Status             CompletionStatus
	Err                error
	SensorTimestamp    time.Duration
	HasSensorTimestamp bool
	BufferTimestamp    time.Duration
	Sequence           uint32
}

// CompletionHandler is invoked from the sensor's own goroutine. It must not
// block.
type CompletionHandler func(Completion)

// Mapper maps buffer descriptors into the process for CPU reads.
type Mapper interface {
	Map(fd int, offset int64, length int) ([]byte, error)
	Unmap(mem []byte) error
}

// Sensor is the capture device collaborator.
type Sensor interface {
	ID() string
	Configure(cfg StreamConfig) (media.Geometry, error)
	AllocateBuffers(count int) ([]BufferDesc, error)
	Mapper() Mapper
	// Prepare binds a request id to a buffer before streaming starts.
	Prepare(requestID, buffer int) error
	Start(controls Controls, handler CompletionHandler) error
	// Queue hands the buffer bound to requestID back to the sensor.
	Queue(requestID, buffer int) error
	Stop() error
	Close() error
}

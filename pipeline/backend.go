// Package pipeline wires capture completion to encoder submission and
// encoder output to the network sink, and routes the encoder's input
// releases back to the capture side.
package pipeline

import (
	"fmt"
	"sync"

	"pi-h264-streamer/capture"
	"pi-h264-streamer/encoder"
	"pi-h264-streamer/sim"
)

// Backend opens the hardware collaborators.
type Backend interface {
	Cameras() ([]capture.CameraInfo, error)
	OpenSensor(info capture.CameraInfo) (capture.Sensor, error)
	OpenEncoder(path string) (encoder.Device, error)
}

// SimBackend serves simulated devices. A zero FrameRate leaves the sensor
// to be driven by hand, and AutoEncode off leaves the encoder to be driven
// by hand.
type SimBackend struct {
	FrameRate   int
	AutoEncode  bool
	IntraPeriod int
	SliceSize   int

	mu      sync.Mutex
	sensor  *sim.Sensor
	encoder *sim.Encoder
}

// Cameras reports a CSI camera after a USB one so selection has to filter.
func (b *SimBackend) Cameras() ([]capture.CameraInfo, error) {
	return []capture.CameraInfo{
		{ID: "usb-uvc-0", Path: "/dev/video0", Model: "UVC Camera", BusInfo: "usb-0000:01:00.0-1.2"},
		{ID: "sim-imx219", Path: "/dev/video2", Model: "imx219", BusInfo: "platform:sim-csi"},
	}, nil
}

func (b *SimBackend) OpenSensor(info capture.CameraInfo) (capture.Sensor, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sensor != nil {
		return nil, fmt.Errorf("simulated sensor %s already open", b.sensor.ID())
	}
	var opts []sim.SensorOption
	if b.FrameRate > 0 {
		opts = append(opts, sim.WithFrameRate(b.FrameRate))
	}
	b.sensor = sim.NewSensor(info.ID, opts...)
	return b.sensor, nil
}

func (b *SimBackend) OpenEncoder(path string) (encoder.Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.encoder != nil {
		return nil, fmt.Errorf("simulated encoder %s already open", path)
	}
	var opts []sim.EncoderOption
	if b.AutoEncode {
		slice := b.SliceSize
		if slice <= 0 {
			slice = 1200
		}
		opts = append(opts, sim.WithAutoEncode(b.IntraPeriod, slice))
	}
	b.encoder = sim.NewEncoder(opts...)
	return b.encoder, nil
}

// Sensor returns the sensor handed out by OpenSensor.
func (b *SimBackend) Sensor() *sim.Sensor {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sensor
}

// Encoder returns the encoder handed out by OpenEncoder.
func (b *SimBackend) Encoder() *sim.Encoder {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.encoder
}

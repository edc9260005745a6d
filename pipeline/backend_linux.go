//go:build linux && (amd64 || arm64)

package pipeline

import (
	"go.uber.org/zap"

	"pi-h264-streamer/capture"
	"pi-h264-streamer/encoder"
)

// V4L2Backend opens real V4L2 capture and M2M encoder nodes.
type V4L2Backend struct {
	logger *zap.Logger
}

// NewV4L2Backend creates the hardware backend.
func NewV4L2Backend(logger *zap.Logger) *V4L2Backend {
	return &V4L2Backend{logger: logger.With(zap.String("backend", "v4l2"))}
}

func (b *V4L2Backend) Cameras() ([]capture.CameraInfo, error) {
	return capture.DiscoverV4L2()
}

func (b *V4L2Backend) OpenSensor(info capture.CameraInfo) (capture.Sensor, error) {
	s, err := capture.OpenV4L2Sensor(info, b.logger)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (b *V4L2Backend) OpenEncoder(path string) (encoder.Device, error) {
	d, err := encoder.OpenV4L2Device(path, b.logger)
	if err != nil {
		return nil, err
	}
	return d, nil
}

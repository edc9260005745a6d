//go:build !(linux && (amd64 || arm64))

package pipeline

import (
	"errors"
	"runtime"

	"go.uber.org/zap"

	"pi-h264-streamer/capture"
	"pi-h264-streamer/encoder"
)

// ErrUnsupported is returned by the hardware backend off linux/arm64 and
// linux/amd64.
var ErrUnsupported = errors.New("V4L2 is not available on " + runtime.GOOS + "/" + runtime.GOARCH)

// V4L2Backend is unavailable on this platform; use -simulate.
type V4L2Backend struct{}

func NewV4L2Backend(logger *zap.Logger) *V4L2Backend {
	logger.Warn("V4L2 backend unavailable", zap.String("platform", runtime.GOOS+"/"+runtime.GOARCH))
	return &V4L2Backend{}
}

func (b *V4L2Backend) Cameras() ([]capture.CameraInfo, error) { return nil, ErrUnsupported }

func (b *V4L2Backend) OpenSensor(capture.CameraInfo) (capture.Sensor, error) {
	return nil, ErrUnsupported
}

func (b *V4L2Backend) OpenEncoder(string) (encoder.Device, error) { return nil, ErrUnsupported }

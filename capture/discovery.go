package capture

import (
	"errors"
	"strings"
)

// ErrNoCamera is returned when discovery leaves no usable camera.
var ErrNoCamera = errors.New("no cameras available")

// CameraInfo identifies a discovered camera.
type CameraInfo struct {
	ID      string
	Path    string
	Model   string
	BusInfo string
}

// IsUSB reports whether the camera hangs off a USB bus.
func (c CameraInfo) IsUSB() bool {
	return strings.Contains(strings.ToLower(c.ID), "usb") ||
		strings.Contains(strings.ToLower(c.BusInfo), "usb")
}

// FilterNonUSB drops USB-attached cameras, keeping discovery order.
func FilterNonUSB(cameras []CameraInfo) []CameraInfo {
	var out []CameraInfo
	for _, c := range cameras {
		if !c.IsUSB() {
			out = append(out, c)
		}
	}
	return out
}

// SelectCamera picks the first non-USB camera. When device is set only a
// camera with that path or id is accepted.
func SelectCamera(cameras []CameraInfo, device string) (CameraInfo, error) {
	candidates := FilterNonUSB(cameras)
	if device != "" {
		for _, c := range candidates {
			if c.Path == device || c.ID == device {
				return c, nil
			}
		}
		return CameraInfo{}, ErrNoCamera
	}
	if len(candidates) == 0 {
		return CameraInfo{}, ErrNoCamera
	}
	return candidates[0], nil
}

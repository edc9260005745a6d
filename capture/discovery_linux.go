//go:build linux && (amd64 || arm64)

package capture

import "pi-h264-streamer/v4l2"

// DiscoverV4L2 lists streaming capture nodes in node order.
func DiscoverV4L2() ([]CameraInfo, error) {
	devices, err := v4l2.FindDevices()
	if err != nil {
		return nil, err
	}
	var cameras []CameraInfo
	for _, d := range devices {
		if !d.IsCapture() {
			continue
		}
		id := d.BusInfo
		if id == "" {
			id = d.Path
		}
		cameras = append(cameras, CameraInfo{
			ID:      id,
			Path:    d.Path,
			Model:   d.Card,
			BusInfo: d.BusInfo,
		})
	}
	return cameras, nil
}

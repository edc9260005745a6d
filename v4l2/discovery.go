//go:build linux && (amd64 || arm64)

package v4l2

import (
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// FindDevices lists every /dev/video* node that answers VIDIOC_QUERYCAP,
// ordered by node number.
func FindDevices() ([]DeviceInfo, error) {
	paths, err := filepath.Glob("/dev/video*")
	if err != nil {
		return nil, err
	}
	sort.Slice(paths, func(i, j int) bool {
		return nodeNumber(paths[i]) < nodeNumber(paths[j])
	})

	var devices []DeviceInfo
	for _, p := range paths {
		dev, err := Open(p, true)
		if err != nil {
			continue
		}
		info, err := dev.QueryCapability()
		dev.Close()
		if err != nil {
			continue
		}
		devices = append(devices, info)
	}
	return devices, nil
}

func nodeNumber(path string) int {
	n, err := strconv.Atoi(strings.TrimPrefix(filepath.Base(path), "video"))
	if err != nil {
		return 1 << 30
	}
	return n
}

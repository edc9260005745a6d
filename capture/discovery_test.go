package capture

import (
	"errors"
	"testing"
	"time"

	"pi-h264-streamer/config"
)

var testCameras = []CameraInfo{
	{ID: "usb-0000:01:00.0-1.2", Path: "/dev/video0", Model: "HD Webcam", BusInfo: "usb-0000:01:00.0-1.2"},
	{ID: "platform:1f00110000.csi", Path: "/dev/video2", Model: "imx708", BusInfo: "platform:1f00110000.csi"},
	{ID: "platform:1f00128000.csi", Path: "/dev/video4", Model: "imx219", BusInfo: "platform:1f00128000.csi"},
}

func TestFilterNonUSB(t *testing.T) {
	got := FilterNonUSB(testCameras)
	if len(got) != 2 {
		t.Fatalf("got %d cameras, want 2", len(got))
	}
	if got[0].Model != "imx708" || got[1].Model != "imx219" {
		t.Errorf("order not preserved: %v", got)
	}
}

func TestSelectCamera(t *testing.T) {
	tests := []struct {
		name    string
		cameras []CameraInfo
		device  string
		want    string
		wantErr error
	}{
		{"first non usb", testCameras, "", "imx708", nil},
		{"pinned by path", testCameras, "/dev/video4", "imx219", nil},
		{"pinned by id", testCameras, "platform:1f00128000.csi", "imx219", nil},
		{"pinned usb is refused", testCameras, "/dev/video0", "", ErrNoCamera},
		{"pinned missing", testCameras, "/dev/video9", "", ErrNoCamera},
		{"only usb", testCameras[:1], "", "", ErrNoCamera},
		{"none", nil, "", "", ErrNoCamera},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SelectCamera(tt.cameras, tt.device)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
			if got.Model != tt.want {
				t.Errorf("selected %q, want %q", got.Model, tt.want)
			}
		})
	}
}

func TestControlsFromConfig(t *testing.T) {
	cfg := config.Default().Camera
	cfg.FPS = 50
	cfg.AWBRedGain = 1.8

	c := ControlsFromConfig(cfg)
	if c.FrameDuration != 20*time.Millisecond {
		t.Errorf("FrameDuration = %v, want 20ms", c.FrameDuration)
	}
	if c.ManualColourGains() || c.AWBRedGain != 0 {
		t.Error("a lone red gain should not be applied")
	}

	cfg.AWBBlueGain = 1.5
	c = ControlsFromConfig(cfg)
	if !c.ManualColourGains() || c.AWBRedGain != 1.8 || c.AWBBlueGain != 1.5 {
		t.Errorf("colour gains = %v/%v", c.AWBRedGain, c.AWBBlueGain)
	}

	cfg.FPS = 0
	if c := ControlsFromConfig(cfg); c.FrameDuration != 0 {
		t.Errorf("FrameDuration without fps = %v", c.FrameDuration)
	}
}

package v4l2

import "testing"

func TestFourCC(t *testing.T) {
	tests := []struct {
		code uint32
		want string
		raw  uint32
	}{
		{PixFmtYUV420, "YU12", 0x32315559},
		{PixFmtH264, "H264", 0x34363248},
		{PixFmtNV12, "NV12", 0x3231564E},
	}

	for _, tt := range tests {
		if tt.code != tt.raw {
			t.Errorf("%s = 0x%08x, want 0x%08x", tt.want, tt.code, tt.raw)
		}
		if got := FourCCString(tt.code); got != tt.want {
			t.Errorf("FourCCString(0x%08x) = %q, want %q", tt.code, got, tt.want)
		}
	}
}

func TestH264Level(t *testing.T) {
	tests := []struct {
		name string
		want int32
		ok   bool
	}{
		{"1.0", 0, true},
		{"3.1", 9, true},
		{"4.0", 11, true},
		{"4.2", 13, true},
		{"6.0", 0, false},
	}

	for _, tt := range tests {
		got, ok := H264Level(tt.name)
		if got != tt.want || ok != tt.ok {
			t.Errorf("H264Level(%q) = %d, %v; want %d, %v", tt.name, got, ok, tt.want, tt.ok)
		}
	}
}

func TestH264Profile(t *testing.T) {
	if v, ok := H264Profile("main"); !ok || v != H264ProfileMain {
		t.Errorf("H264Profile(main) = %d, %v", v, ok)
	}
	if _, ok := H264Profile("extended"); ok {
		t.Error("H264Profile(extended) should be rejected")
	}
}

func TestControlIDs(t *testing.T) {
	tests := []struct {
		name string
		got  uint32
		want uint32
	}{
		{"bitrate", CIDVideoBitrate, 0x009909cf},
		{"repeat seq header", CIDVideoRepeatSeqHeader, 0x009909e2},
		{"i period", CIDVideoH264IPeriod, 0x00990a66},
		{"level", CIDVideoH264Level, 0x00990a67},
		{"profile", CIDVideoH264Profile, 0x00990a6b},
		{"gain", CIDGain, 0x00980913},
	}

	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = 0x%08x, want 0x%08x", tt.name, tt.got, tt.want)
		}
	}
}

func TestDeviceInfoClassification(t *testing.T) {
	capture := DeviceInfo{Caps: CapVideoCapture | CapStreaming}
	encoder := DeviceInfo{Caps: CapVideoM2MMplane | CapStreaming}

	if !capture.IsCapture() || capture.IsM2M() {
		t.Error("capture node misclassified")
	}
	if encoder.IsCapture() || !encoder.IsM2M() {
		t.Error("m2m node misclassified")
	}
}

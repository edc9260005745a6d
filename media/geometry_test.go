package media

import "testing"

func TestDefaultColorSpace(t *testing.T) {
	tests := []struct {
		width, height int
		want          ColorSpace
	}{
		{640, 480, ColorSpaceSMPTE170M},
		{1280, 480, ColorSpaceRec709},
		{640, 720, ColorSpaceRec709},
		{1920, 1080, ColorSpaceRec709},
	}

	for _, tt := range tests {
		if got := DefaultColorSpace(tt.width, tt.height); got != tt.want {
			t.Errorf("DefaultColorSpace(%d, %d) = %v, want %v", tt.width, tt.height, got, tt.want)
		}
	}
}

func TestFrameSize(t *testing.T) {
	g := Geometry{Width: 640, Height: 480, Stride: 640}
	if got := g.FrameSize(); got != 640*480*3/2 {
		t.Errorf("FrameSize() = %d, want %d", got, 640*480*3/2)
	}
}

func TestMonotonicNowAdvances(t *testing.T) {
	a := MonotonicNow()
	b := MonotonicNow()
	if a <= 0 || b < a {
		t.Errorf("MonotonicNow() went from %v to %v", a, b)
	}
}

package capture

import (
	"math"
	"time"

	"go.uber.org/zap"

	"pi-h264-streamer/config"
	"pi-h264-streamer/v4l2"
)

// Controls are pass-through sensor settings applied at Start. Zero values
// leave the driver default in place.
type Controls struct {
	FrameDuration time.Duration
	AnalogueGain  float64
	MeteringMode  string
	ExposureMode  string
	ExposureValue float64
	AWBMode       string
	AWBRedGain    float64
	AWBBlueGain   float64
	Brightness    float64
	Contrast      float64
	Saturation    float64
	Sharpness     float64
	Denoise       bool
	HFlip         bool
	VFlip         bool
}

// ControlsFromConfig derives the start controls from camera settings.
func ControlsFromConfig(cfg config.CameraConfig) Controls {
	c := Controls{
		AnalogueGain:  cfg.AnalogueGain,
		MeteringMode:  cfg.MeteringMode,
		ExposureMode:  cfg.ExposureMode,
		ExposureValue: cfg.ExposureValue,
		AWBMode:       cfg.AWBMode,
		Brightness:    cfg.Brightness,
		Contrast:      cfg.Contrast,
		Saturation:    cfg.Saturation,
		Sharpness:     cfg.Sharpness,
		Denoise:       cfg.Denoise,
		HFlip:         cfg.HFlip,
		VFlip:         cfg.VFlip,
	}
	// a half turn is both flips
	if cfg.Rotation == 180 {
		c.HFlip = !c.HFlip
		c.VFlip = !c.VFlip
	}
	if cfg.FPS > 0 {
		c.FrameDuration = time.Second / time.Duration(cfg.FPS)
	}
	// manual colour gains only make sense as a pair
	if cfg.AWBRedGain > 0 && cfg.AWBBlueGain > 0 {
		c.AWBRedGain = cfg.AWBRedGain
		c.AWBBlueGain = cfg.AWBBlueGain
	}
	return c
}

// ManualColourGains reports whether both AWB gains are set.
func (c Controls) ManualColourGains() bool {
	return c.AWBRedGain > 0 && c.AWBBlueGain > 0
}

// ControlSetter writes one integer control to a device.
type ControlSetter interface {
	SetControl(id uint32, value int32) error
}

// applyControls maps the pass-through controls onto standard V4L2 CIDs.
// Controls the driver rejects are logged and skipped.
func applyControls(dev ControlSetter, c Controls, logger *zap.Logger) {
	set := func(name string, id uint32, v int32) {
		if err := dev.SetControl(id, v); err != nil {
			logger.Debug("Sensor control not applied", zap.String("control", name), zap.Error(err))
		}
	}

	if c.AnalogueGain > 0 {
		set("analogue_gain", v4l2.CIDGain, int32(math.Round(c.AnalogueGain*256)))
	}
	if c.ExposureMode != "" {
		// 0 = auto, 1 = manual
		mode := int32(0)
		if c.ExposureMode == "manual" {
			mode = 1
		}
		set("exposure_mode", v4l2.CIDExposureAuto, mode)
	}
	if c.MeteringMode != "" {
		if v, ok := meteringModes[c.MeteringMode]; ok {
			set("metering_mode", v4l2.CIDExposureMetering, v)
		}
	}
	if c.ExposureValue != 0 {
		set("ev", v4l2.CIDAutoExposureBias, int32(math.Round(c.ExposureValue*1000)))
	}
	if c.ManualColourGains() {
		set("awb", v4l2.CIDAutoWhiteBalance, 0)
		set("awb_red_gain", v4l2.CIDRedBalance, int32(math.Round(c.AWBRedGain*1000)))
		set("awb_blue_gain", v4l2.CIDBlueBalance, int32(math.Round(c.AWBBlueGain*1000)))
	} else if c.AWBMode != "" {
		set("awb", v4l2.CIDAutoWhiteBalance, 1)
		if v, ok := awbPresets[c.AWBMode]; ok {
			set("awb_mode", v4l2.CIDAutoNPresetWhiteBalance, v)
		}
	}
	if c.Brightness != 0 {
		set("brightness", v4l2.CIDBrightness, int32(math.Round(c.Brightness*100)))
	}
	if c.Contrast != 0 {
		set("contrast", v4l2.CIDContrast, int32(math.Round(c.Contrast*100)))
	}
	if c.Saturation != 0 {
		set("saturation", v4l2.CIDSaturation, int32(math.Round(c.Saturation*100)))
	}
	if c.Sharpness != 0 {
		set("sharpness", v4l2.CIDSharpness, int32(math.Round(c.Sharpness*100)))
	}
	if c.HFlip {
		set("hflip", v4l2.CIDHFlip, 1)
	}
	if c.VFlip {
		set("vflip", v4l2.CIDVFlip, 1)
	}
	if c.Denoise {
		// V4L2 sensor nodes have no standard noise reduction control
		logger.Warn("Denoise is not supported by the V4L2 sensor, ignoring")
	}
}

var meteringModes = map[string]int32{
	"average": 0,
	"centre":  1,
	"spot":    2,
	"matrix":  3,
}

var awbPresets = map[string]int32{
	"manual":       0,
	"auto":         1,
	"incandescent": 2,
	"fluorescent":  3,
	"horizon":      5,
	"daylight":     6,
	"flash":        7,
	"cloudy":       8,
	"shade":        9,
}

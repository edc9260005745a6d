package encoder

import (
	"fmt"
	"time"

	"pi-h264-streamer/config"
	"pi-h264-streamer/v4l2"
)

// Options are the encode parameters applied at construction.
type Options struct {
	Bitrate          int
	Profile          string
	Level            string
	IntraPeriod      int
	InlineHeaders    bool
	FPS              int
	InputBuffers     int
	OutputBuffers    int
	OutputBufferSize int
	PollTimeout      time.Duration
	FrameLogInterval int
}

// OptionsFromConfig builds Options from the encoder section.
func OptionsFromConfig(cfg config.EncoderConfig, fps, frameLogInterval int) Options {
	return Options{
		Bitrate:          cfg.Bitrate,
		Profile:          cfg.Profile,
		Level:            cfg.Level,
		IntraPeriod:      cfg.IntraPeriod,
		InlineHeaders:    cfg.InlineHeaders,
		FPS:              fps,
		InputBuffers:     cfg.InputBuffers,
		OutputBuffers:    cfg.OutputBuffers,
		OutputBufferSize: cfg.OutputBufferSizeKB << 10,
		PollTimeout:      time.Duration(cfg.PollTimeoutMs) * time.Millisecond,
		FrameLogInterval: frameLogInterval,
	}
}

func (o Options) withDefaults() Options {
	if o.InputBuffers == 0 {
		o.InputBuffers = 6
	}
	if o.OutputBuffers == 0 {
		o.OutputBuffers = 12
	}
	if o.OutputBufferSize == 0 {
		o.OutputBufferSize = 512 << 10
	}
	if o.PollTimeout == 0 {
		o.PollTimeout = 200 * time.Millisecond
	}
	if o.Profile == "" {
		o.Profile = "main"
	}
	if o.Level == "" {
		o.Level = "4.0"
	}
	return o
}

type controlValue struct {
	control Control
	value   int32
}

func (o Options) controls() ([]controlValue, error) {
	profile, ok := v4l2.H264Profile(o.Profile)
	if !ok {
		return nil, fmt.Errorf("unsupported H.264 profile %q", o.Profile)
	}
	level, ok := v4l2.H264Level(o.Level)
	if !ok {
		return nil, fmt.Errorf("unsupported H.264 level %q", o.Level)
	}
	repeat := int32(0)
	if o.InlineHeaders {
		repeat = 1
	}
	cv := []controlValue{
		{ControlBitrate, int32(o.Bitrate)},
		{ControlProfile, profile},
		{ControlLevel, level},
	}
	if o.IntraPeriod > 0 {
		cv = append(cv, controlValue{ControlIntraPeriod, int32(o.IntraPeriod)})
	}
	return append(cv, controlValue{ControlRepeatHeaders, repeat}), nil
}

package pipeline

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"pi-h264-streamer/config"
	"pi-h264-streamer/output"
	"pi-h264-streamer/webrtc"
)

// NewSink builds the network sink selected by output.mode.
func NewSink(cfg *config.Config, logger *zap.Logger) (output.Sink, error) {
	switch cfg.Output.Mode {
	case config.OutputRTP, "":
		s, err := output.NewRTPSink(&output.RTPConfig{
			DestHost:    cfg.Output.DestHost,
			DestPort:    cfg.Output.DestPort,
			LocalPort:   cfg.Output.LocalPort,
			MTU:         cfg.Output.MTU,
			DSCP:        cfg.Output.DSCP,
			SSRC:        cfg.Output.SSRC,
			PayloadType: uint8(cfg.Output.PayloadType),
		}, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.OutputWebRTC:
		shutdown := time.Duration(cfg.Timeouts.HTTPShutdownTimeout) * time.Second
		s, err := webrtc.NewSink(cfg.WebRTC, cfg.Camera.FPS, shutdown, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown output mode %q", cfg.Output.Mode)
	}
}

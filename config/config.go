package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"
)

// Output modes
const (
	OutputRTP    = "rtp"
	OutputWebRTC = "webrtc"
)

// Config represents the application configuration
type Config struct {
	Camera   CameraConfig  `toml:"camera" json:"camera"`
	Encoder  EncoderConfig `toml:"encoder" json:"encoder"`
	Output   OutputConfig  `toml:"output" json:"output"`
	WebRTC   WebRTCConfig  `toml:"webrtc" json:"webrtc"`
	Server   ServerConfig  `toml:"server" json:"server"`
	Buffers  BufferConfig  `toml:"buffers" json:"buffers"`
	Timeouts TimeoutConfig `toml:"timeouts" json:"timeouts"`
	Logging  LoggingConfig `toml:"logging" json:"logging"`
}

// CameraConfig holds sensor selection, geometry and pass-through controls.
// Zero values for the optional controls leave the driver default in place.
type CameraConfig struct {
	Device string `toml:"device" json:"device"` // empty picks the first non-USB camera
	Width  int    `toml:"width" json:"width"`
	Height int    `toml:"height" json:"height"`
	FPS    int    `toml:"fps" json:"fps"`

	AnalogueGain  float64 `toml:"analogue_gain" json:"analogue_gain"`
	MeteringMode  string  `toml:"metering_mode" json:"metering_mode"`
	ExposureMode  string  `toml:"exposure_mode" json:"exposure_mode"`
	ExposureValue float64 `toml:"ev" json:"ev"`
	AWBMode       string  `toml:"awb_mode" json:"awb_mode"`
	AWBRedGain    float64 `toml:"awb_red_gain" json:"awb_red_gain"`
	AWBBlueGain   float64 `toml:"awb_blue_gain" json:"awb_blue_gain"`
	Brightness    float64 `toml:"brightness" json:"brightness"`
	Contrast      float64 `toml:"contrast" json:"contrast"`
	Saturation    float64 `toml:"saturation" json:"saturation"`
	Sharpness     float64 `toml:"sharpness" json:"sharpness"`
	Denoise       bool    `toml:"denoise" json:"denoise"`
	HFlip         bool    `toml:"hflip" json:"hflip"`
	VFlip         bool    `toml:"vflip" json:"vflip"`
	Rotation      int     `toml:"rotation" json:"rotation"` // 0 or 180
}

// EncoderConfig holds hardware encoder settings
type EncoderConfig struct {
	Device             string `toml:"device" json:"device"`
	Bitrate            int    `toml:"bitrate" json:"bitrate"`
	Profile            string `toml:"profile" json:"profile"`
	Level              string `toml:"level" json:"level"`
	IntraPeriod        int    `toml:"intra_period" json:"intra_period"`
	InlineHeaders      bool   `toml:"inline_headers" json:"inline_headers"`
	InputBuffers       int    `toml:"input_buffers" json:"input_buffers"`
	OutputBuffers      int    `toml:"output_buffers" json:"output_buffers"`
	OutputBufferSizeKB int    `toml:"output_buffer_size_kb" json:"output_buffer_size_kb"`
	PollTimeoutMs      int    `toml:"poll_timeout_ms" json:"poll_timeout_ms"`
}

// OutputConfig holds network sink settings
type OutputConfig struct {
	Mode        string `toml:"mode" json:"mode"`
	DestHost    string `toml:"dest_host" json:"dest_host"`
	DestPort    int    `toml:"dest_port" json:"dest_port"`
	LocalPort   int    `toml:"local_port" json:"local_port"`
	MTU         int    `toml:"mtu" json:"mtu"`
	DSCP        int    `toml:"dscp" json:"dscp"`
	PayloadType int    `toml:"payload_type" json:"payload_type"`
	SSRC        uint32 `toml:"ssrc" json:"ssrc"` // 0 picks a random SSRC
}

// WebRTCConfig holds WebRTC-specific settings
type WebRTCConfig struct {
	STUNServer     string   `toml:"stun_server" json:"stun_server"`
	SignalingPort  int      `toml:"signaling_port" json:"signaling_port"`
	AllowedOrigins []string `toml:"allowed_origins" json:"allowed_origins"`
}

// ServerConfig holds status server settings
type ServerConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled"`
	WebPort int    `toml:"web_port" json:"web_port"`
	BindIP  string `toml:"bind_ip" json:"bind_ip"`
	PIIp    string `toml:"pi_ip" json:"pi_ip"` // Auto-detected if empty
}

// BufferConfig holds capture and channel sizes
type BufferConfig struct {
	CaptureBuffers   int `toml:"capture_buffers" json:"capture_buffers"`
	ErrorChannelSize int `toml:"error_channel_size" json:"error_channel_size"`
}

// TimeoutConfig holds timeout settings
type TimeoutConfig struct {
	ShutdownTimeout     int `toml:"shutdown_timeout_seconds" json:"shutdown_timeout_seconds"`
	HTTPShutdownTimeout int `toml:"http_shutdown_timeout_seconds" json:"http_shutdown_timeout_seconds"`
}

// LoggingConfig holds logging interval settings
type LoggingConfig struct {
	FrameLogInterval int `toml:"frame_log_interval" json:"frame_log_interval"`
	StatsLogInterval int `toml:"stats_log_interval_seconds" json:"stats_log_interval_seconds"`
	MaxLogFiles      int `toml:"max_log_files" json:"max_log_files"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Camera: CameraConfig{
			Width:  640,
			Height: 480,
			FPS:    90,
		},
		Encoder: EncoderConfig{
			Device:             "/dev/video11",
			Bitrate:            5000000,
			Profile:            "main",
			Level:              "4.0",
			IntraPeriod:        30,
			InlineHeaders:      true,
			InputBuffers:       6,
			OutputBuffers:      12,
			OutputBufferSizeKB: 512,
			PollTimeoutMs:      200,
		},
		Output: OutputConfig{
			Mode:        OutputRTP,
			DestHost:    "10.42.0.1",
			DestPort:    5600,
			MTU:         1400,
			PayloadType: 96,
		},
		WebRTC: WebRTCConfig{
			STUNServer:    "stun:stun.l.google.com:19302",
			SignalingPort: 5557,
		},
		Server: ServerConfig{
			Enabled: true,
			WebPort: 8080,
			BindIP:  "0.0.0.0",
		},
		Buffers: BufferConfig{
			CaptureBuffers:   6,
			ErrorChannelSize: 4,
		},
		Timeouts: TimeoutConfig{
			ShutdownTimeout:     10,
			HTTPShutdownTimeout: 5,
		},
		Logging: LoggingConfig{
			FrameLogInterval: 90,
			StatsLogInterval: 10,
			MaxLogFiles:      20,
		},
	}
}

// LoadConfig loads configuration from a TOML file on top of the defaults
func LoadConfig(configPath string) (*Config, error) {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	config := Default()

	if _, err := os.Stat(configPath); err == nil {
		if _, err := toml.DecodeFile(configPath, config); err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
		logger.Info("Config loaded from file", zap.String("path", configPath))
	} else {
		logger.Info("Config file not found, using defaults", zap.String("path", configPath))
	}
	config.Output.Mode = strings.ToLower(strings.TrimSpace(config.Output.Mode))

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if config.Server.PIIp == "" {
		if ip := getLocalIP(); ip != "" {
			config.Server.PIIp = ip
		} else {
			config.Server.PIIp = "localhost"
			logger.Warn("Could not detect local IP, using localhost")
		}
	}

	return config, nil
}

// Validate checks the fields the pipeline cannot run without.
func (c *Config) Validate() error {
	var errs []error
	if c.Camera.Width <= 0 || c.Camera.Height <= 0 {
		errs = append(errs, fmt.Errorf("camera geometry %dx%d", c.Camera.Width, c.Camera.Height))
	}
	if c.Camera.FPS <= 0 {
		errs = append(errs, fmt.Errorf("camera fps %d", c.Camera.FPS))
	}
	if c.Encoder.Bitrate <= 0 {
		errs = append(errs, fmt.Errorf("encoder bitrate %d", c.Encoder.Bitrate))
	}
	if c.Encoder.InputBuffers <= 0 || c.Encoder.OutputBuffers <= 0 {
		errs = append(errs, fmt.Errorf("encoder buffers %d/%d", c.Encoder.InputBuffers, c.Encoder.OutputBuffers))
	}
	if c.Encoder.OutputBufferSizeKB <= 0 {
		errs = append(errs, fmt.Errorf("encoder output buffer size %dKB", c.Encoder.OutputBufferSizeKB))
	}
	if c.Buffers.CaptureBuffers <= 0 {
		errs = append(errs, fmt.Errorf("capture buffers %d", c.Buffers.CaptureBuffers))
	}
	if r := c.Camera.Rotation; r != 0 && r != 180 {
		errs = append(errs, fmt.Errorf("camera rotation %d, only 0 and 180 are supported", r))
	}
	switch c.Output.Mode {
	case OutputRTP:
		if c.Output.DestHost == "" || c.Output.DestPort <= 0 || c.Output.DestPort > 65535 {
			errs = append(errs, fmt.Errorf("rtp destination %q:%d", c.Output.DestHost, c.Output.DestPort))
		}
		if c.Output.MTU < 100 {
			errs = append(errs, fmt.Errorf("mtu %d", c.Output.MTU))
		}
	case OutputWebRTC:
	default:
		errs = append(errs, fmt.Errorf("unknown output mode %q", c.Output.Mode))
	}
	if c.Output.DSCP < 0 || c.Output.DSCP > 63 {
		errs = append(errs, fmt.Errorf("dscp %d out of range", c.Output.DSCP))
	}
	return errors.Join(errs...)
}

// getLocalIP attempts to determine the local IP address
func getLocalIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return ""
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String()
}

// SaveConfig saves the current configuration to a file
func SaveConfig(config *Config, configPath string) error {
	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	encoder := toml.NewEncoder(file)
	if err := encoder.Encode(config); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	return nil
}

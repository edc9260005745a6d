package config

import (
	"os"
	"path/filepath"
	"testing"
)

// TestLoadConfigDefaults tests default configuration loading
func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("non-existent-config.toml")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Camera.Width != 640 || cfg.Camera.Height != 480 {
		t.Errorf("Default camera geometry = %dx%d, want 640x480", cfg.Camera.Width, cfg.Camera.Height)
	}
	if cfg.Camera.FPS != 90 {
		t.Errorf("Default Camera.FPS = %d, want 90", cfg.Camera.FPS)
	}
	if cfg.Encoder.Device != "/dev/video11" {
		t.Errorf("Default Encoder.Device = %s, want /dev/video11", cfg.Encoder.Device)
	}
	if cfg.Encoder.InputBuffers != 6 || cfg.Encoder.OutputBuffers != 12 {
		t.Errorf("Default encoder buffers = %d/%d, want 6/12", cfg.Encoder.InputBuffers, cfg.Encoder.OutputBuffers)
	}
	if cfg.Encoder.PollTimeoutMs != 200 {
		t.Errorf("Default Encoder.PollTimeoutMs = %d, want 200", cfg.Encoder.PollTimeoutMs)
	}
	if cfg.Output.Mode != OutputRTP {
		t.Errorf("Default Output.Mode = %s, want %s", cfg.Output.Mode, OutputRTP)
	}
	if cfg.Output.MTU != 1400 {
		t.Errorf("Default Output.MTU = %d, want 1400", cfg.Output.MTU)
	}
	if cfg.Output.DestPort != 5600 {
		t.Errorf("Default Output.DestPort = %d, want 5600", cfg.Output.DestPort)
	}
	if cfg.Server.PIIp == "" {
		t.Error("Server.PIIp should be filled in")
	}
}

// TestLoadConfigFromFile tests loading config from TOML file
func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[camera]
width = 1920
height = 1080
fps = 30
awb_mode = "daylight"
awb_red_gain = 1.5
awb_blue_gain = 1.2
vflip = true
rotation = 180

[encoder]
bitrate = 8000000
profile = "high"

[output]
mode = " RTP"
dest_host = "192.168.1.100"
dest_port = 6000
dscp = 46
ssrc = 0xAABBCCDD
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Camera.Width != 1920 || cfg.Camera.Height != 1080 {
		t.Errorf("Camera geometry = %dx%d, want 1920x1080", cfg.Camera.Width, cfg.Camera.Height)
	}
	if cfg.Camera.AWBMode != "daylight" {
		t.Errorf("Camera.AWBMode = %s, want daylight", cfg.Camera.AWBMode)
	}
	if cfg.Camera.AWBRedGain != 1.5 || cfg.Camera.AWBBlueGain != 1.2 {
		t.Errorf("AWB gains = %v/%v, want 1.5/1.2", cfg.Camera.AWBRedGain, cfg.Camera.AWBBlueGain)
	}
	if cfg.Encoder.Bitrate != 8000000 {
		t.Errorf("Encoder.Bitrate = %d, want 8000000", cfg.Encoder.Bitrate)
	}
	if cfg.Encoder.Profile != "high" {
		t.Errorf("Encoder.Profile = %s, want high", cfg.Encoder.Profile)
	}
	// untouched fields keep their defaults
	if cfg.Encoder.OutputBuffers != 12 {
		t.Errorf("Encoder.OutputBuffers = %d, want 12", cfg.Encoder.OutputBuffers)
	}
	if cfg.Output.DestHost != "192.168.1.100" || cfg.Output.DestPort != 6000 {
		t.Errorf("Output destination = %s:%d", cfg.Output.DestHost, cfg.Output.DestPort)
	}
	if cfg.Output.DSCP != 46 {
		t.Errorf("Output.DSCP = %d, want 46", cfg.Output.DSCP)
	}
	if cfg.Output.SSRC != 0xAABBCCDD {
		t.Errorf("Output.SSRC = %x, want 0xAABBCCDD", cfg.Output.SSRC)
	}
	if cfg.Output.Mode != OutputRTP {
		t.Errorf("Output.Mode = %q, want %q", cfg.Output.Mode, OutputRTP)
	}
	if !cfg.Camera.VFlip || cfg.Camera.HFlip || cfg.Camera.Rotation != 180 {
		t.Errorf("Camera transform = hflip %v vflip %v rotation %d", cfg.Camera.HFlip, cfg.Camera.VFlip, cfg.Camera.Rotation)
	}
}

// TestSaveConfig tests configuration saving
func TestSaveConfig(t *testing.T) {
	cfg := Default()
	cfg.Camera.Device = "/dev/video0"
	cfg.Camera.Width = 1280
	cfg.Camera.Height = 720
	cfg.Output.DestHost = "192.168.1.100"
	cfg.Server.PIIp = "192.168.1.1"

	path := filepath.Join(t.TempDir(), "saved.toml")
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if loaded.Camera.Device != cfg.Camera.Device {
		t.Errorf("Saved/loaded Camera.Device mismatch: %s != %s", loaded.Camera.Device, cfg.Camera.Device)
	}
	if loaded.Camera.Width != cfg.Camera.Width {
		t.Errorf("Saved/loaded Camera.Width mismatch: %d != %d", loaded.Camera.Width, cfg.Camera.Width)
	}
	if loaded.Output.DestHost != cfg.Output.DestHost {
		t.Errorf("Saved/loaded DestHost mismatch: %s != %s", loaded.Output.DestHost, cfg.Output.DestHost)
	}
	if loaded.Server.PIIp != "192.168.1.1" {
		t.Errorf("Saved/loaded PIIp mismatch: %s", loaded.Server.PIIp)
	}
}

// TestInvalidConfigFile tests handling of invalid config files
func TestInvalidConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "invalid.toml")
	invalid := `
[camera
width = "not a number"
`
	if err := os.WriteFile(path, []byte(invalid), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	if _, err := LoadConfig(path); err == nil {
		t.Error("Expected error for invalid config file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"zero width", func(c *Config) { c.Camera.Width = 0 }, true},
		{"zero fps", func(c *Config) { c.Camera.FPS = 0 }, true},
		{"no input buffers", func(c *Config) { c.Encoder.InputBuffers = 0 }, true},
		{"no capture buffers", func(c *Config) { c.Buffers.CaptureBuffers = 0 }, true},
		{"bad port", func(c *Config) { c.Output.DestPort = 70000 }, true},
		{"tiny mtu", func(c *Config) { c.Output.MTU = 20 }, true},
		{"dscp range", func(c *Config) { c.Output.DSCP = 64 }, true},
		{"unknown mode", func(c *Config) { c.Output.Mode = "srt" }, true},
		{"unnormalized mode", func(c *Config) { c.Output.Mode = "RTP" }, true},
		{"half turn", func(c *Config) { c.Camera.Rotation = 180 }, false},
		{"quarter turn", func(c *Config) { c.Camera.Rotation = 90 }, true},
		{"webrtc ignores destination", func(c *Config) {
			c.Output.Mode = OutputWebRTC
			c.Output.DestHost = ""
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

package webrtc

import (
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap/zaptest"
)

func TestNewPeerConnection(t *testing.T) {
	logger := zaptest.NewLogger(t)
	config := webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	}

	tests := []struct {
		name string
		id   string
		fps  int
		want time.Duration
	}{
		{"90 fps", "viewer-1", 90, time.Second / 90},
		{"30 fps", "viewer-2", 30, time.Second / 30},
		{"zero fps defaults to 30", "viewer-3", 0, time.Second / 30},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			peer, err := NewPeerConnection(tt.id, config, tt.fps, logger)
			if err != nil {
				t.Fatalf("Failed to create peer connection: %v", err)
			}
			defer peer.Close()

			if peer.GetID() != tt.id {
				t.Errorf("Expected ID %s, got %s", tt.id, peer.GetID())
			}
			if peer.defaultDuration != tt.want {
				t.Errorf("Expected sample duration %v, got %v", tt.want, peer.defaultDuration)
			}
			if peer.videoTrack == nil {
				t.Fatal("Expected video track to be created")
			}
			if got := peer.videoTrack.Codec().MimeType; got != webrtc.MimeTypeH264 {
				t.Errorf("Expected H.264 track, got %s", got)
			}
		})
	}
}

func TestPeerConnectionStreaming(t *testing.T) {
	peer, err := NewPeerConnection("viewer", webrtc.Configuration{}, 30, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Failed to create peer: %v", err)
	}
	defer peer.Close()

	if peer.IsStreaming() {
		t.Error("Expected peer to not be streaming initially")
	}
	if err := peer.StartStreaming(); err != nil {
		t.Fatalf("Failed to start streaming: %v", err)
	}
	if !peer.IsStreaming() {
		t.Error("Expected peer to be streaming after StartStreaming()")
	}
	if err := peer.StartStreaming(); err == nil {
		t.Error("Expected error when starting streaming twice")
	}

	peer.StopStreaming()
	if peer.IsStreaming() {
		t.Error("Expected peer to not be streaming after StopStreaming()")
	}
}

func TestWriteFrame(t *testing.T) {
	peer, err := NewPeerConnection("viewer", webrtc.Configuration{}, 30, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Failed to create peer: %v", err)
	}
	defer peer.Close()

	frame := []byte{0x00, 0x00, 0x00, 0x01, 0x65, 0x88, 0x84, 0x00}
	if err := peer.WriteFrame(frame, 0); err != errNotStreaming {
		t.Errorf("Expected errNotStreaming before streaming, got %v", err)
	}

	peer.StartStreaming()

	// an unbound track accepts and discards samples
	if err := peer.WriteFrame(frame, 11*time.Millisecond); err != nil {
		t.Errorf("Expected no error when writing frame, got %v", err)
	}
	if got := peer.frameCounter.Load(); got != 1 {
		t.Errorf("Expected frame counter to be 1, got %d", got)
	}
	if got := peer.GetStats()["bytes_written"]; got != uint64(len(frame)) {
		t.Errorf("Expected %d bytes written, got %v", len(frame), got)
	}
}

func TestPeerConnectionClose(t *testing.T) {
	peer, err := NewPeerConnection("viewer", webrtc.Configuration{}, 30, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Failed to create peer: %v", err)
	}

	if peer.GetConnectionState() != webrtc.PeerConnectionStateNew {
		t.Errorf("Expected initial state New, got %s", peer.GetConnectionState())
	}
	if peer.IsConnected() {
		t.Error("Expected peer to not be connected initially")
	}

	peer.StartStreaming()
	if err := peer.Close(); err != nil {
		t.Errorf("Expected no error on close, got %v", err)
	}
	if peer.IsStreaming() {
		t.Error("Expected streaming to stop after close")
	}
	if peer.GetConnectionState() != webrtc.PeerConnectionStateClosed {
		t.Errorf("Expected connection state Closed after close, got %s", peer.GetConnectionState())
	}
}

func TestWaitForConnection(t *testing.T) {
	peer, err := NewPeerConnection("viewer", webrtc.Configuration{}, 30, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Failed to create peer: %v", err)
	}
	defer peer.Close()

	err = peer.WaitForConnection(300 * time.Millisecond)
	if err == nil || err.Error() != "connection timeout" {
		t.Errorf("Expected 'connection timeout' error, got %v", err)
	}
}

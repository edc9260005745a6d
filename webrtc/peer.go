package webrtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"go.uber.org/zap"
)

var errNotStreaming = errors.New("not streaming")

// PeerConnection is the one viewer's WebRTC session
type PeerConnection struct {
	id              string
	pc              *webrtc.PeerConnection
	videoTrack      *webrtc.TrackLocalStaticSample
	logger          *zap.Logger
	defaultDuration time.Duration

	isStreaming  bool
	mu           sync.RWMutex
	frameCounter atomic.Int64
	bytesWritten atomic.Uint64

	onClosed func()

	ctx    context.Context
	cancel context.CancelFunc
}

// NewPeerConnection creates a peer with a single H.264 video track
func NewPeerConnection(id string, config webrtc.Configuration, fps int, logger *zap.Logger) (*PeerConnection, error) {
	ctx, cancel := context.WithCancel(context.Background())

	if fps <= 0 {
		fps = 30
		logger.Warn("FPS not provided, defaulting to 30", zap.Int("fps", fps))
	}

	peer := &PeerConnection{
		id:              id,
		logger:          logger.With(zap.String("peer_id", id)),
		defaultDuration: time.Second / time.Duration(fps),
		ctx:             ctx,
		cancel:          cancel,
	}

	pc, err := webrtc.NewPeerConnection(config)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	peer.pc = pc

	videoTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeH264,
			ClockRate:   90000,
			SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
		},
		"video",
		"pi-h264",
	)
	if err != nil {
		pc.Close()
		cancel()
		return nil, fmt.Errorf("failed to create video track: %w", err)
	}
	peer.videoTrack = videoTrack

	sender, err := pc.AddTrack(videoTrack)
	if err != nil {
		pc.Close()
		cancel()
		return nil, fmt.Errorf("failed to add video track: %w", err)
	}
	go peer.drainRTCP(sender)

	peer.setupEventHandlers()

	peer.logger.Info("Peer connection created", zap.Duration("default_sample_duration", peer.defaultDuration))
	return peer, nil
}

// drainRTCP reads incoming RTCP so interceptors keep running
func (p *PeerConnection) drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// OnClosed registers a callback for when the connection fails or closes
func (p *PeerConnection) OnClosed(fn func()) {
	p.mu.Lock()
	p.onClosed = fn
	p.mu.Unlock()
}

func (p *PeerConnection) setupEventHandlers() {
	p.pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		p.logger.Info("ICE connection state changed", zap.String("state", state.String()))
	})

	p.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.logger.Info("Peer connection state changed", zap.String("state", state.String()))

		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			p.StopStreaming()
			p.mu.RLock()
			fn := p.onClosed
			p.mu.RUnlock()
			if fn != nil {
				fn()
			}
		case webrtc.PeerConnectionStateDisconnected:
			p.logger.Warn("Peer connection disconnected, waiting for reconnection...")
		case webrtc.PeerConnectionStateConnected:
			p.logger.Info("Peer connection established successfully")
		}
	})
}

// SetRemoteDescription sets the remote description from the client
func (p *PeerConnection) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(sdp); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	return nil
}

// CreateAnswer creates and applies the local answer
func (p *PeerConnection) CreateAnswer() (*webrtc.SessionDescription, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}

	p.logger.Info("WebRTC answer created")
	return &answer, nil
}

// AddICECandidate adds a remote ICE candidate
func (p *PeerConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	if err := p.pc.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("failed to add ICE candidate: %w", err)
	}
	p.logger.Debug("ICE candidate added")
	return nil
}

// OnICECandidate sets the local ICE candidate handler
func (p *PeerConnection) OnICECandidate(handler func(*webrtc.ICECandidate)) {
	p.pc.OnICECandidate(handler)
}

// StartStreaming lets WriteFrame reach the track
func (p *PeerConnection) StartStreaming() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.isStreaming {
		return fmt.Errorf("already streaming")
	}
	p.logger.Info("Starting video streaming")
	p.isStreaming = true
	return nil
}

// WriteFrame writes one access unit to the track. A zero duration uses the
// frame interval.
func (p *PeerConnection) WriteFrame(frameData []byte, duration time.Duration) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.isStreaming {
		return errNotStreaming
	}
	if duration <= 0 {
		duration = p.defaultDuration
	}

	if err := p.videoTrack.WriteSample(media.Sample{Data: frameData, Duration: duration}); err != nil {
		if errors.Is(err, io.ErrClosedPipe) {
			p.logger.Debug("Video track closed")
			return nil
		}
		return fmt.Errorf("failed to write video sample: %w", err)
	}

	p.frameCounter.Add(1)
	p.bytesWritten.Add(uint64(len(frameData)))
	return nil
}

// StopStreaming stops forwarding frames
func (p *PeerConnection) StopStreaming() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.isStreaming {
		return
	}
	p.logger.Info("Stopping video streaming")
	p.isStreaming = false
}

// IsStreaming returns whether this peer is currently streaming
func (p *PeerConnection) IsStreaming() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.isStreaming
}

// GetConnectionState returns the current connection state
func (p *PeerConnection) GetConnectionState() webrtc.PeerConnectionState {
	return p.pc.ConnectionState()
}

// IsConnected returns whether the peer is currently connected
func (p *PeerConnection) IsConnected() bool {
	return p.pc.ConnectionState() == webrtc.PeerConnectionStateConnected
}

// GetStats returns connection statistics
func (p *PeerConnection) GetStats() map[string]interface{} {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return map[string]interface{}{
		"id":                   p.id,
		"connection_state":     p.pc.ConnectionState().String(),
		"ice_connection_state": p.pc.ICEConnectionState().String(),
		"signaling_state":      p.pc.SignalingState().String(),
		"is_streaming":         p.isStreaming,
		"frames_written":       p.frameCounter.Load(),
		"bytes_written":        p.bytesWritten.Load(),
	}
}

// Close closes the peer connection
func (p *PeerConnection) Close() error {
	p.StopStreaming()
	p.cancel()

	if err := p.pc.Close(); err != nil {
		p.logger.Error("Error closing peer connection", zap.Error(err))
		return err
	}
	p.logger.Info("Peer connection closed")
	return nil
}

// GetID returns the peer connection ID
func (p *PeerConnection) GetID() string {
	return p.id
}

// WaitForConnection waits for the peer connection to be established
func (p *PeerConnection) WaitForConnection(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(p.ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("connection timeout")
		case <-ticker.C:
			if p.IsConnected() {
				return nil
			}
		}
	}
}

package webrtc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"pi-h264-streamer/config"
	"pi-h264-streamer/output"
)

type sample struct {
	buf       []byte
	timestamp time.Duration
	keyframe  bool
}

// Sink streams the encoded video to a single WebRTC viewer. A new offer
// replaces the current viewer.
type Sink struct {
	port   int
	fps    int
	config config.WebRTCConfig
	logger *zap.Logger

	webrtcConfig webrtc.Configuration
	signaling    *Signaling

	mu     sync.RWMutex
	peer   *PeerConnection
	viewer *Viewer

	httpServer      *http.Server
	listener        net.Listener
	shutdownTimeout time.Duration

	samples   chan sample
	lastTS    time.Duration
	haveLast  bool
	isRunning atomic.Bool

	framesSent atomic.Uint64
	dropped    atomic.Uint64
	sendErrors atomic.Uint64
	keyframes  atomic.Uint64
	bytesSent  atomic.Uint64
	viewers    atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ output.Sink = (*Sink)(nil)

// NewSink creates a WebRTC sink serving signaling on cfg.SignalingPort
func NewSink(cfg config.WebRTCConfig, fps int, shutdownTimeout time.Duration, logger *zap.Logger) (*Sink, error) {
	if cfg.SignalingPort < 0 || cfg.SignalingPort > 65535 {
		return nil, fmt.Errorf("invalid signaling port %d", cfg.SignalingPort)
	}
	if shutdownTimeout <= 0 {
		shutdownTimeout = 5 * time.Second
	}

	var iceServers []webrtc.ICEServer
	if cfg.STUNServer != "" {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{cfg.STUNServer}})
	}

	s := &Sink{
		port:            cfg.SignalingPort,
		fps:             fps,
		config:          cfg,
		logger:          logger.With(zap.String("component", "webrtc_sink"), zap.Int("port", cfg.SignalingPort)),
		webrtcConfig:    webrtc.Configuration{ICEServers: iceServers},
		shutdownTimeout: shutdownTimeout,
		samples:         make(chan sample, 8),
	}

	s.signaling = NewSignaling(cfg.AllowedOrigins, SignalHandlers{
		Offer:     s.handleOffer,
		Answer:    s.handleAnswer,
		Candidate: s.handleICECandidate,
		Left:      s.viewerLeft,
	}, s.logger)

	s.logger.Info("WebRTC sink created",
		zap.Int("ice_servers", len(iceServers)),
		zap.Strings("allowed_origins", cfg.AllowedOrigins))

	return s, nil
}

// handleOffer answers a viewer's offer and makes it the active viewer
func (s *Sink) handleOffer(viewer *Viewer, offer webrtc.SessionDescription) error {
	s.logger.Info("Received offer from client", zap.String("client_id", viewer.ID()))

	peer, err := NewPeerConnection(viewer.ID(), s.webrtcConfig, s.fps, s.logger)
	if err != nil {
		return fmt.Errorf("failed to create peer connection: %w", err)
	}

	peer.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		if err := viewer.SendCandidate(candidate); err != nil {
			s.logger.Error("Failed to send ICE candidate", zap.String("client_id", viewer.ID()), zap.Error(err))
		}
	})
	peer.OnClosed(func() { s.dropPeer(peer) })

	if err := peer.SetRemoteDescription(offer); err != nil {
		peer.Close()
		return err
	}
	answer, err := peer.CreateAnswer()
	if err != nil {
		peer.Close()
		return err
	}
	if err := peer.StartStreaming(); err != nil {
		peer.Close()
		return err
	}

	s.mu.Lock()
	oldPeer, oldViewer := s.peer, s.viewer
	s.peer, s.viewer = peer, viewer
	s.haveLast = false
	s.mu.Unlock()
	s.viewers.Add(1)

	if oldPeer != nil {
		s.logger.Info("Replacing viewer",
			zap.String("old_client_id", oldPeer.GetID()),
			zap.String("new_client_id", viewer.ID()))
		if oldViewer != nil && oldViewer != viewer {
			oldViewer.SendReplaced()
		}
		oldPeer.Close()
	}

	if err := viewer.SendAnswer(*answer); err != nil {
		s.dropPeer(peer)
		peer.Close()
		return fmt.Errorf("failed to send answer: %w", err)
	}

	s.logger.Info("WebRTC viewer attached", zap.String("client_id", viewer.ID()))
	return nil
}

// handleAnswer is accepted for renegotiation with the active viewer
func (s *Sink) handleAnswer(viewer *Viewer, answer webrtc.SessionDescription) error {
	peer := s.peerFor(viewer)
	if peer == nil {
		return fmt.Errorf("no peer connection found for client %s", viewer.ID())
	}
	return peer.SetRemoteDescription(answer)
}

func (s *Sink) handleICECandidate(viewer *Viewer, candidate webrtc.ICECandidateInit) error {
	peer := s.peerFor(viewer)
	if peer == nil {
		return fmt.Errorf("no peer connection found for client %s", viewer.ID())
	}
	return peer.AddICECandidate(candidate)
}

func (s *Sink) peerFor(viewer *Viewer) *PeerConnection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.peer == nil || s.viewer != viewer {
		return nil
	}
	return s.peer
}

// dropPeer forgets p if it is still the active viewer
func (s *Sink) dropPeer(p *PeerConnection) {
	s.mu.Lock()
	if s.peer != p {
		s.mu.Unlock()
		return
	}
	s.peer, s.viewer = nil, nil
	s.mu.Unlock()
	s.logger.Info("Viewer detached", zap.String("client_id", p.GetID()))
}

// viewerLeft detaches the active peer when its signaling socket goes away
func (s *Sink) viewerLeft(v *Viewer) {
	s.mu.Lock()
	if s.viewer != v {
		s.mu.Unlock()
		return
	}
	peer := s.peer
	s.peer, s.viewer = nil, nil
	s.mu.Unlock()

	s.logger.Info("Viewer left, closing its peer", zap.String("client_id", v.ID()))
	if peer != nil {
		peer.Close()
	}
}

// Start serves signaling and begins forwarding frames to the viewer
func (s *Sink) Start(ctx context.Context) error {
	if s.isRunning.Load() {
		return fmt.Errorf("WebRTC sink already running")
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", s.signaling)
	mux.HandleFunc("/", s.handleRoot)

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("failed to listen for signaling: %w", err)
	}
	s.listener = ln
	s.httpServer = &http.Server{Handler: mux}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.isRunning.Store(true)

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Signaling server error", zap.Error(err))
		}
	}()

	s.wg.Add(1)
	go s.forwardLoop()

	s.logger.Info("WebRTC sink started", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr is the signaling listen address once started
func (s *Sink) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Sink) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintf(w, "H.264 WebRTC stream\nWebSocket: ws://%s/ws\nViewer connected: %v\n", r.Host, s.HasViewer())
}

// Push copies the access unit for the viewer. It drops when no viewer is
// attached or the forward queue is full.
func (s *Sink) Push(au output.AccessUnit) error {
	if !s.isRunning.Load() {
		return output.ErrNotRunning
	}
	if !s.HasViewer() {
		return nil
	}

	buf := make([]byte, len(au.Data))
	copy(buf, au.Data)

	select {
	case s.samples <- sample{buf: buf, timestamp: au.Timestamp, keyframe: au.Keyframe}:
		return nil
	default:
		s.dropped.Add(1)
		return output.ErrQueueFull
	}
}

func (s *Sink) forwardLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case f := <-s.samples:
			s.writeSample(f)
		}
	}
}

func (s *Sink) writeSample(f sample) {
	s.mu.Lock()
	peer := s.peer
	var duration time.Duration
	if s.haveLast && f.timestamp > s.lastTS {
		duration = f.timestamp - s.lastTS
	}
	s.lastTS, s.haveLast = f.timestamp, true
	s.mu.Unlock()

	if peer == nil {
		return
	}
	if err := peer.WriteFrame(f.buf, duration); err != nil {
		if !errors.Is(err, errNotStreaming) {
			s.sendErrors.Add(1)
			s.logger.Error("Failed to write frame to viewer", zap.String("peer_id", peer.GetID()), zap.Error(err))
		}
		return
	}

	s.framesSent.Add(1)
	s.bytesSent.Add(uint64(len(f.buf)))
	if f.keyframe {
		s.keyframes.Add(1)
	}
}

// HasViewer reports whether a viewer is attached
func (s *Sink) HasViewer() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peer != nil
}

// Stats returns frame counters
func (s *Sink) Stats() output.Stats {
	return output.Stats{
		FramesSent:    s.framesSent.Load(),
		FramesDropped: s.dropped.Load(),
		SendErrors:    s.sendErrors.Load(),
		Keyframes:     s.keyframes.Load(),
		BytesSent:     s.bytesSent.Load(),
	}
}

// ViewerStats describes the active viewer
func (s *Sink) ViewerStats() map[string]interface{} {
	s.mu.RLock()
	peer, viewer := s.peer, s.viewer
	s.mu.RUnlock()

	stats := map[string]interface{}{
		"port":          s.port,
		"client_count":  s.signaling.Count(),
		"viewers_total": s.viewers.Load(),
	}
	if peer != nil {
		stats["viewer"] = peer.GetStats()
	}
	if viewer != nil {
		stats["last_seen"] = viewer.LastSeen().UTC().Format(time.RFC3339)
	}
	return stats
}

// Close stops signaling and closes the viewer
func (s *Sink) Close() error {
	if !s.isRunning.Swap(false) {
		return nil
	}
	s.logger.Info("Stopping WebRTC sink")

	s.cancel()
	s.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("Error shutting down signaling server", zap.Error(err))
	}

	s.mu.Lock()
	peer := s.peer
	s.peer, s.viewer = nil, nil
	s.mu.Unlock()
	if peer != nil {
		peer.Close()
	}

	s.signaling.Close()

	s.logger.Info("WebRTC sink stopped", zap.Uint64("frames_sent", s.framesSent.Load()))
	return nil
}

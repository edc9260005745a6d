package output

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
)

const (
	DefaultMTU         = 1400
	DefaultPayloadType = 96
	rtpHeaderSize      = 12
)

// RTPConfig holds configuration for the H.264 RTP/UDP sink
type RTPConfig struct {
	// Network
	DestHost  string
	DestPort  int
	LocalPort int // Optional local port binding
	MTU       int
	DSCP      int // Optional DSCP marking for QoS

	// RTP
	SSRC        uint32
	PayloadType uint8

	QueueSize int
}

type queuedFrame struct {
	buf       *[]byte
	timestamp time.Duration
	keyframe  bool
}

// RTPSink sends H.264 access units as RTP over UDP
type RTPSink struct {
	config *RTPConfig
	logger *zap.Logger

	// Network
	conn     *net.UDPConn
	mu       sync.RWMutex
	destAddr *net.UDPAddr

	// RTP
	payloader *codecs.H264Payloader
	sequencer rtp.Sequencer
	baseTS    uint32
	firstTS   time.Duration
	haveFirst bool
	lastSPS   []byte

	// Frame processing
	frameChan chan queuedFrame
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	// State
	isRunning  atomic.Bool
	frameCount atomic.Uint64
	dropCount  atomic.Uint64
	sendErrors atomic.Uint64
	keyframes  atomic.Uint64
	packets    atomic.Uint64
	bytesSent  atomic.Uint64

	framePool sync.Pool
}

// NewRTPSink creates a new H.264 RTP sink
func NewRTPSink(config *RTPConfig, logger *zap.Logger) (*RTPSink, error) {
	if config.DestHost == "" || config.DestPort <= 0 {
		return nil, fmt.Errorf("invalid RTP destination %q:%d", config.DestHost, config.DestPort)
	}
	if config.MTU <= 0 {
		config.MTU = DefaultMTU
	}
	if config.MTU <= rtpHeaderSize {
		return nil, fmt.Errorf("MTU %d too small for RTP", config.MTU)
	}
	if config.PayloadType == 0 {
		config.PayloadType = DefaultPayloadType
	}
	if config.SSRC == 0 {
		config.SSRC = rand.Uint32()
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 10
	}

	s := &RTPSink{
		config:    config,
		logger:    logger.With(zap.String("component", "rtp_sink")),
		payloader: &codecs.H264Payloader{},
		sequencer: rtp.NewRandomSequencer(),
		baseTS:    rand.Uint32(),
		frameChan: make(chan queuedFrame, config.QueueSize),
	}

	s.framePool = sync.Pool{
		New: func() interface{} {
			b := make([]byte, 0, 64*1024)
			return &b
		},
	}

	return s, nil
}

// Start opens the UDP socket and begins sending
func (s *RTPSink) Start(ctx context.Context) error {
	if s.isRunning.Load() {
		return fmt.Errorf("RTP sink already running")
	}

	s.logger.Info("Starting H.264 RTP sink",
		zap.String("dest", fmt.Sprintf("%s:%d", s.config.DestHost, s.config.DestPort)),
		zap.Int("mtu", s.config.MTU),
		zap.Uint8("payload_type", s.config.PayloadType),
		zap.Uint32("ssrc", s.config.SSRC))

	destAddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", s.config.DestHost, s.config.DestPort))
	if err != nil {
		return fmt.Errorf("failed to resolve destination address: %w", err)
	}
	s.setDest(destAddr)

	var localAddr *net.UDPAddr
	if s.config.LocalPort > 0 {
		localAddr = &net.UDPAddr{Port: s.config.LocalPort}
	}

	conn, err := net.ListenUDP("udp", localAddr)
	if err != nil {
		return fmt.Errorf("failed to create UDP socket: %w", err)
	}
	s.conn = conn

	if err := conn.SetWriteBuffer(1024 * 1024); err != nil {
		s.logger.Warn("Failed to set UDP write buffer size", zap.Error(err))
	}

	if s.config.DSCP > 0 {
		// DSCP sits in the top six bits of the TOS byte
		if err := ipv4.NewConn(conn).SetTOS(s.config.DSCP << 2); err != nil {
			s.logger.Warn("Failed to set DSCP marking", zap.Int("dscp", s.config.DSCP), zap.Error(err))
		} else {
			s.logger.Info("DSCP QoS marking enabled", zap.Int("dscp", s.config.DSCP))
		}
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.isRunning.Store(true)

	s.wg.Add(1)
	go s.frameSenderLoop()

	s.logger.Info("H.264 RTP sink started",
		zap.String("local_addr", conn.LocalAddr().String()),
		zap.String("dest_addr", destAddr.String()))

	return nil
}

// Close stops the sender and closes the socket
func (s *RTPSink) Close() error {
	if !s.isRunning.Swap(false) {
		return nil
	}

	s.logger.Info("Stopping H.264 RTP sink")
	s.cancel()
	s.wg.Wait()

	if s.conn != nil {
		s.conn.Close()
	}

	stats := s.Stats()
	s.logger.Info("H.264 RTP sink stopped",
		zap.Uint64("frames_sent", stats.FramesSent),
		zap.Uint64("frames_dropped", stats.FramesDropped),
		zap.Uint64("send_errors", stats.SendErrors))

	return nil
}

// Push copies the access unit onto the send queue
func (s *RTPSink) Push(au AccessUnit) error {
	if !s.isRunning.Load() {
		return ErrNotRunning
	}

	buf := s.framePool.Get().(*[]byte)
	*buf = append((*buf)[:0], au.Data...)

	// Non-blocking so a stalled network never holds an encoder slot
	select {
	case s.frameChan <- queuedFrame{buf: buf, timestamp: au.Timestamp, keyframe: au.Keyframe}:
		return nil
	default:
		s.framePool.Put(buf)
		s.dropCount.Add(1)
		return ErrQueueFull
	}
}

func (s *RTPSink) frameSenderLoop() {
	defer s.wg.Done()

	s.logger.Info("Frame sender loop started")

	for {
		select {
		case <-s.ctx.Done():
			s.logger.Info("Frame sender loop stopped by context")
			return

		case f := <-s.frameChan:
			if err := s.sendAccessUnit(*f.buf, f.timestamp, f.keyframe); err != nil {
				s.sendErrors.Add(1)
				s.logger.Error("Failed to send RTP frame", zap.Error(err))
			} else {
				n := s.frameCount.Add(1)
				if f.keyframe {
					s.keyframes.Add(1)
				}
				if n%100 == 0 {
					stats := s.Stats()
					s.logger.Debug("Streaming progress",
						zap.Uint64("frames", stats.FramesSent),
						zap.Uint64("dropped", stats.FramesDropped),
						zap.Uint64("errors", stats.SendErrors),
						zap.Uint64("rtp_packets", stats.PacketsSent))
				}
			}
			s.framePool.Put(f.buf)
		}
	}
}

// rtpTimestamp maps the capture clock onto the 90kHz RTP clock
func (s *RTPSink) rtpTimestamp(ts time.Duration) uint32 {
	if !s.haveFirst {
		s.firstTS = ts
		s.haveFirst = true
	}
	elapsed := ts - s.firstTS
	return s.baseTS + uint32(elapsed.Microseconds()*ClockRate/1e6)
}

// Packetize splits an access unit into RTP packets sharing one timestamp,
// with the marker bit on the last packet.
func (s *RTPSink) Packetize(data []byte, ts time.Duration) []*rtp.Packet {
	payloads := s.payloader.Payload(uint16(s.config.MTU-rtpHeaderSize), data)
	timestamp := s.rtpTimestamp(ts)

	packets := make([]*rtp.Packet, len(payloads))
	for i, p := range payloads {
		packets[i] = &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         i == len(payloads)-1,
				PayloadType:    s.config.PayloadType,
				SequenceNumber: s.sequencer.NextSequenceNumber(),
				Timestamp:      timestamp,
				SSRC:           s.config.SSRC,
			},
			Payload: p,
		}
	}
	return packets
}

func (s *RTPSink) sendAccessUnit(data []byte, ts time.Duration, keyframe bool) error {
	if keyframe {
		s.logParameterSets(data)
	}

	packets := s.Packetize(data, ts)
	dest := s.dest()
	for i, p := range packets {
		raw, err := p.Marshal()
		if err != nil {
			return fmt.Errorf("failed to marshal RTP packet %d/%d: %w", i+1, len(packets), err)
		}
		if _, err := s.conn.WriteToUDP(raw, dest); err != nil {
			return fmt.Errorf("failed to send RTP packet %d/%d: %w", i+1, len(packets), err)
		}
		s.packets.Add(1)
		s.bytesSent.Add(uint64(len(raw)))
	}
	return nil
}

func (s *RTPSink) logParameterSets(data []byte) {
	info := InspectAccessUnit(data)
	if info.SPS == nil || bytes.Equal(info.SPS, s.lastSPS) {
		return
	}
	s.lastSPS = append(s.lastSPS[:0], info.SPS...)

	params, err := ParseSPS(info.SPS)
	if err != nil {
		s.logger.Debug("Unparseable SPS in keyframe", zap.Error(err))
		return
	}
	s.logger.Info("Stream parameters", zap.String("sps", params.String()), zap.Int("nalus", info.NALUs))
}

// Stats returns streaming statistics
func (s *RTPSink) Stats() Stats {
	return Stats{
		FramesSent:    s.frameCount.Load(),
		FramesDropped: s.dropCount.Load(),
		SendErrors:    s.sendErrors.Load(),
		Keyframes:     s.keyframes.Load(),
		PacketsSent:   s.packets.Load(),
		BytesSent:     s.bytesSent.Load(),
	}
}

func (s *RTPSink) setDest(addr *net.UDPAddr) {
	s.mu.Lock()
	s.destAddr = addr
	s.mu.Unlock()
}

func (s *RTPSink) dest() *net.UDPAddr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.destAddr
}

// UpdateDestination updates the destination address dynamically
func (s *RTPSink) UpdateDestination(host string, port int) error {
	destAddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return fmt.Errorf("failed to resolve new destination: %w", err)
	}

	s.setDest(destAddr)
	s.logger.Info("Updated destination address", zap.String("new_dest", destAddr.String()))
	return nil
}

// Destination returns current destination address
func (s *RTPSink) Destination() string {
	if d := s.dest(); d != nil {
		return d.String()
	}
	return ""
}

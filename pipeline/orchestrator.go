package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pi-h264-streamer/capture"
	"pi-h264-streamer/config"
	"pi-h264-streamer/encoder"
	"pi-h264-streamer/media"
	"pi-h264-streamer/output"
)

// ErrAlreadyStarted is returned by a second Start, or a Start after Stop.
var ErrAlreadyStarted = errors.New("pipeline already started")

// Option adjusts orchestrator construction.
type Option func(*Orchestrator)

// WithSink replaces the sink chosen by output.mode.
func WithSink(s output.Sink) Option {
	return func(o *Orchestrator) { o.sink = s }
}

// LatencyStats are the most recent per-frame delays.
type LatencyStats struct {
	// completion to encoder submission
	Forward time.Duration
	// capture timestamp to compressed output
	Encode    time.Duration
	MaxEncode time.Duration
}

// Stats is a snapshot of the whole pipeline.
type Stats struct {
	SessionID string
	Camera    string
	Geometry  media.Geometry
	Running   bool
	Uptime    time.Duration

	Forwarded  uint64
	Dropped    uint64
	Delivered  uint64
	PushErrors uint64
	Recycled   uint64

	Pool     capture.PoolStats
	Requests capture.RequestStats
	Encoder  encoder.Stats
	Sink     output.Stats
	Latency  LatencyStats
}

// Orchestrator owns the capture, encoder and sink for one camera.
type Orchestrator struct {
	cfg       *config.Config
	logger    *zap.Logger
	sessionID string

	camera   capture.CameraInfo
	sensor   capture.Sensor
	pool     *capture.Pool
	requests *capture.RequestManager
	enc      *encoder.Manager
	sink     output.Sink
	geometry media.Geometry
	controls capture.Controls

	// descriptor -> request held by the encoder
	mu        sync.Mutex
	inEncoder map[int]*capture.Request
	latency   LatencyStats

	errCh     chan error
	startedAt time.Time
	running   atomic.Bool
	stopped   atomic.Bool

	forwarded  atomic.Uint64
	dropped    atomic.Uint64
	delivered  atomic.Uint64
	pushErrors atomic.Uint64
	recycled   atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New discovers the camera and builds every stage. On failure whatever was
// built is torn down.
func New(cfg *config.Config, backend Backend, logger *zap.Logger, opts ...Option) (*Orchestrator, error) {
	errSize := cfg.Buffers.ErrorChannelSize
	if errSize <= 0 {
		errSize = 1
	}

	sessionID := uuid.NewString()
	o := &Orchestrator{
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "pipeline"), zap.String("session", sessionID)),
		sessionID: sessionID,
		inEncoder: make(map[int]*capture.Request),
		errCh:     make(chan error, errSize),
		controls:  capture.ControlsFromConfig(cfg.Camera),
	}
	for _, opt := range opts {
		opt(o)
	}

	if err := o.build(backend); err != nil {
		o.teardown()
		return nil, err
	}

	o.logger.Info("Pipeline created",
		zap.String("camera", o.camera.ID),
		zap.String("model", o.camera.Model),
		zap.String("geometry", o.geometry.String()),
		zap.String("output", cfg.Output.Mode))
	return o, nil
}

func (o *Orchestrator) build(backend Backend) error {
	cameras, err := backend.Cameras()
	if err != nil {
		return fmt.Errorf("camera discovery failed: %w", err)
	}
	o.logger.Info("Cameras discovered", zap.Int("count", len(cameras)))

	info, err := capture.SelectCamera(cameras, o.cfg.Camera.Device)
	if err != nil {
		return err
	}
	o.camera = info

	sensor, err := backend.OpenSensor(info)
	if err != nil {
		return fmt.Errorf("failed to open camera %s: %w", info.ID, err)
	}
	o.sensor = sensor

	geometry, err := sensor.Configure(capture.StreamConfig{
		Width:  o.cfg.Camera.Width,
		Height: o.cfg.Camera.Height,
		FPS:    o.cfg.Camera.FPS,
	})
	if err != nil {
		return fmt.Errorf("failed to configure camera %s: %w", info.ID, err)
	}
	o.geometry = geometry

	o.pool = capture.NewPool(sensor, o.logger)
	if err := o.pool.Allocate(o.cfg.Buffers.CaptureBuffers); err != nil {
		return fmt.Errorf("failed to allocate capture buffers: %w", err)
	}

	o.requests = capture.NewRequestManager(sensor, o.pool, o.logger)
	if err := o.requests.CreateRequests(); err != nil {
		return fmt.Errorf("failed to create capture requests: %w", err)
	}

	dev, err := backend.OpenEncoder(o.cfg.Encoder.Device)
	if err != nil {
		return fmt.Errorf("failed to open encoder %s: %w", o.cfg.Encoder.Device, err)
	}
	opts := encoder.OptionsFromConfig(o.cfg.Encoder, o.cfg.Camera.FPS, o.cfg.Logging.FrameLogInterval)
	enc, err := encoder.New(dev, geometry, opts, o.onInputReleased, o.logger)
	if err != nil {
		return fmt.Errorf("failed to create encoder: %w", err)
	}
	o.enc = enc

	if o.sink == nil {
		sink, err := NewSink(o.cfg, o.logger)
		if err != nil {
			return fmt.Errorf("failed to create sink: %w", err)
		}
		o.sink = sink
	}
	return nil
}

// teardown releases construction state in reverse order.
func (o *Orchestrator) teardown() {
	if o.sink != nil {
		if err := o.sink.Close(); err != nil {
			o.logger.Error("Error closing sink", zap.Error(err))
		}
	}
	if o.enc != nil {
		if err := o.enc.Close(); err != nil {
			o.logger.Error("Error closing encoder", zap.Error(err))
		}
	}
	if o.pool != nil {
		if err := o.pool.Close(); err != nil {
			o.logger.Error("Error releasing capture buffers", zap.Error(err))
		}
	}
	if o.sensor != nil {
		if err := o.sensor.Close(); err != nil {
			o.logger.Error("Error closing camera", zap.Error(err))
		}
	}
}

// Start runs the loops and then arms the sensor.
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.stopped.Load() || !o.running.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	o.ctx, o.cancel = context.WithCancel(ctx)
	o.mu.Lock()
	o.startedAt = time.Now()
	o.mu.Unlock()

	if err := o.sink.Start(o.ctx); err != nil {
		o.cancel()
		o.running.Store(false)
		return fmt.Errorf("failed to start sink: %w", err)
	}

	o.wg.Add(4)
	go o.pollLoop()
	go o.forwardLoop()
	go o.deliveryLoop()
	go o.releaseLoop()

	if interval := o.cfg.Logging.StatsLogInterval; interval > 0 {
		o.wg.Add(1)
		go o.monitorStats(time.Duration(interval) * time.Second)
	}

	if err := o.requests.Start(o.controls); err != nil {
		o.cancel()
		o.wg.Wait()
		o.running.Store(false)
		return fmt.Errorf("failed to start capture: %w", err)
	}

	o.wg.Add(1)
	go o.watchCapture()

	o.logger.Info("Pipeline started",
		zap.Int("capture_buffers", len(o.requests.Requests())),
		zap.Duration("frame_duration", o.controls.FrameDuration))
	return nil
}

// fail publishes a fatal runtime error.
func (o *Orchestrator) fail(err error) {
	o.logger.Error("Pipeline failure", zap.Error(err))
	select {
	case o.errCh <- err:
	default:
	}
}

func (o *Orchestrator) pollLoop() {
	defer o.wg.Done()
	if err := o.enc.PollLoop(o.ctx); err != nil {
		o.fail(err)
	}
}

func (o *Orchestrator) watchCapture() {
	defer o.wg.Done()
	select {
	case <-o.ctx.Done():
	case err := <-o.requests.Errors():
		o.fail(fmt.Errorf("capture failed: %w", err))
	}
}

// forwardLoop hands each completed frame to the encoder by descriptor.
func (o *Orchestrator) forwardLoop() {
	defer o.wg.Done()
	interval := uint64(o.cfg.Logging.FrameLogInterval)

	for {
		req, err := o.requests.WaitForCompleted(o.ctx)
		if err != nil {
			if o.ctx.Err() == nil {
				o.fail(err)
			}
			return
		}

		view, err := o.requests.GetFrame(req)
		if err != nil {
			o.fail(err)
			return
		}
		meta := req.Metadata()
		fd := view.Fd()

		// recorded first: the release can arrive before SubmitFrame returns
		o.mu.Lock()
		o.inEncoder[fd] = req
		o.mu.Unlock()

		if err := o.enc.SubmitFrame(fd, view.Length(), meta.Timestamp()); err != nil {
			o.mu.Lock()
			delete(o.inEncoder, fd)
			o.mu.Unlock()

			if !errors.Is(err, encoder.ErrNoInputSlot) {
				if o.ctx.Err() == nil {
					o.fail(err)
				}
				return
			}
			// the encoder never held the buffer
			o.dropped.Add(1)
			if err := o.requests.MarkForReuse(req); err != nil {
				o.fail(err)
				return
			}
			continue
		}

		forward := time.Since(meta.CompletedAt)
		o.mu.Lock()
		o.latency.Forward = forward
		o.mu.Unlock()

		n := o.forwarded.Add(1)
		if interval > 0 && n%interval == 0 {
			o.logger.Debug("Frames forwarded",
				zap.Uint64("count", n),
				zap.Int("request", req.ID),
				zap.Uint32("sequence", meta.Sequence),
				zap.Duration("forward_latency", forward))
		}
	}
}

// onInputReleased runs on the encoder poll loop and must not block.
func (o *Orchestrator) onInputReleased(rel encoder.InputRelease) {
	o.mu.Lock()
	req, ok := o.inEncoder[rel.Fd]
	delete(o.inEncoder, rel.Fd)
	o.mu.Unlock()

	if !ok {
		o.logger.Warn("Input release for unknown buffer", zap.Int("fd", rel.Fd), zap.Int("slot", rel.Index))
		return
	}
	if err := o.requests.MarkForReuse(req); err != nil {
		o.fail(err)
	}
}

// deliveryLoop pushes compressed output to the sink and hands each slot
// back to the encoder.
func (o *Orchestrator) deliveryLoop() {
	defer o.wg.Done()
	interval := uint64(o.cfg.Logging.FrameLogInterval)

	for {
		item, err := o.enc.WaitForNextOutputItem(o.ctx)
		if err != nil {
			if o.ctx.Err() == nil {
				o.fail(err)
			}
			return
		}

		au := output.AccessUnit{Data: item.Bytes(), Timestamp: item.Timestamp, Keyframe: item.Keyframe}
		if err := o.sink.Push(au); err != nil {
			if n := o.pushErrors.Add(1); n == 1 || (interval > 0 && n%interval == 0) {
				o.logger.Warn("Sink rejected access unit", zap.Uint64("rejected", n), zap.Error(err))
			}
		}
		size := len(au.Data)

		if err := o.enc.ReleaseOutputItem(item); err != nil {
			if o.ctx.Err() == nil {
				o.fail(err)
			}
			return
		}

		var encode time.Duration
		if item.Timestamp > 0 {
			encode = media.MonotonicNow() - item.Timestamp
			o.mu.Lock()
			o.latency.Encode = encode
			if encode > o.latency.MaxEncode {
				o.latency.MaxEncode = encode
			}
			o.mu.Unlock()
		}

		n := o.delivered.Add(1)
		if interval > 0 && n%interval == 0 {
			o.logger.Debug("Access units delivered",
				zap.Uint64("count", n),
				zap.Int("bytes", size),
				zap.Bool("keyframe", item.Keyframe),
				zap.Duration("encode_latency", encode))
		}
	}
}

// releaseLoop re-arms capture requests once downstream is done with them.
func (o *Orchestrator) releaseLoop() {
	defer o.wg.Done()
	for {
		if _, err := o.requests.Release(o.ctx); err != nil {
			if o.ctx.Err() == nil {
				o.fail(err)
			}
			return
		}
		o.recycled.Add(1)
	}
}

func (o *Orchestrator) monitorStats(interval time.Duration) {
	defer o.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			s := o.Stats()
			o.logger.Info("Pipeline stats",
				zap.Uint64("forwarded", s.Forwarded),
				zap.Uint64("dropped", s.Dropped),
				zap.Uint64("delivered", s.Delivered),
				zap.Uint64("recycled", s.Recycled),
				zap.Int("encoder_inputs_claimed", s.Encoder.InputClaimed),
				zap.Int("encoder_outputs_filled", s.Encoder.OutputFilled),
				zap.Int("capture_in_flight", s.Pool.InFlight),
				zap.Uint64("sink_frames", s.Sink.FramesSent),
				zap.Uint64("sink_dropped", s.Sink.FramesDropped),
				zap.Duration("forward_latency", s.Latency.Forward),
				zap.Duration("encode_latency", s.Latency.Encode))
		}
	}
}

// Stop cancels the loops, stops the sensor and closes every device. It is
// safe to call more than once.
func (o *Orchestrator) Stop(ctx context.Context) error {
	if !o.stopped.CompareAndSwap(false, true) {
		return nil
	}
	o.logger.Info("Stopping pipeline")

	if o.cancel != nil {
		o.cancel()
	}
	if err := o.requests.Stop(); err != nil {
		o.logger.Error("Error stopping capture", zap.Error(err))
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		o.logger.Warn("Shutdown timeout reached, leaving devices open")
		return fmt.Errorf("pipeline loops did not stop: %w", ctx.Err())
	}

	o.teardown()
	o.running.Store(false)

	o.logger.Info("Pipeline stopped",
		zap.Uint64("forwarded", o.forwarded.Load()),
		zap.Uint64("dropped", o.dropped.Load()),
		zap.Uint64("delivered", o.delivered.Load()))
	return nil
}

// Errors delivers fatal runtime failures. The pipeline should be stopped
// after the first one.
func (o *Orchestrator) Errors() <-chan error {
	return o.errCh
}

// Geometry is the negotiated capture format shared with the encoder.
func (o *Orchestrator) Geometry() media.Geometry {
	return o.geometry
}

// SessionID identifies this pipeline run in logs and status.
func (o *Orchestrator) SessionID() string {
	return o.sessionID
}

// Camera is the selected camera.
func (o *Orchestrator) Camera() capture.CameraInfo {
	return o.camera
}

// Sink is the network sink in use.
func (o *Orchestrator) Sink() output.Sink {
	return o.sink
}

// Stats returns a snapshot of every stage.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	latency := o.latency
	startedAt := o.startedAt
	o.mu.Unlock()

	s := Stats{
		SessionID:  o.sessionID,
		Camera:     o.camera.ID,
		Geometry:   o.geometry,
		Running:    o.running.Load(),
		Forwarded:  o.forwarded.Load(),
		Dropped:    o.dropped.Load(),
		Delivered:  o.delivered.Load(),
		PushErrors: o.pushErrors.Load(),
		Recycled:   o.recycled.Load(),
		Pool:       o.pool.Stats(),
		Requests:   o.requests.Stats(),
		Encoder:    o.enc.Stats(),
		Sink:       o.sink.Stats(),
		Latency:    latency,
	}
	if s.Running {
		s.Uptime = time.Since(startedAt)
	}
	return s
}

package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrRequestsExist    = errors.New("capture requests already created")
	ErrNotAwaitingReuse = errors.New("request is not awaiting reuse")
	ErrNotCompleted     = errors.New("request has no completed frame")
	ErrViewExpired      = errors.New("frame view expired")
	ErrUnknownRequest   = errors.New("unknown capture request")
)

// RequestState is the lifecycle position of a capture request.
type RequestState int

const (
	RequestFree RequestState = iota
	RequestSubmitted
	RequestCompleted
	RequestAwaitingReuse
	RequestReleasePending
	RequestCancelled
)

func (s RequestState) String() string {
	switch s {
	case RequestFree:
		return "free"
	case RequestSubmitted:
		return "submitted"
	case RequestCompleted:
		return "completed"
	case RequestAwaitingReuse:
		return "awaiting_reuse"
	case RequestReleasePending:
		return "release_pending"
	case RequestCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Metadata is what the sensor reported for the last completed cycle.
type Metadata struct {
	SensorTimestamp    time.Duration
	HasSensorTimestamp bool
	BufferTimestamp    time.Duration
	Sequence           uint32
	CompletedAt        time.Time
}

// Timestamp prefers the sensor timestamp over the buffer timestamp.
func (m Metadata) Timestamp() time.Duration {
	if m.HasSensorTimestamp {
		return m.SensorTimestamp
	}
	return m.BufferTimestamp
}

// Request pairs one frame buffer with one capture cycle.
type Request struct {
	ID     int
	Buffer *FrameBuffer

	m          *RequestManager
	state      RequestState
	generation uint64
	meta       Metadata
}

// State returns the current lifecycle state.
func (r *Request) State() RequestState {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	return r.state
}

// Metadata returns the last completion's metadata.
func (r *Request) Metadata() Metadata {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	return r.meta
}

// FrameView is a read token for one completed cycle of a request. It stops
// resolving once the request is released back to the sensor.
type FrameView struct {
	req        *Request
	generation uint64
}

// Fd is the descriptor of the underlying buffer.
func (v FrameView) Fd() int { return v.req.Buffer.Fd() }

// Length is the byte length of the underlying buffer.
func (v FrameView) Length() int { return v.req.Buffer.Length }

// Planes returns the mapped regions, or ErrViewExpired once the request has
// been re-armed.
func (v FrameView) Planes() ([][]byte, error) {
	m := v.req.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if v.req.generation != v.generation {
		return nil, ErrViewExpired
	}
	return m.pool.Map(v.req.Buffer), nil
}

// RequestStats counts request states and lifetime events.
type RequestStats struct {
	States    map[RequestState]int
	Completed uint64
	Cancelled uint64
	Released  uint64
}

// RequestManager issues capture requests, collects completions and gates
// buffer reuse on an explicit downstream signal.
type RequestManager struct {
	sensor Sensor
	pool   *Pool
	logger *zap.Logger

	mu       sync.Mutex
	requests []*Request
	started  bool

	completed chan *Request
	reuse     chan *Request
	errCh     chan error

	completedCount uint64
	cancelledCount uint64
	releasedCount  uint64
}

// NewRequestManager creates a manager over an allocated pool.
func NewRequestManager(sensor Sensor, pool *Pool, logger *zap.Logger) *RequestManager {
	return &RequestManager{
		sensor: sensor,
		pool:   pool,
		logger: logger.With(zap.String("component", "capture_requests")),
		errCh:  make(chan error, 1),
	}
}

// CreateRequests builds one request per pool buffer and binds each to the
// sensor.
func (m *RequestManager) CreateRequests() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.requests) > 0 {
		return ErrRequestsExist
	}
	buffers := m.pool.Buffers()
	if len(buffers) == 0 {
		return ErrNoBuffers
	}
	if requested := m.pool.Requested(); len(buffers) != requested {
		m.logger.Info("Sensor granted a different buffer count",
			zap.Int("requested", requested),
			zap.Int("granted", len(buffers)))
	}

	requests := make([]*Request, len(buffers))
	for i, buf := range buffers {
		if err := m.sensor.Prepare(i, buf.Index); err != nil {
			return fmt.Errorf("failed to prepare request %d: %w", i, err)
		}
		requests[i] = &Request{ID: i, Buffer: buf, m: m}
	}

	m.requests = requests
	m.completed = make(chan *Request, len(requests))
	m.reuse = make(chan *Request, len(requests))

	m.logger.Info("Capture requests created", zap.Int("count", len(requests)))
	return nil
}

// Requests returns all requests in id order.
func (m *RequestManager) Requests() []*Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Request, len(m.requests))
	copy(out, m.requests)
	return out
}

// Start applies controls, begins streaming and queues every request.
func (m *RequestManager) Start(controls Controls) error {
	m.mu.Lock()
	if len(m.requests) == 0 {
		m.mu.Unlock()
		return ErrNoBuffers
	}
	if m.started {
		m.mu.Unlock()
		return errors.New("capture already started")
	}
	m.started = true
	m.mu.Unlock()

	if err := m.sensor.Start(controls, m.onComplete); err != nil {
		return fmt.Errorf("failed to start sensor: %w", err)
	}

	for _, r := range m.Requests() {
		m.mu.Lock()
		r.state = RequestSubmitted
		m.pool.setInFlight(r.Buffer, true)
		m.mu.Unlock()
		if err := m.sensor.Queue(r.ID, r.Buffer.Index); err != nil {
			return fmt.Errorf("failed to queue request %d: %w", r.ID, err)
		}
	}

	m.logger.Info("Capture started",
		zap.String("camera", m.sensor.ID()),
		zap.Duration("frame_duration", controls.FrameDuration))
	return nil
}

// onComplete runs on the sensor's goroutine and only enqueues.
func (m *RequestManager) onComplete(c Completion) {
	m.mu.Lock()
	if c.RequestID < 0 || c.RequestID >= len(m.requests) {
		m.mu.Unlock()
		m.fail(fmt.Errorf("%w: id %d", ErrUnknownRequest, c.RequestID))
		return
	}
	r := m.requests[c.RequestID]
	if r.state != RequestSubmitted {
		state := r.state
		m.mu.Unlock()
		m.fail(fmt.Errorf("completion for request %d in state %s", r.ID, state))
		return
	}

	switch c.Status {
	case StatusCancelled:
		r.state = RequestCancelled
		m.cancelledCount++
		m.pool.setInFlight(r.Buffer, false)
		m.mu.Unlock()
		m.logger.Debug("Capture request cancelled", zap.Int("request", r.ID))
		return
	case StatusError:
		m.mu.Unlock()
		err := c.Err
		if err == nil {
			err = errors.New("sensor reported failure")
		}
		m.fail(fmt.Errorf("request %d: %w", r.ID, err))
		return
	}

	r.state = RequestCompleted
	r.meta = Metadata{
		SensorTimestamp:    c.SensorTimestamp,
		HasSensorTimestamp: c.HasSensorTimestamp,
		BufferTimestamp:    c.BufferTimestamp,
		Sequence:           c.Sequence,
		CompletedAt:        time.Now(),
	}
	m.completedCount++
	m.pool.setInFlight(r.Buffer, false)
	m.mu.Unlock()

	// capacity equals the request count, so this never blocks
	m.completed <- r
}

func (m *RequestManager) fail(err error) {
	m.logger.Error("Capture failure", zap.Error(err))
	select {
	case m.errCh <- err:
	default:
	}
}

// Errors delivers fatal sensor failures.
func (m *RequestManager) Errors() <-chan error {
	return m.errCh
}

// WaitForCompleted blocks until the sensor finishes a request and returns
// it in completion order.
func (m *RequestManager) WaitForCompleted(ctx context.Context) (*Request, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-m.completed:
		m.mu.Lock()
		r.state = RequestAwaitingReuse
		m.mu.Unlock()
		return r, nil
	}
}

// GetFrame returns a read token for a completed request's buffer.
func (m *RequestManager) GetFrame(r *Request) (FrameView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.state != RequestAwaitingReuse && r.state != RequestReleasePending {
		return FrameView{}, fmt.Errorf("%w: request %d is %s", ErrNotCompleted, r.ID, r.state)
	}
	return FrameView{req: r, generation: r.generation}, nil
}

// MarkForReuse signals that downstream no longer needs the request's
// buffer. It never blocks.
func (m *RequestManager) MarkForReuse(r *Request) error {
	m.mu.Lock()
	if r.state != RequestAwaitingReuse {
		state := r.state
		m.mu.Unlock()
		return fmt.Errorf("%w: request %d is %s", ErrNotAwaitingReuse, r.ID, state)
	}
	r.state = RequestReleasePending
	m.mu.Unlock()

	m.reuse <- r
	return nil
}

// Release blocks until a request is marked for reuse, then re-arms it with
// its own buffer and resubmits it. Views taken before the call expire.
func (m *RequestManager) Release(ctx context.Context) (*Request, error) {
	var r *Request
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r = <-m.reuse:
	}

	m.mu.Lock()
	if r.state != RequestReleasePending {
		state := r.state
		m.mu.Unlock()
		return nil, fmt.Errorf("release of request %d in state %s", r.ID, state)
	}
	r.generation++
	r.state = RequestSubmitted
	m.releasedCount++
	m.pool.setInFlight(r.Buffer, true)
	m.mu.Unlock()

	if err := m.sensor.Queue(r.ID, r.Buffer.Index); err != nil {
		return r, fmt.Errorf("failed to requeue request %d: %w", r.ID, err)
	}
	return r, nil
}

// Stop halts streaming. Requests still with the sensor come back cancelled.
func (m *RequestManager) Stop() error {
	m.mu.Lock()
	started := m.started
	m.started = false
	m.mu.Unlock()
	if !started {
		return nil
	}
	if err := m.sensor.Stop(); err != nil {
		return fmt.Errorf("failed to stop sensor: %w", err)
	}
	m.logger.Info("Capture stopped")
	return nil
}

// Stats returns per-state request counts.
func (m *RequestManager) Stats() RequestStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := RequestStats{
		States:    make(map[RequestState]int),
		Completed: m.completedCount,
		Cancelled: m.cancelledCount,
		Released:  m.releasedCount,
	}
	for _, r := range m.requests {
		s.States[r.state]++
	}
	return s
}

// Package sim provides in-memory stand-ins for the camera and the hardware
// encoder. Tests drive them step by step; the -simulate mode runs them on a
// timer.
package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"pi-h264-streamer/capture"
	"pi-h264-streamer/media"
)

// QueueEvent records one buffer handed to the sensor.
type QueueEvent struct {
	RequestID int
	Buffer    int
	At        time.Time
}

// MemMapper resolves fake descriptors to process memory.
type MemMapper struct {
	mu     sync.Mutex
	mem    map[int][]byte
	mapped int
	FailFd int // Map on this fd fails when non-zero
}

func newMemMapper() *MemMapper {
	return &MemMapper{mem: make(map[int][]byte)}
}

func (m *MemMapper) register(fd int, mem []byte) {
	m.mu.Lock()
	m.mem[fd] = mem
	m.mu.Unlock()
}

func (m *MemMapper) Map(fd int, offset int64, length int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailFd != 0 && fd == m.FailFd {
		return nil, fmt.Errorf("map fd %d refused", fd)
	}
	mem, ok := m.mem[fd]
	if !ok {
		return nil, fmt.Errorf("unknown fd %d", fd)
	}
	end := int(offset) + length
	if end > len(mem) {
		return nil, fmt.Errorf("map fd %d: %d+%d beyond %d", fd, offset, length, len(mem))
	}
	m.mapped++
	return mem[offset:end:end], nil
}

func (m *MemMapper) Unmap(mem []byte) error {
	m.mu.Lock()
	m.mapped--
	m.mu.Unlock()
	return nil
}

// Mapped is the number of live mappings.
func (m *MemMapper) Mapped() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mapped
}

// SensorOption tweaks a simulated sensor.
type SensorOption func(*Sensor)

// WithFrameRate makes the sensor complete queued requests on its own at fps.
func WithFrameRate(fps int) SensorOption {
	return func(s *Sensor) { s.fps = fps }
}

// WithoutSensorTimestamp makes completions carry only a buffer timestamp.
func WithoutSensorTimestamp() SensorOption {
	return func(s *Sensor) { s.noSensorTS = true }
}

// WithGranted fixes how many buffers AllocateBuffers returns, whatever
// count is asked for.
func WithGranted(n int) SensorOption {
	return func(s *Sensor) { s.granted = n }
}

// Sensor is a simulated camera. Each buffer is one descriptor carrying
// three YUV planes.
type Sensor struct {
	id         string
	fps        int
	noSensorTS bool
	granted    int
	mapper     *MemMapper

	mu       sync.Mutex
	geometry media.Geometry
	fds      []int
	prepared map[int]int
	queue    []int // request ids waiting for exposure
	events   []QueueEvent
	handler  capture.CompletionHandler
	controls capture.Controls
	started  bool
	seq      uint32

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var fdCounter atomic.Int32

func init() { fdCounter.Store(99) }

// NewSensor creates a simulated camera.
func NewSensor(id string, opts ...SensorOption) *Sensor {
	s := &Sensor{
		id:       id,
		mapper:   newMemMapper(),
		prepared: make(map[int]int),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Sensor) ID() string { return s.id }

func (s *Sensor) Mapper() capture.Mapper { return s.mapper }

// MemMapper exposes the concrete mapper for assertions.
func (s *Sensor) MemMapper() *MemMapper { return s.mapper }

// Configure accepts any mode and aligns the stride to 32 bytes.
func (s *Sensor) Configure(cfg capture.StreamConfig) (media.Geometry, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return media.Geometry{}, fmt.Errorf("invalid mode %dx%d", cfg.Width, cfg.Height)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.geometry = media.Geometry{
		Width:      cfg.Width,
		Height:     cfg.Height,
		Stride:     (cfg.Width + 31) &^ 31,
		ColorSpace: media.DefaultColorSpace(cfg.Width, cfg.Height),
	}
	return s.geometry, nil
}

func (s *Sensor) AllocateBuffers(count int) ([]capture.BufferDesc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.geometry.Stride == 0 {
		return nil, errors.New("sensor not configured")
	}
	if s.granted > 0 {
		count = s.granted
	}

	luma := s.geometry.Stride * s.geometry.Height
	chroma := luma / 4
	descs := make([]capture.BufferDesc, count)
	for i := range descs {
		fd := int(fdCounter.Add(1))
		s.fds = append(s.fds, fd)
		s.mapper.register(fd, make([]byte, luma+2*chroma))
		descs[i] = capture.BufferDesc{
			Index: i,
			Planes: []capture.PlaneDesc{
				{Fd: fd, Offset: 0, Length: luma},
				{Fd: fd, Offset: luma, Length: chroma},
				{Fd: fd, Offset: luma + chroma, Length: chroma},
			},
		}
	}
	return descs, nil
}

func (s *Sensor) Prepare(requestID, buffer int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if buffer < 0 || buffer >= len(s.fds) {
		return fmt.Errorf("buffer %d out of range", buffer)
	}
	s.prepared[requestID] = buffer
	return nil
}

func (s *Sensor) Start(controls capture.Controls, handler capture.CompletionHandler) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("sensor already started")
	}
	s.started = true
	s.handler = handler
	s.controls = controls
	fps := s.fps
	s.mu.Unlock()

	if fps > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		s.wg.Add(1)
		go s.run(ctx, time.Second/time.Duration(fps))
	}
	return nil
}

func (s *Sensor) run(ctx context.Context, interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.CompleteNext()
		}
	}
}

func (s *Sensor) Queue(requestID, buffer int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return errors.New("sensor not started")
	}
	if b, ok := s.prepared[requestID]; !ok || b != buffer {
		return fmt.Errorf("request %d not bound to buffer %d", requestID, buffer)
	}
	for _, id := range s.queue {
		if id == requestID {
			return fmt.Errorf("request %d queued twice", requestID)
		}
	}
	s.queue = append(s.queue, requestID)
	s.events = append(s.events, QueueEvent{RequestID: requestID, Buffer: buffer, At: time.Now()})
	return nil
}

// CompleteNext finishes the oldest queued request. It reports false when
// nothing is queued.
func (s *Sensor) CompleteNext() (int, bool) {
	s.mu.Lock()
	if len(s.queue) == 0 {
		s.mu.Unlock()
		return 0, false
	}
	id := s.queue[0]
	s.mu.Unlock()
	return id, s.CompleteRequest(id)
}

// CompleteRequest finishes a specific queued request, allowing the sensor
// to complete out of submission order.
func (s *Sensor) CompleteRequest(id int) bool {
	s.mu.Lock()
	pos := -1
	for i, q := range s.queue {
		if q == id {
			pos = i
			break
		}
	}
	if pos < 0 {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue[:pos], s.queue[pos+1:]...)
	s.seq++
	now := media.MonotonicNow()
	c := capture.Completion{
		RequestID:          id,
		Status:             capture.StatusComplete,
		SensorTimestamp:    now,
		HasSensorTimestamp: !s.noSensorTS,
		BufferTimestamp:    now + time.Millisecond,
		Sequence:           s.seq,
	}
	if s.noSensorTS {
		c.SensorTimestamp = 0
	}
	s.mapper.fill(s.fds[s.prepared[id]], byte(s.seq))
	h := s.handler
	s.mu.Unlock()

	h(c)
	return true
}

func (m *MemMapper) fill(fd int, v byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mem := m.mem[fd]
	for i := range mem {
		mem[i] = v
	}
}

// Fail reports a sensor failure on the oldest queued request.
func (s *Sensor) Fail(err error) {
	s.mu.Lock()
	id := -1
	if len(s.queue) > 0 {
		id = s.queue[0]
		s.queue = s.queue[1:]
	}
	h := s.handler
	s.mu.Unlock()
	h(capture.Completion{RequestID: id, Status: capture.StatusError, Err: err})
}

// Stop halts the auto clock and cancels every queued request.
func (s *Sensor) Stop() error {
	if s.cancel != nil {
		s.cancel()
		s.wg.Wait()
		s.cancel = nil
	}

	s.mu.Lock()
	pending := s.queue
	s.queue = nil
	s.started = false
	h := s.handler
	s.mu.Unlock()

	for _, id := range pending {
		if h == nil {
			break
		}
		h(capture.Completion{RequestID: id, Status: capture.StatusCancelled})
	}
	return nil
}

func (s *Sensor) Close() error { return nil }

// Queued returns the request ids currently with the sensor.
func (s *Sensor) Queued() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.queue...)
}

// Events returns every Queue call so far.
func (s *Sensor) Events() []QueueEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]QueueEvent(nil), s.events...)
}

// QueueCount is how many times a buffer has been handed to the sensor.
func (s *Sensor) QueueCount(buffer int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Buffer == buffer {
			n++
		}
	}
	return n
}

// Controls returns what Start was given.
func (s *Sensor) Controls() capture.Controls {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.controls
}

// Fds returns the descriptors handed out by AllocateBuffers.
func (s *Sensor) Fds() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.fds...)
}

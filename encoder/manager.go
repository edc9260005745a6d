package encoder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"pi-h264-streamer/media"
)

var (
	ErrNoInputSlot     = errors.New("no encoder input slot available")
	ErrAlreadyReleased = errors.New("output item already released")
	ErrSlotState       = errors.New("invalid encoder slot transition")
	ErrGeometryChanged = errors.New("encoder changed the input geometry")
	ErrClosed          = errors.New("encoder closed")
)

// InputSlotState is the state of one raw-input slot.
type InputSlotState int

const (
	InputAvailable InputSlotState = iota
	InputClaimed
)

func (s InputSlotState) String() string {
	if s == InputClaimed {
		return "claimed"
	}
	return "available"
}

// OutputSlotState is the state of one compressed-output slot.
type OutputSlotState int

const (
	OutputQueued OutputSlotState = iota
	OutputFilled
	OutputDelivered
)

func (s OutputSlotState) String() string {
	switch s {
	case OutputQueued:
		return "queued"
	case OutputFilled:
		return "filled"
	case OutputDelivered:
		return "delivered"
	default:
		return fmt.Sprintf("output(%d)", int(s))
	}
}

type inputSlot struct {
	state  InputSlotState
	fd     int
	length int
	ts     time.Duration
}

type outputSlot struct {
	state OutputSlotState
	mem   []byte
}

// InputRelease tells the capture side the encoder is done reading a frame.
type InputRelease struct {
	Index     int
	Fd        int
	Timestamp time.Duration
}

// InputReleasedFunc is called from the poll loop and must not block.
type InputReleasedFunc func(InputRelease)

// OutputItem is a view of one filled output slot. Bytes returns nil once the
// item has been released.
type OutputItem struct {
	Index     int
	Keyframe  bool
	Timestamp time.Duration

	m        *Manager
	data     []byte
	released bool
}

// Bytes returns the compressed access unit.
func (i *OutputItem) Bytes() []byte {
	i.m.mu.Lock()
	defer i.m.mu.Unlock()
	if i.released {
		return nil
	}
	return i.data
}

// Len is the number of compressed bytes.
func (i *OutputItem) Len() int {
	i.m.mu.Lock()
	defer i.m.mu.Unlock()
	return len(i.data)
}

// Stats is a snapshot of slot occupancy and counters.
type Stats struct {
	InputAvailable  int
	InputClaimed    int
	OutputQueued    int
	OutputFilled    int
	OutputDelivered int
	Submitted       uint64
	Dropped         uint64
	Encoded         uint64
	Keyframes       uint64
	Released        uint64
}

// Manager owns the encoder's input and output slot pools.
type Manager struct {
	dev      Device
	geometry media.Geometry
	opts     Options
	logger   *zap.Logger
	onInput  InputReleasedFunc

	mu      sync.Mutex
	inputs  []inputSlot
	outputs []outputSlot
	closed  bool

	freeInputs chan int
	items      chan *OutputItem

	submitted uint64
	dropped   uint64
	encoded   uint64
	keyframes uint64
	released  uint64
}

// New configures the encoder for geometry and allocates both slot pools.
// Every failure is fatal and closes dev.
func New(dev Device, geometry media.Geometry, opts Options, onInput InputReleasedFunc, logger *zap.Logger) (*Manager, error) {
	m := &Manager{
		dev:      dev,
		geometry: geometry,
		opts:     opts.withDefaults(),
		logger:   logger.With(zap.String("component", "encoder")),
		onInput:  onInput,
	}
	if err := m.configure(); err != nil {
		m.teardown()
		return nil, err
	}
	return m, nil
}

func (m *Manager) configure() error {
	controls, err := m.opts.controls()
	if err != nil {
		return err
	}
	for _, c := range controls {
		if err := m.dev.SetControl(c.control, c.value); err != nil {
			return fmt.Errorf("failed to set %s: %w", c.control, err)
		}
	}

	got, err := m.dev.SetInputFormat(m.geometry)
	if err != nil {
		return fmt.Errorf("failed to set input format: %w", err)
	}
	if got != m.geometry {
		return fmt.Errorf("%w: asked %s, got %s", ErrGeometryChanged, m.geometry, got)
	}
	if err := m.dev.SetOutputFormat(m.geometry.Width, m.geometry.Height, m.opts.OutputBufferSize); err != nil {
		return fmt.Errorf("failed to set output format: %w", err)
	}
	if m.opts.FPS > 0 {
		if err := m.dev.SetFrameRate(m.opts.FPS); err != nil {
			return fmt.Errorf("failed to set frame rate: %w", err)
		}
	}

	n, err := m.dev.RequestInputBuffers(m.opts.InputBuffers)
	if err != nil {
		return fmt.Errorf("failed to request input buffers: %w", err)
	}
	if n <= 0 {
		return fmt.Errorf("encoder granted no input buffers")
	}
	m.inputs = make([]inputSlot, n)
	m.freeInputs = make(chan int, n)
	for i := range m.inputs {
		m.freeInputs <- i
	}

	n, err = m.dev.RequestOutputBuffers(m.opts.OutputBuffers)
	if err != nil {
		return fmt.Errorf("failed to request output buffers: %w", err)
	}
	if n <= 0 {
		return fmt.Errorf("encoder granted no output buffers")
	}
	m.outputs = make([]outputSlot, n)
	m.items = make(chan *OutputItem, n)
	for i := range m.outputs {
		mem, err := m.dev.MapOutputBuffer(i)
		if err != nil {
			return fmt.Errorf("failed to map output buffer %d: %w", i, err)
		}
		m.outputs[i].mem = mem
		if err := m.dev.QueueOutput(i); err != nil {
			return fmt.Errorf("failed to queue output buffer %d: %w", i, err)
		}
	}

	if err := m.dev.StreamOn(); err != nil {
		return fmt.Errorf("failed to start streaming: %w", err)
	}

	m.logger.Info("Encoder configured",
		zap.String("geometry", m.geometry.String()),
		zap.Int("bitrate", m.opts.Bitrate),
		zap.String("profile", m.opts.Profile),
		zap.String("level", m.opts.Level),
		zap.Int("intra_period", m.opts.IntraPeriod),
		zap.Int("input_slots", len(m.inputs)),
		zap.Int("output_slots", len(m.outputs)))
	return nil
}

func (m *Manager) teardown() {
	for i := range m.outputs {
		if m.outputs[i].mem != nil {
			if err := m.dev.UnmapOutputBuffer(m.outputs[i].mem); err != nil {
				m.logger.Warn("Failed to unmap output buffer", zap.Int("index", i), zap.Error(err))
			}
			m.outputs[i].mem = nil
		}
	}
	if err := m.dev.Close(); err != nil {
		m.logger.Warn("Failed to close encoder device", zap.Error(err))
	}
}

// InputFormat returns the raw geometry the encoder was configured with.
func (m *Manager) InputFormat() media.Geometry {
	return m.geometry
}

// SubmitFrame queues an externally owned frame by descriptor. It never
// blocks: with every input slot claimed the frame is dropped and
// ErrNoInputSlot returned with no state changed.
func (m *Manager) SubmitFrame(fd, length int, ts time.Duration) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}

	var idx int
	select {
	case idx = <-m.freeInputs:
	default:
		m.dropped++
		dropped := m.dropped
		m.mu.Unlock()
		m.logger.Warn("Frame encoding skipped, no input slot", zap.Int("fd", fd), zap.Uint64("dropped", dropped))
		return ErrNoInputSlot
	}

	slot := &m.inputs[idx]
	if slot.state != InputAvailable {
		m.mu.Unlock()
		return fmt.Errorf("%w: submit on input %d in state %s", ErrSlotState, idx, slot.state)
	}
	slot.state = InputClaimed
	slot.fd = fd
	slot.length = length
	slot.ts = ts
	m.submitted++
	m.mu.Unlock()

	if err := m.dev.QueueInput(idx, fd, length, ts); err != nil {
		m.mu.Lock()
		slot.state = InputAvailable
		m.submitted--
		m.mu.Unlock()
		m.freeInputs <- idx
		return fmt.Errorf("failed to queue input %d: %w", idx, err)
	}
	return nil
}

// PollLoop waits on the device and drains completions until ctx is done.
// Timeouts and interrupted waits are retried; any other error ends the loop.
func (m *Manager) PollLoop(ctx context.Context) error {
	m.logger.Info("Encoder poll loop started", zap.Duration("timeout", m.opts.PollTimeout))
	defer m.logger.Info("Encoder poll loop stopped")

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		ready, err := m.dev.Wait(m.opts.PollTimeout)
		if errors.Is(err, ErrInterrupted) {
			continue
		}
		if err != nil {
			return fmt.Errorf("encoder wait failed: %w", err)
		}
		if !ready {
			continue
		}

		if err := m.drainInputs(); err != nil {
			return err
		}
		if err := m.drainOutputs(); err != nil {
			return err
		}
	}
}

func (m *Manager) drainInputs() error {
	for {
		idx, ok, err := m.dev.DequeueInput()
		if err != nil {
			return fmt.Errorf("failed to dequeue input: %w", err)
		}
		if !ok {
			return nil
		}

		m.mu.Lock()
		if idx < 0 || idx >= len(m.inputs) || m.inputs[idx].state != InputClaimed {
			m.mu.Unlock()
			return fmt.Errorf("%w: input %d completed while not claimed", ErrSlotState, idx)
		}
		slot := &m.inputs[idx]
		release := InputRelease{Index: idx, Fd: slot.fd, Timestamp: slot.ts}
		slot.state = InputAvailable
		slot.fd, slot.length = -1, 0
		m.mu.Unlock()

		m.freeInputs <- idx
		if m.onInput != nil {
			m.onInput(release)
		}
	}
}

func (m *Manager) drainOutputs() error {
	for {
		buf, ok, err := m.dev.DequeueOutput()
		if err != nil {
			return fmt.Errorf("failed to dequeue output: %w", err)
		}
		if !ok {
			return nil
		}

		m.mu.Lock()
		if buf.Index < 0 || buf.Index >= len(m.outputs) || m.outputs[buf.Index].state != OutputQueued {
			m.mu.Unlock()
			return fmt.Errorf("%w: output %d completed while not queued", ErrSlotState, buf.Index)
		}
		slot := &m.outputs[buf.Index]
		slot.state = OutputFilled
		n := buf.BytesUsed
		if n > len(slot.mem) {
			n = len(slot.mem)
		}
		item := &OutputItem{
			Index:     buf.Index,
			Keyframe:  buf.Keyframe,
			Timestamp: buf.Timestamp,
			m:         m,
			data:      slot.mem[:n],
		}
		m.encoded++
		if buf.Keyframe {
			m.keyframes++
		}
		encoded := m.encoded
		m.mu.Unlock()

		if m.opts.FrameLogInterval > 0 && encoded%uint64(m.opts.FrameLogInterval) == 0 {
			m.logger.Debug("Encoded frames", zap.Uint64("count", encoded), zap.Int("bytes", n), zap.Bool("keyframe", buf.Keyframe))
		}

		// one item per output slot at most, so this never blocks
		m.items <- item
	}
}

// WaitForNextOutputItem blocks until the encoder produces output, in
// hardware completion order.
func (m *Manager) WaitForNextOutputItem(ctx context.Context) (*OutputItem, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case item := <-m.items:
		m.mu.Lock()
		defer m.mu.Unlock()
		slot := &m.outputs[item.Index]
		if slot.state != OutputFilled {
			return nil, fmt.Errorf("%w: deliver output %d in state %s", ErrSlotState, item.Index, slot.state)
		}
		slot.state = OutputDelivered
		return item, nil
	}
}

// ReleaseOutputItem hands the item's slot back to the hardware. The item
// must not be read afterwards; a second release fails.
func (m *Manager) ReleaseOutputItem(item *OutputItem) error {
	m.mu.Lock()
	if item.released {
		m.mu.Unlock()
		return fmt.Errorf("%w: output %d", ErrAlreadyReleased, item.Index)
	}
	slot := &m.outputs[item.Index]
	if slot.state != OutputDelivered {
		m.mu.Unlock()
		return fmt.Errorf("%w: release output %d in state %s", ErrSlotState, item.Index, slot.state)
	}
	item.released = true
	item.data = nil
	slot.state = OutputQueued
	m.released++
	closed := m.closed
	m.mu.Unlock()

	if closed {
		return nil
	}
	if err := m.dev.QueueOutput(item.Index); err != nil {
		return fmt.Errorf("failed to requeue output %d: %w", item.Index, err)
	}
	return nil
}

// Stats returns slot occupancy and counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{
		Submitted: m.submitted,
		Dropped:   m.dropped,
		Encoded:   m.encoded,
		Keyframes: m.keyframes,
		Released:  m.released,
	}
	for _, in := range m.inputs {
		if in.state == InputClaimed {
			s.InputClaimed++
		} else {
			s.InputAvailable++
		}
	}
	for _, out := range m.outputs {
		switch out.state {
		case OutputQueued:
			s.OutputQueued++
		case OutputFilled:
			s.OutputFilled++
		case OutputDelivered:
			s.OutputDelivered++
		}
	}
	return s
}

// Close stops streaming, reclaims every slot and closes the device. The
// poll loop must have returned first.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	err := m.dev.StreamOff()

	m.mu.Lock()
	// STREAMOFF hands every buffer back
	for i := range m.inputs {
		m.inputs[i].state = InputAvailable
	}
	for len(m.items) > 0 {
		item := <-m.items
		item.released = true
		item.data = nil
	}
	for i := range m.outputs {
		m.outputs[i].state = OutputQueued
	}
	encoded, dropped := m.encoded, m.dropped
	m.mu.Unlock()

	m.teardown()
	m.logger.Info("Encoder closed", zap.Uint64("encoded", encoded), zap.Uint64("dropped", dropped))
	return err
}

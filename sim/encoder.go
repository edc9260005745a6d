package sim

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"pi-h264-streamer/encoder"
	"pi-h264-streamer/media"
)

// Synthetic Annex-B parameter sets for a 640x480 baseline stream.
var (
	syntheticSPS = []byte{0x67, 0x42, 0xc0, 0x1e, 0xda, 0x02, 0x80, 0xf6, 0x84, 0x00, 0x00, 0x03, 0x00, 0x04, 0x00, 0x00, 0x03, 0x00, 0xf0, 0x3c, 0x58, 0xba, 0x80}
	syntheticPPS = []byte{0x68, 0xce, 0x3c, 0x80}
	startCode    = []byte{0x00, 0x00, 0x00, 0x01}
)

// AccessUnit builds a small Annex-B access unit. Keyframes carry SPS, PPS
// and an IDR slice; other frames one non-IDR slice of sliceSize bytes.
func AccessUnit(keyframe bool, sliceSize int) []byte {
	var au []byte
	slice := make([]byte, sliceSize)
	if keyframe {
		au = append(au, startCode...)
		au = append(au, syntheticSPS...)
		au = append(au, startCode...)
		au = append(au, syntheticPPS...)
		slice[0] = 0x65
	} else {
		slice[0] = 0x41
	}
	for i := 1; i < len(slice); i++ {
		slice[i] = byte(i%251 + 1)
	}
	au = append(au, startCode...)
	return append(au, slice...)
}

type simInput struct {
	queued bool
	fd     int
	length int
	ts     time.Duration
}

type simOutput struct {
	mem    []byte
	queued bool
}

// EncoderOption tweaks a simulated encoder.
type EncoderOption func(*Encoder)

// WithAutoEncode makes every queued input complete at once and produce an
// access unit, keyframes every intraPeriod frames.
func WithAutoEncode(intraPeriod, sliceSize int) EncoderOption {
	return func(e *Encoder) {
		e.auto = true
		e.intraPeriod = intraPeriod
		e.sliceSize = sliceSize
	}
}

// WithGeometryOverride makes SetInputFormat answer with a different result.
func WithGeometryOverride(fn func(media.Geometry) media.Geometry) EncoderOption {
	return func(e *Encoder) { e.override = fn }
}

// WithFailingControl makes SetControl fail for c.
func WithFailingControl(c encoder.Control) EncoderOption {
	return func(e *Encoder) { e.failControl = &c }
}

// Encoder is a simulated memory-to-memory encoder.
type Encoder struct {
	auto        bool
	intraPeriod int
	sliceSize   int
	override    func(media.Geometry) media.Geometry
	failControl *encoder.Control

	mu          sync.Mutex
	controls    map[encoder.Control]int32
	input       media.Geometry
	maxSize     int
	fps         int
	inputs      []simInput
	outputs     []simOutput
	inputOrder  []int // queued inputs, oldest first
	pendingTS   []time.Duration
	inputDone   []int
	outputOrder []int // queued outputs, oldest first
	outputDone  []encoder.OutputBuffer
	frames      int
	streaming   bool
	closed      bool
	waitErr     error
	interrupts  int
	mapped      int

	ready chan struct{}
}

// NewEncoder creates a simulated encoder.
func NewEncoder(opts ...EncoderOption) *Encoder {
	e := &Encoder{
		sliceSize: 1200,
		controls:  make(map[encoder.Control]int32),
		ready:     make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Encoder) SetControl(c encoder.Control, value int32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failControl != nil && *e.failControl == c {
		return fmt.Errorf("control %s rejected", c)
	}
	e.controls[c] = value
	return nil
}

func (e *Encoder) SetInputFormat(g media.Geometry) (media.Geometry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.override != nil {
		g = e.override(g)
	}
	e.input = g
	return g, nil
}

func (e *Encoder) SetOutputFormat(width, height, maxSize int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.maxSize = maxSize
	return nil
}

func (e *Encoder) SetFrameRate(fps int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fps = fps
	return nil
}

func (e *Encoder) RequestInputBuffers(count int) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inputs = make([]simInput, count)
	return count, nil
}

func (e *Encoder) RequestOutputBuffers(count int) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.maxSize <= 0 {
		return 0, errors.New("output format not set")
	}
	e.outputs = make([]simOutput, count)
	return count, nil
}

func (e *Encoder) MapOutputBuffer(index int) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if index < 0 || index >= len(e.outputs) {
		return nil, fmt.Errorf("output %d out of range", index)
	}
	e.outputs[index].mem = make([]byte, e.maxSize)
	e.mapped++
	return e.outputs[index].mem, nil
}

func (e *Encoder) UnmapOutputBuffer(mem []byte) error {
	e.mu.Lock()
	e.mapped--
	e.mu.Unlock()
	return nil
}

func (e *Encoder) QueueInput(index, fd, length int, ts time.Duration) error {
	e.mu.Lock()
	if index < 0 || index >= len(e.inputs) {
		e.mu.Unlock()
		return fmt.Errorf("input %d out of range", index)
	}
	if e.inputs[index].queued {
		e.mu.Unlock()
		return fmt.Errorf("input %d already queued", index)
	}
	e.inputs[index] = simInput{queued: true, fd: fd, length: length, ts: ts}
	e.inputOrder = append(e.inputOrder, index)
	e.pendingTS = append(e.pendingTS, ts)
	auto := e.auto
	e.mu.Unlock()

	if auto {
		e.CompleteInput()
		e.mu.Lock()
		e.frames++
		key := e.intraPeriod <= 0 || (e.frames-1)%e.intraPeriod == 0
		e.mu.Unlock()
		if _, ok := e.CompleteOutput(key, AccessUnit(key, e.sliceSize)); !ok {
			// no empty output buffer, the frame is lost
			e.mu.Lock()
			if len(e.pendingTS) > 0 {
				e.pendingTS = e.pendingTS[1:]
			}
			e.mu.Unlock()
		}
	}
	return nil
}

func (e *Encoder) QueueOutput(index int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if index < 0 || index >= len(e.outputs) {
		return fmt.Errorf("output %d out of range", index)
	}
	if e.outputs[index].queued {
		return fmt.Errorf("output %d already queued", index)
	}
	e.outputs[index].queued = true
	e.outputOrder = append(e.outputOrder, index)
	return nil
}

// CompleteInput finishes reading the oldest queued input.
func (e *Encoder) CompleteInput() (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.inputOrder) == 0 {
		return 0, false
	}
	idx := e.inputOrder[0]
	e.inputOrder = e.inputOrder[1:]
	e.inputs[idx].queued = false
	e.inputDone = append(e.inputDone, idx)
	e.signal()
	return idx, true
}

// CompleteOutput fills the oldest queued output buffer with payload,
// stamped with the oldest pending input timestamp.
func (e *Encoder) CompleteOutput(keyframe bool, payload []byte) (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.outputOrder) == 0 {
		return 0, false
	}
	idx := e.outputOrder[0]
	e.outputOrder = e.outputOrder[1:]
	out := &e.outputs[idx]
	out.queued = false
	n := copy(out.mem, payload)

	var ts time.Duration
	if len(e.pendingTS) > 0 {
		ts = e.pendingTS[0]
		e.pendingTS = e.pendingTS[1:]
	}
	e.outputDone = append(e.outputDone, encoder.OutputBuffer{
		Index:     idx,
		BytesUsed: n,
		Keyframe:  keyframe,
		Timestamp: ts,
	})
	e.signal()
	return idx, true
}

func (e *Encoder) signal() {
	select {
	case e.ready <- struct{}{}:
	default:
	}
}

func (e *Encoder) DequeueInput() (int, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.inputDone) == 0 {
		return 0, false, nil
	}
	idx := e.inputDone[0]
	e.inputDone = e.inputDone[1:]
	return idx, true, nil
}

func (e *Encoder) DequeueOutput() (encoder.OutputBuffer, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.outputDone) == 0 {
		return encoder.OutputBuffer{}, false, nil
	}
	buf := e.outputDone[0]
	e.outputDone = e.outputDone[1:]
	return buf, true, nil
}

func (e *Encoder) StreamOn() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.streaming = true
	return nil
}

// StreamOff returns every queued buffer to the caller.
func (e *Encoder) StreamOff() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.streaming = false
	for i := range e.inputs {
		e.inputs[i].queued = false
	}
	for i := range e.outputs {
		e.outputs[i].queued = false
	}
	e.inputOrder, e.inputDone = nil, nil
	e.outputOrder, e.outputDone = nil, nil
	e.pendingTS = nil
	return nil
}

// Wait returns as soon as a completion is signalled or the timeout passes.
func (e *Encoder) Wait(timeout time.Duration) (bool, error) {
	e.mu.Lock()
	if e.interrupts > 0 {
		e.interrupts--
		e.mu.Unlock()
		return false, encoder.ErrInterrupted
	}
	if err := e.waitErr; err != nil {
		e.mu.Unlock()
		return false, err
	}
	e.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-e.ready:
		return true, nil
	case <-timer.C:
		return false, nil
	}
}

// FailWait makes every following Wait return err.
func (e *Encoder) FailWait(err error) {
	e.mu.Lock()
	e.waitErr = err
	e.mu.Unlock()
	e.signal()
}

// Interrupt makes the next n Waits return ErrInterrupted.
func (e *Encoder) Interrupt(n int) {
	e.mu.Lock()
	e.interrupts += n
	e.mu.Unlock()
}

func (e *Encoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// Control returns the last value set for c.
func (e *Encoder) Control(c encoder.Control) (int32, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.controls[c]
	return v, ok
}

// QueuedInputs returns the input indices the hardware currently holds.
func (e *Encoder) QueuedInputs() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int(nil), e.inputOrder...)
}

// QueuedOutputs is the number of empty output buffers the hardware holds.
func (e *Encoder) QueuedOutputs() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.outputOrder)
}

// InputFd returns the descriptor last queued on an input slot.
func (e *Encoder) InputFd(index int) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inputs[index].fd
}

// Closed reports whether Close was called.
func (e *Encoder) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Mapped is the number of live output mappings.
func (e *Encoder) Mapped() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mapped
}

// Streaming reports whether both queues are on.
func (e *Encoder) Streaming() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.streaming
}

package pipeline_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"pi-h264-streamer/capture"
	"pi-h264-streamer/config"
	"pi-h264-streamer/encoder"
	"pi-h264-streamer/media"
	"pi-h264-streamer/output"
	"pi-h264-streamer/pipeline"
	"pi-h264-streamer/sim"
)

type recordingSink struct {
	mu      sync.Mutex
	units   []output.AccessUnit
	started bool
	closed  bool
}

func (s *recordingSink) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	return nil
}

func (s *recordingSink) Push(au output.AccessUnit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.closed {
		return output.ErrNotRunning
	}
	au.Data = append([]byte(nil), au.Data...)
	s.units = append(s.units, au)
	return nil
}

func (s *recordingSink) Stats() output.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return output.Stats{FramesSent: uint64(len(s.units))}
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSink) Units() []output.AccessUnit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]output.AccessUnit(nil), s.units...)
}

func (s *recordingSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Buffers.CaptureBuffers = 4
	cfg.Encoder.PollTimeoutMs = 10
	cfg.Logging.StatsLogInterval = 0
	cfg.Logging.FrameLogInterval = 5
	return cfg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func startPipeline(t *testing.T, cfg *config.Config, backend pipeline.Backend) (*pipeline.Orchestrator, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	o, err := pipeline.New(cfg, backend, zaptest.NewLogger(t), pipeline.WithSink(sink))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { o.Stop(context.Background()) })
	return o, sink
}

func TestNewSelectsFirstNonUSBCamera(t *testing.T) {
	backend := &pipeline.SimBackend{}
	o, err := pipeline.New(testConfig(), backend, zaptest.NewLogger(t), pipeline.WithSink(&recordingSink{}))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer o.Stop(context.Background())

	if got := o.Camera().ID; got != "sim-imx219" {
		t.Errorf("selected camera %q, want sim-imx219", got)
	}
	want := media.Geometry{Width: 640, Height: 480, Stride: 640, ColorSpace: media.ColorSpaceSMPTE170M}
	if got := o.Geometry(); got != want {
		t.Errorf("Geometry() = %+v, want %+v", got, want)
	}
	if o.SessionID() == "" {
		t.Error("expected a session id")
	}
	if n := backend.Sensor().MemMapper().Mapped(); n != 4 {
		t.Errorf("mapped %d capture buffers, want 4", n)
	}
}

type usbOnlyBackend struct {
	pipeline.SimBackend
}

func (b *usbOnlyBackend) Cameras() ([]capture.CameraInfo, error) {
	return []capture.CameraInfo{{ID: "usb-cam", Path: "/dev/video0", BusInfo: "usb-1.1"}}, nil
}

func TestNewFailsWithoutCamera(t *testing.T) {
	backend := &usbOnlyBackend{}
	_, err := pipeline.New(testConfig(), backend, zaptest.NewLogger(t), pipeline.WithSink(&recordingSink{}))
	if !errors.Is(err, capture.ErrNoCamera) {
		t.Fatalf("New error = %v, want ErrNoCamera", err)
	}
	if backend.Sensor() != nil {
		t.Error("sensor opened without a usable camera")
	}
}

type stretchingBackend struct {
	pipeline.SimBackend
	enc *sim.Encoder
}

func (b *stretchingBackend) OpenEncoder(string) (encoder.Device, error) {
	b.enc = sim.NewEncoder(sim.WithGeometryOverride(func(g media.Geometry) media.Geometry {
		g.Stride += 64
		return g
	}))
	return b.enc, nil
}

func TestNewTearsDownOnEncoderFailure(t *testing.T) {
	backend := &stretchingBackend{}
	sink := &recordingSink{}
	_, err := pipeline.New(testConfig(), backend, zaptest.NewLogger(t), pipeline.WithSink(sink))
	if !errors.Is(err, encoder.ErrGeometryChanged) {
		t.Fatalf("New error = %v, want ErrGeometryChanged", err)
	}
	if n := backend.Sensor().MemMapper().Mapped(); n != 0 {
		t.Errorf("%d capture buffers left mapped", n)
	}
	if !backend.enc.Closed() {
		t.Error("encoder left open")
	}
	if !sink.Closed() {
		t.Error("sink left open")
	}
}

func TestReleaseGating(t *testing.T) {
	backend := &pipeline.SimBackend{}
	o, sink := startPipeline(t, testConfig(), backend)
	sensor, enc := backend.Sensor(), backend.Encoder()

	if got := len(sensor.Queued()); got != 4 {
		t.Fatalf("%d requests with the sensor after start, want 4", got)
	}

	id, ok := sensor.CompleteNext()
	if !ok || id != 0 {
		t.Fatalf("CompleteNext() = %d, %v", id, ok)
	}
	waitFor(t, "encoder submission", func() bool { return len(enc.QueuedInputs()) == 1 })

	slot := enc.QueuedInputs()[0]
	if fd := enc.InputFd(slot); fd != sensor.Fds()[0] {
		t.Errorf("encoder got fd %d, want buffer 0's fd %d", fd, sensor.Fds()[0])
	}

	// the encoder still reads buffer 0
	time.Sleep(30 * time.Millisecond)
	if n := sensor.QueueCount(0); n != 1 {
		t.Fatalf("buffer 0 queued %d times before the encoder released it", n)
	}
	if n := o.Stats().Requests.States[capture.RequestAwaitingReuse]; n != 1 {
		t.Errorf("%d requests awaiting reuse, want 1", n)
	}

	released := time.Now()
	if _, ok := enc.CompleteInput(); !ok {
		t.Fatal("no input to complete")
	}
	waitFor(t, "resubmission", func() bool { return sensor.QueueCount(0) == 2 })

	events := sensor.Events()
	last := events[len(events)-1]
	if last.Buffer != 0 || last.RequestID != 0 {
		t.Errorf("last queue event = %+v, want request 0 on buffer 0", last)
	}
	if last.At.Before(released) {
		t.Error("buffer 0 resubmitted before the input release")
	}

	if _, ok := enc.CompleteOutput(true, sim.AccessUnit(true, 300)); !ok {
		t.Fatal("no output buffer to fill")
	}
	waitFor(t, "delivery", func() bool { return len(sink.Units()) == 1 })
	waitFor(t, "output requeue", func() bool { return enc.QueuedOutputs() == 12 })

	au := sink.Units()[0]
	if !au.Keyframe || au.Timestamp == 0 {
		t.Errorf("delivered %+v", au)
	}
	if info := output.InspectAccessUnit(au.Data); !info.IDR || info.SPS == nil {
		t.Errorf("delivered access unit = %+v", info)
	}

	stats := o.Stats()
	if stats.Forwarded != 1 || stats.Delivered != 1 || stats.Recycled != 1 || stats.Dropped != 0 {
		t.Errorf("Stats() = %+v", stats)
	}
	if stats.Encoder.InputClaimed != 0 || stats.Encoder.Released != 1 {
		t.Errorf("encoder stats = %+v", stats.Encoder)
	}
}

func TestDroppedFrameGoesStraightBackToSensor(t *testing.T) {
	cfg := testConfig()
	cfg.Encoder.InputBuffers = 1
	backend := &pipeline.SimBackend{}

	core, logs := observer.New(zap.WarnLevel)
	o, err := pipeline.New(cfg, backend, zap.New(core), pipeline.WithSink(&recordingSink{}))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer o.Stop(context.Background())
	sensor, enc := backend.Sensor(), backend.Encoder()

	sensor.CompleteRequest(0)
	waitFor(t, "first submission", func() bool { return len(enc.QueuedInputs()) == 1 })

	// no input slot left: request 1 is dropped and re-armed at once
	sensor.CompleteRequest(1)
	waitFor(t, "dropped request requeue", func() bool { return sensor.QueueCount(1) == 2 })

	stats := o.Stats()
	if stats.Dropped != 1 || stats.Forwarded != 1 {
		t.Errorf("Stats() forwarded %d dropped %d, want 1 and 1", stats.Forwarded, stats.Dropped)
	}
	if sensor.QueueCount(0) != 1 {
		t.Error("request 0 re-armed while the encoder holds it")
	}
	if stats.Encoder.Dropped != 1 || stats.Encoder.InputClaimed != 1 {
		t.Errorf("encoder stats = %+v", stats.Encoder)
	}
	if n := logs.FilterMessage("Frame encoding skipped, no input slot").Len(); n != 1 {
		t.Errorf("logged %d drop warnings, want 1", n)
	}
}

func TestSimulatedRun(t *testing.T) {
	cfg := testConfig()
	backend := &pipeline.SimBackend{FrameRate: 200, AutoEncode: true, IntraPeriod: 10}
	o, sink := startPipeline(t, cfg, backend)

	waitFor(t, "20 access units", func() bool { return len(sink.Units()) >= 20 })

	if err := o.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := o.Stop(context.Background()); err != nil {
		t.Errorf("second Stop: %v", err)
	}
	if err := o.Start(context.Background()); !errors.Is(err, pipeline.ErrAlreadyStarted) {
		t.Errorf("Start after Stop = %v, want ErrAlreadyStarted", err)
	}

	units := sink.Units()
	if !units[0].Keyframe {
		t.Error("stream does not open with a keyframe")
	}
	keyframes := 0
	for i, au := range units {
		if au.Keyframe {
			keyframes++
		}
		if i > 0 && au.Timestamp <= units[i-1].Timestamp {
			t.Fatalf("unit %d timestamp %v not after %v", i, au.Timestamp, units[i-1].Timestamp)
		}
	}
	if keyframes < 2 {
		t.Errorf("%d keyframes in %d units", keyframes, len(units))
	}

	if !backend.Encoder().Closed() {
		t.Error("encoder left open")
	}
	if n := backend.Sensor().MemMapper().Mapped(); n != 0 {
		t.Errorf("%d capture buffers left mapped", n)
	}
	if !sink.Closed() {
		t.Error("sink left open")
	}

	stats := o.Stats()
	if stats.Running {
		t.Error("still running after Stop")
	}
	if stats.Recycled == 0 || stats.Delivered < 20 {
		t.Errorf("Stats() = %+v", stats)
	}
}

func TestSensorFailureIsReported(t *testing.T) {
	backend := &pipeline.SimBackend{}
	o, _ := startPipeline(t, testConfig(), backend)

	cause := errors.New("frontend timeout")
	backend.Sensor().Fail(cause)

	select {
	case err := <-o.Errors():
		if !errors.Is(err, cause) {
			t.Errorf("reported %v, want it to wrap %v", err, cause)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sensor failure not reported")
	}
}

func TestStartTwice(t *testing.T) {
	o, _ := startPipeline(t, testConfig(), &pipeline.SimBackend{})
	if err := o.Start(context.Background()); !errors.Is(err, pipeline.ErrAlreadyStarted) {
		t.Errorf("second Start = %v, want ErrAlreadyStarted", err)
	}
}

func TestNewSinkByMode(t *testing.T) {
	logger := zaptest.NewLogger(t)
	tests := []struct {
		mode    string
		wantErr bool
	}{
		{config.OutputRTP, false},
		{config.OutputWebRTC, false},
		{"mjpeg", true},
	}
	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			cfg := config.Default()
			cfg.Output.Mode = tt.mode
			s, err := pipeline.NewSink(cfg, logger)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewSink(%q) error = %v", tt.mode, err)
			}
			if s != nil {
				s.Close()
			}
		})
	}
}

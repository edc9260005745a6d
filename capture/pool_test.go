package capture_test

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"go.uber.org/zap/zaptest"

	"pi-h264-streamer/capture"
	"pi-h264-streamer/sim"
)

func configuredSensor(t *testing.T, opts ...sim.SensorOption) *sim.Sensor {
	t.Helper()
	s := sim.NewSensor("/base/soc/i2c0mux/i2c@1/imx219@10", opts...)
	if _, err := s.Configure(capture.StreamConfig{Width: 640, Height: 480, FPS: 90}); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	return s
}

// limitedMapper fails every Map after the first ok calls.
type limitedMapper struct {
	capture.Mapper
	mu sync.Mutex
	ok int
}

func (m *limitedMapper) Map(fd int, offset int64, length int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ok == 0 {
		return nil, fmt.Errorf("map fd %d: out of address space", fd)
	}
	m.ok--
	return m.Mapper.Map(fd, offset, length)
}

type limitedSensor struct {
	*sim.Sensor
	mapper *limitedMapper
}

func (s limitedSensor) Mapper() capture.Mapper { return s.mapper }

func TestPoolAllocateCoalescesPlanes(t *testing.T) {
	sensor := configuredSensor(t)
	pool := capture.NewPool(sensor, zaptest.NewLogger(t))

	if err := pool.Allocate(4); err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}

	frameSize := 640*480 + 2*(640*480/4)
	buffers := pool.Buffers()
	if len(buffers) != 4 {
		t.Fatalf("got %d buffers, want 4", len(buffers))
	}
	for _, b := range buffers {
		if len(b.Planes) != 3 {
			t.Errorf("buffer %d: %d planes, want 3", b.Index, len(b.Planes))
		}
		if len(b.Regions) != 1 {
			t.Errorf("buffer %d: %d mapped regions, want 1", b.Index, len(b.Regions))
		}
		if b.Length != frameSize {
			t.Errorf("buffer %d: length %d, want %d", b.Index, b.Length, frameSize)
		}
		if len(b.Regions[0].Data) != frameSize {
			t.Errorf("buffer %d: mapping covers %d bytes, want %d", b.Index, len(b.Regions[0].Data), frameSize)
		}
	}

	if got := sensor.MemMapper().Mapped(); got != 4 {
		t.Errorf("live mappings = %d, want 4", got)
	}
	if s := pool.Stats(); s.Total != 4 || s.Free != 4 || s.InFlight != 0 {
		t.Errorf("Stats() = %+v", s)
	}

	if err := pool.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if got := sensor.MemMapper().Mapped(); got != 0 {
		t.Errorf("live mappings after Close = %d", got)
	}
}

func TestPoolAllocateTwice(t *testing.T) {
	pool := capture.NewPool(configuredSensor(t), zaptest.NewLogger(t))
	if err := pool.Allocate(2); err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if err := pool.Allocate(2); !errors.Is(err, capture.ErrAlreadyAllocated) {
		t.Errorf("second Allocate error = %v, want ErrAlreadyAllocated", err)
	}
}

func TestPoolAllocateInvalidCount(t *testing.T) {
	pool := capture.NewPool(configuredSensor(t), zaptest.NewLogger(t))
	if err := pool.Allocate(0); err == nil {
		t.Error("expected error for zero buffers")
	}
}

func TestPoolAllocateUnmapsOnFailure(t *testing.T) {
	sensor := configuredSensor(t)
	wrapped := limitedSensor{Sensor: sensor, mapper: &limitedMapper{Mapper: sensor.Mapper(), ok: 2}}
	pool := capture.NewPool(wrapped, zaptest.NewLogger(t))

	if err := pool.Allocate(4); err == nil {
		t.Fatal("expected Allocate to fail")
	}
	if got := sensor.MemMapper().Mapped(); got != 0 {
		t.Errorf("live mappings after failed Allocate = %d, want 0", got)
	}
	if got := len(pool.Buffers()); got != 0 {
		t.Errorf("pool kept %d buffers", got)
	}
}

func TestPoolAllocateUnconfiguredSensor(t *testing.T) {
	pool := capture.NewPool(sim.NewSensor("cam0"), zaptest.NewLogger(t))
	if err := pool.Allocate(4); err == nil {
		t.Error("expected error from an unconfigured sensor")
	}
}

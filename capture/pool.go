package capture

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrAlreadyAllocated = errors.New("frame buffers already allocated")
	ErrNoBuffers        = errors.New("no frame buffers allocated")
)

// MappedRegion is one CPU mapping covering consecutive planes that share a
// descriptor.
type MappedRegion struct {
	Fd     int
	Offset int
	Data   []byte
}

// FrameBuffer is a sensor-writable buffer owned by the pool. Downstream
// stages refer to it by descriptor only.
type FrameBuffer struct {
	Index   int
	Planes  []PlaneDesc
	Regions []MappedRegion
	Length  int

	inFlight bool
}

// Fd is the descriptor handed to the encoder.
func (b *FrameBuffer) Fd() int {
	return b.Planes[0].Fd
}

// PoolStats is a snapshot of buffer ownership.
type PoolStats struct {
	Total    int
	InFlight int
	Free     int
}

// Pool owns the fixed set of capture buffers for one stream.
type Pool struct {
	sensor Sensor
	mapper Mapper
	logger *zap.Logger

	mu        sync.Mutex
	requested int
	buffers   []*FrameBuffer
}

// NewPool creates an empty pool bound to a sensor.
func NewPool(sensor Sensor, logger *zap.Logger) *Pool {
	return &Pool{
		sensor: sensor,
		mapper: sensor.Mapper(),
		logger: logger.With(zap.String("component", "frame_pool")),
	}
}

// Allocate reserves count buffers from the sensor and maps each of them.
// Planes sharing a descriptor are coalesced into one mapping. On any failure
// everything mapped so far is released.
func (p *Pool) Allocate(count int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.buffers) > 0 {
		return ErrAlreadyAllocated
	}
	if count <= 0 {
		return fmt.Errorf("invalid buffer count %d", count)
	}

	descs, err := p.sensor.AllocateBuffers(count)
	if err != nil {
		return fmt.Errorf("failed to allocate %d buffers: %w", count, err)
	}
	if len(descs) == 0 {
		return ErrNoBuffers
	}

	buffers := make([]*FrameBuffer, 0, len(descs))
	for _, d := range descs {
		buf, err := p.mapBuffer(d)
		if err != nil {
			for _, b := range buffers {
				p.unmapBuffer(b)
			}
			return fmt.Errorf("failed to map buffer %d: %w", d.Index, err)
		}
		buffers = append(buffers, buf)
	}

	p.requested = count
	p.buffers = buffers

	p.logger.Info("Frame buffers allocated",
		zap.Int("requested", count),
		zap.Int("granted", len(buffers)),
		zap.Int("buffer_size", buffers[0].Length),
		zap.Int("regions_per_buffer", len(buffers[0].Regions)))

	return nil
}

func (p *Pool) mapBuffer(d BufferDesc) (*FrameBuffer, error) {
	if len(d.Planes) == 0 {
		return nil, fmt.Errorf("buffer %d has no planes", d.Index)
	}

	buf := &FrameBuffer{Index: d.Index, Planes: d.Planes}
	start := 0
	for i, plane := range d.Planes {
		buf.Length += plane.Length
		last := i == len(d.Planes)-1
		if !last && d.Planes[i+1].Fd == plane.Fd {
			continue
		}
		first := d.Planes[start]
		size := plane.Offset + plane.Length - first.Offset
		mem, err := p.mapper.Map(first.Fd, int64(first.Offset), size)
		if err != nil {
			p.unmapBuffer(buf)
			return nil, err
		}
		buf.Regions = append(buf.Regions, MappedRegion{Fd: first.Fd, Offset: first.Offset, Data: mem})
		start = i + 1
	}
	return buf, nil
}

func (p *Pool) unmapBuffer(b *FrameBuffer) {
	for _, r := range b.Regions {
		if err := p.mapper.Unmap(r.Data); err != nil {
			p.logger.Warn("Failed to unmap frame buffer", zap.Int("index", b.Index), zap.Error(err))
		}
	}
	b.Regions = nil
}

// Buffers returns the allocated buffers in index order.
func (p *Pool) Buffers() []*FrameBuffer {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*FrameBuffer, len(p.buffers))
	copy(out, p.buffers)
	return out
}

// Requested is the count passed to Allocate.
func (p *Pool) Requested() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requested
}

// Map returns the mapped regions of a buffer. Callers must not keep the
// slices past the request's release.
func (p *Pool) Map(buf *FrameBuffer) [][]byte {
	out := make([][]byte, len(buf.Regions))
	for i, r := range buf.Regions {
		out[i] = r.Data
	}
	return out
}

func (p *Pool) setInFlight(buf *FrameBuffer, v bool) {
	p.mu.Lock()
	buf.inFlight = v
	p.mu.Unlock()
}

// Stats returns how many buffers are with the sensor.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := PoolStats{Total: len(p.buffers)}
	for _, b := range p.buffers {
		if b.inFlight {
			s.InFlight++
		}
	}
	s.Free = s.Total - s.InFlight
	return s
}

// Close unmaps every buffer.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range p.buffers {
		p.unmapBuffer(b)
	}
	p.buffers = nil
	return nil
}

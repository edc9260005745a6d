//go:build linux && (amd64 || arm64)

package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"pi-h264-streamer/media"
	"pi-h264-streamer/v4l2"
)

const sensorPollTimeout = 200 * time.Millisecond

// V4L2Sensor streams YUV420 frames from a V4L2 capture node. Buffers are
// driver-allocated and exported as DMABUFs so the encoder can read them in
// place.
type V4L2Sensor struct {
	info    CameraInfo
	dev     *v4l2.Device
	bufType uint32
	logger  *zap.Logger

	geometry media.Geometry
	fds      []int

	mu       sync.Mutex
	bufToReq map[int]int
	queued   map[int]bool
	handler  CompletionHandler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// OpenV4L2Sensor opens the camera node.
func OpenV4L2Sensor(info CameraInfo, logger *zap.Logger) (*V4L2Sensor, error) {
	dev, err := v4l2.Open(info.Path, true)
	if err != nil {
		return nil, err
	}
	caps, err := dev.QueryCapability()
	if err != nil {
		dev.Close()
		return nil, err
	}

	bufType := v4l2.BufTypeVideoCapture
	if caps.Caps&v4l2.CapVideoCaptureMplane != 0 && caps.Caps&v4l2.CapVideoCapture == 0 {
		bufType = v4l2.BufTypeVideoCaptureMplane
	}

	return &V4L2Sensor{
		info:     info,
		dev:      dev,
		bufType:  bufType,
		logger:   logger.With(zap.String("camera", info.ID)),
		bufToReq: make(map[int]int),
		queued:   make(map[int]bool),
	}, nil
}

func (s *V4L2Sensor) ID() string { return s.info.ID }

func (s *V4L2Sensor) Mapper() Mapper { return DMABufMapper{} }

// Configure negotiates a YUV420 mode and reports what the driver chose.
func (s *V4L2Sensor) Configure(cfg StreamConfig) (media.Geometry, error) {
	cs := media.DefaultColorSpace(cfg.Width, cfg.Height)
	got, err := s.dev.SetFormat(s.bufType, v4l2.PixFormat{
		Width:       uint32(cfg.Width),
		Height:      uint32(cfg.Height),
		PixelFormat: v4l2.PixFmtYUV420,
		Field:       v4l2.FieldNone,
		Colorspace:  colorspaceToV4L2(cs),
	})
	if err != nil {
		return media.Geometry{}, err
	}
	if got.PixelFormat != v4l2.PixFmtYUV420 {
		return media.Geometry{}, fmt.Errorf("sensor refused YUV420, offered %s", v4l2.FourCCString(got.PixelFormat))
	}

	if cfg.FPS > 0 {
		if err := s.dev.SetFrameRate(s.bufType, cfg.FPS); err != nil {
			s.logger.Warn("Sensor frame rate not applied", zap.Error(err))
		}
	}

	stride := int(got.BytesPerLine)
	if stride == 0 {
		stride = int(got.Width)
	}
	s.geometry = media.Geometry{
		Width:      int(got.Width),
		Height:     int(got.Height),
		Stride:     stride,
		ColorSpace: colorspaceFromV4L2(got.Colorspace),
	}

	s.logger.Info("Sensor configured",
		zap.String("geometry", s.geometry.String()),
		zap.Uint32("sizeimage", got.SizeImage))
	return s.geometry, nil
}

// AllocateBuffers requests MMAP buffers and exports each one. A YUV420
// frame is reported as three planes on one descriptor.
func (s *V4L2Sensor) AllocateBuffers(count int) ([]BufferDesc, error) {
	granted, err := s.dev.RequestBuffers(s.bufType, v4l2.MemoryMMAP, count)
	if err != nil {
		return nil, err
	}
	if granted < count {
		s.logger.Warn("Sensor granted fewer buffers", zap.Int("requested", count), zap.Int("granted", granted))
	}

	g := s.geometry
	luma := g.Stride * g.Height
	chroma := luma / 4

	descs := make([]BufferDesc, 0, granted)
	for i := 0; i < granted; i++ {
		if _, err := s.dev.QueryBuffer(s.bufType, v4l2.MemoryMMAP, i); err != nil {
			s.closeFds()
			return nil, err
		}
		fd, err := s.dev.ExportBuffer(s.bufType, i, 0)
		if err != nil {
			s.closeFds()
			return nil, err
		}
		s.fds = append(s.fds, fd)
		descs = append(descs, BufferDesc{
			Index: i,
			Planes: []PlaneDesc{
				{Fd: fd, Offset: 0, Length: luma},
				{Fd: fd, Offset: luma, Length: chroma},
				{Fd: fd, Offset: luma + chroma, Length: chroma},
			},
		})
	}
	return descs, nil
}

func (s *V4L2Sensor) Prepare(requestID, buffer int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if buffer < 0 || buffer >= len(s.fds) {
		return fmt.Errorf("buffer %d out of range", buffer)
	}
	s.bufToReq[buffer] = requestID
	return nil
}

// Start applies controls, turns streaming on and launches the dequeue loop.
func (s *V4L2Sensor) Start(controls Controls, handler CompletionHandler) error {
	applyControls(s.dev, controls, s.logger)

	s.mu.Lock()
	s.handler = handler
	s.mu.Unlock()

	if err := s.dev.StreamOn(s.bufType); err != nil {
		return err
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.wg.Add(1)
	go s.dequeueLoop()
	return nil
}

func (s *V4L2Sensor) Queue(requestID, buffer int) error {
	s.mu.Lock()
	s.queued[buffer] = true
	s.mu.Unlock()

	return s.dev.QueueBuffer(v4l2.BufferInfo{
		Index:  uint32(buffer),
		Type:   s.bufType,
		Memory: v4l2.MemoryMMAP,
	})
}

func (s *V4L2Sensor) dequeueLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		ready, err := s.dev.Wait(sensorPollTimeout, unix.POLLIN)
		if errors.Is(err, v4l2.ErrInterrupted) {
			continue
		}
		if err != nil {
			s.complete(Completion{RequestID: -1, Status: StatusError, Err: err})
			return
		}
		if !ready {
			continue
		}

		for {
			buf, err := s.dev.DequeueBuffer(s.bufType, v4l2.MemoryMMAP)
			if errors.Is(err, v4l2.ErrAgain) {
				break
			}
			if err != nil {
				s.complete(Completion{RequestID: -1, Status: StatusError, Err: err})
				return
			}

			s.mu.Lock()
			reqID, ok := s.bufToReq[int(buf.Index)]
			delete(s.queued, int(buf.Index))
			s.mu.Unlock()
			if !ok {
				continue
			}

			s.complete(Completion{
				RequestID:       reqID,
				Status:          StatusComplete,
				BufferTimestamp: time.Duration(buf.Timestamp) * time.Microsecond,
				Sequence:        buf.Sequence,
			})
		}
	}
}

func (s *V4L2Sensor) complete(c Completion) {
	s.mu.Lock()
	h := s.handler
	if c.RequestID < 0 {
		// attribute driver failures to any queued request
		for buf := range s.queued {
			c.RequestID = s.bufToReq[buf]
			break
		}
	}
	s.mu.Unlock()
	if h != nil {
		h(c)
	}
}

// Stop ends streaming and reports every still-queued request as cancelled.
func (s *V4L2Sensor) Stop() error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	s.wg.Wait()
	s.cancel = nil

	err := s.dev.StreamOff(s.bufType)

	s.mu.Lock()
	var cancelled []int
	for buf := range s.queued {
		cancelled = append(cancelled, s.bufToReq[buf])
	}
	s.queued = make(map[int]bool)
	s.mu.Unlock()

	for _, id := range cancelled {
		s.complete(Completion{RequestID: id, Status: StatusCancelled})
	}
	return err
}

func (s *V4L2Sensor) Close() error {
	s.closeFds()
	if _, err := s.dev.RequestBuffers(s.bufType, v4l2.MemoryMMAP, 0); err != nil {
		s.logger.Debug("Failed to free sensor buffers", zap.Error(err))
	}
	return s.dev.Close()
}

func (s *V4L2Sensor) closeFds() {
	for _, fd := range s.fds {
		unix.Close(fd)
	}
	s.fds = nil
}

func colorspaceToV4L2(cs media.ColorSpace) uint32 {
	if cs == media.ColorSpaceRec709 {
		return v4l2.ColorspaceRec709
	}
	return v4l2.ColorspaceSMPTE170M
}

func colorspaceFromV4L2(v uint32) media.ColorSpace {
	if v == v4l2.ColorspaceRec709 {
		return media.ColorSpaceRec709
	}
	return media.ColorSpaceSMPTE170M
}

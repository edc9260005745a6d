//go:build linux && (amd64 || arm64)

package encoder

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"pi-h264-streamer/media"
	"pi-h264-streamer/v4l2"
)

// V4L2Device is a memory-to-memory H.264 encoder node such as the
// Raspberry Pi's /dev/video11. Raw frames go in on the OUTPUT queue as
// DMABUFs; compressed frames come back on the CAPTURE queue in MMAP buffers.
type V4L2Device struct {
	dev    *v4l2.Device
	logger *zap.Logger
}

var controlIDs = map[Control]uint32{
	ControlBitrate:       v4l2.CIDVideoBitrate,
	ControlProfile:       v4l2.CIDVideoH264Profile,
	ControlLevel:         v4l2.CIDVideoH264Level,
	ControlIntraPeriod:   v4l2.CIDVideoH264IPeriod,
	ControlRepeatHeaders: v4l2.CIDVideoRepeatSeqHeader,
}

// OpenV4L2Device opens the encoder node non-blocking and checks it is an
// M2M device.
func OpenV4L2Device(path string, logger *zap.Logger) (*V4L2Device, error) {
	dev, err := v4l2.Open(path, true)
	if err != nil {
		return nil, err
	}
	info, err := dev.QueryCapability()
	if err != nil {
		dev.Close()
		return nil, err
	}
	if !info.IsM2M() {
		dev.Close()
		return nil, fmt.Errorf("%s (%s) is not a memory-to-memory device", path, info.Card)
	}
	logger.Info("Encoder device opened",
		zap.String("path", path),
		zap.String("driver", info.Driver),
		zap.String("card", info.Card))
	return &V4L2Device{dev: dev, logger: logger}, nil
}

func (d *V4L2Device) SetControl(c Control, value int32) error {
	id, ok := controlIDs[c]
	if !ok {
		return fmt.Errorf("no V4L2 control for %s", c)
	}
	return d.dev.SetControl(id, value)
}

func (d *V4L2Device) SetInputFormat(g media.Geometry) (media.Geometry, error) {
	cs := v4l2.ColorspaceSMPTE170M
	if g.ColorSpace == media.ColorSpaceRec709 {
		cs = v4l2.ColorspaceRec709
	}
	got, err := d.dev.SetFormat(v4l2.BufTypeVideoOutputMplane, v4l2.PixFormat{
		Width:        uint32(g.Width),
		Height:       uint32(g.Height),
		PixelFormat:  v4l2.PixFmtYUV420,
		Field:        v4l2.FieldNone,
		BytesPerLine: uint32(g.Stride),
		Colorspace:   cs,
	})
	if err != nil {
		return media.Geometry{}, err
	}
	out := media.Geometry{
		Width:      int(got.Width),
		Height:     int(got.Height),
		Stride:     int(got.BytesPerLine),
		ColorSpace: media.ColorSpaceSMPTE170M,
	}
	if got.Colorspace == v4l2.ColorspaceRec709 {
		out.ColorSpace = media.ColorSpaceRec709
	}
	return out, nil
}

func (d *V4L2Device) SetOutputFormat(width, height, maxSize int) error {
	_, err := d.dev.SetFormat(v4l2.BufTypeVideoCaptureMplane, v4l2.PixFormat{
		Width:       uint32(width),
		Height:      uint32(height),
		PixelFormat: v4l2.PixFmtH264,
		Field:       v4l2.FieldAny,
		SizeImage:   uint32(maxSize),
	})
	return err
}

func (d *V4L2Device) SetFrameRate(fps int) error {
	return d.dev.SetFrameRate(v4l2.BufTypeVideoOutputMplane, fps)
}

func (d *V4L2Device) RequestInputBuffers(count int) (int, error) {
	return d.dev.RequestBuffers(v4l2.BufTypeVideoOutputMplane, v4l2.MemoryDMABUF, count)
}

func (d *V4L2Device) RequestOutputBuffers(count int) (int, error) {
	return d.dev.RequestBuffers(v4l2.BufTypeVideoCaptureMplane, v4l2.MemoryMMAP, count)
}

func (d *V4L2Device) MapOutputBuffer(index int) ([]byte, error) {
	buf, err := d.dev.QueryBuffer(v4l2.BufTypeVideoCaptureMplane, v4l2.MemoryMMAP, index)
	if err != nil {
		return nil, err
	}
	if len(buf.Planes) == 0 {
		return nil, fmt.Errorf("output buffer %d has no planes", index)
	}
	return d.dev.Mmap(buf.Planes[0].Offset, int(buf.Planes[0].Length))
}

func (d *V4L2Device) UnmapOutputBuffer(mem []byte) error {
	return unix.Munmap(mem)
}

func (d *V4L2Device) QueueInput(index, fd, length int, ts time.Duration) error {
	return d.dev.QueueBuffer(v4l2.BufferInfo{
		Index:     uint32(index),
		Type:      v4l2.BufTypeVideoOutputMplane,
		Memory:    v4l2.MemoryDMABUF,
		Timestamp: ts.Microseconds(),
		Planes:    []v4l2.PlaneInfo{{BytesUsed: uint32(length), Length: uint32(length), Fd: fd}},
	})
}

func (d *V4L2Device) QueueOutput(index int) error {
	return d.dev.QueueBuffer(v4l2.BufferInfo{
		Index:  uint32(index),
		Type:   v4l2.BufTypeVideoCaptureMplane,
		Memory: v4l2.MemoryMMAP,
		Planes: []v4l2.PlaneInfo{{}},
	})
}

func (d *V4L2Device) DequeueInput() (int, bool, error) {
	buf, err := d.dev.DequeueBuffer(v4l2.BufTypeVideoOutputMplane, v4l2.MemoryDMABUF)
	if errors.Is(err, v4l2.ErrAgain) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return int(buf.Index), true, nil
}

func (d *V4L2Device) DequeueOutput() (OutputBuffer, bool, error) {
	buf, err := d.dev.DequeueBuffer(v4l2.BufTypeVideoCaptureMplane, v4l2.MemoryMMAP)
	if errors.Is(err, v4l2.ErrAgain) {
		return OutputBuffer{}, false, nil
	}
	if err != nil {
		return OutputBuffer{}, false, err
	}
	return OutputBuffer{
		Index:     int(buf.Index),
		BytesUsed: int(buf.BytesUsed),
		Keyframe:  buf.Keyframe(),
		Timestamp: time.Duration(buf.Timestamp) * time.Microsecond,
	}, true, nil
}

func (d *V4L2Device) StreamOn() error {
	if err := d.dev.StreamOn(v4l2.BufTypeVideoOutputMplane); err != nil {
		return err
	}
	return d.dev.StreamOn(v4l2.BufTypeVideoCaptureMplane)
}

func (d *V4L2Device) StreamOff() error {
	errOut := d.dev.StreamOff(v4l2.BufTypeVideoOutputMplane)
	errCap := d.dev.StreamOff(v4l2.BufTypeVideoCaptureMplane)
	return errors.Join(errOut, errCap)
}

func (d *V4L2Device) Wait(timeout time.Duration) (bool, error) {
	ready, err := d.dev.Wait(timeout, unix.POLLIN|unix.POLLOUT)
	if errors.Is(err, v4l2.ErrInterrupted) {
		return false, ErrInterrupted
	}
	return ready, err
}

func (d *V4L2Device) Close() error {
	return d.dev.Close()
}

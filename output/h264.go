package output

import (
	"fmt"

	"github.com/Eyevinn/mp4ff/avc"
)

// AUInfo summarises the NAL units of one access unit.
type AUInfo struct {
	NALUs  int
	IDR    bool
	SPS    []byte
	PPS    []byte
	Slices int
}

// InspectAccessUnit splits an Annex-B access unit and classifies its NAL
// units.
func InspectAccessUnit(data []byte) AUInfo {
	var info AUInfo
	for _, nalu := range avc.ExtractNalusFromByteStream(data) {
		if len(nalu) == 0 {
			continue
		}
		info.NALUs++
		switch avc.GetNaluType(nalu[0]) {
		case avc.NALU_SPS:
			info.SPS = nalu
		case avc.NALU_PPS:
			info.PPS = nalu
		case avc.NALU_IDR:
			info.IDR = true
			info.Slices++
		case avc.NALU_NON_IDR:
			info.Slices++
		}
	}
	return info
}

// StreamParams is what a sequence parameter set says about the stream.
type StreamParams struct {
	Width   uint
	Height  uint
	Profile uint32
	Level   uint32
}

func (p StreamParams) String() string {
	return fmt.Sprintf("%dx%d profile %d level %d.%d", p.Width, p.Height, p.Profile, p.Level/10, p.Level%10)
}

// ParseSPS decodes an SPS NAL unit.
func ParseSPS(sps []byte) (StreamParams, error) {
	s, err := avc.ParseSPSNALUnit(sps, false)
	if err != nil {
		return StreamParams{}, fmt.Errorf("failed to parse SPS: %w", err)
	}
	return StreamParams{
		Width:   s.Width,
		Height:  s.Height,
		Profile: s.Profile,
		Level:   s.Level,
	}, nil
}

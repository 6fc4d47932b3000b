package pipeline

// ShakeVeto estimates global motion between the first and last frame of an
// inference window. Heavy uniform motion across the whole image is camera
// shake rather than scene action, and some models score it as violence.
// The veto is disabled by default.
type ShakeVeto struct {
	// Threshold is the mean absolute luma difference (0..255) above which
	// the window counts as shaking.
	Threshold float64
}

const defaultShakeThreshold = 28.0

// NewShakeVeto creates a veto with the default threshold.
func NewShakeVeto() *ShakeVeto {
	return &ShakeVeto{Threshold: defaultShakeThreshold}
}

// Shaking reports whether the window shows global motion. Pixels are sampled
// on a stride grid to keep the check cheap relative to inference.
func (v *ShakeVeto) Shaking(frames []*FramePacket) bool {
	if len(frames) < 2 {
		return false
	}
	first, last := frames[0], frames[len(frames)-1]
	if len(first.Data) != len(last.Data) || len(first.Data) == 0 {
		return false
	}

	const stride = 16 * 3 // every 16th pixel, BGR triplets
	var sum, n int64
	for i := 0; i+2 < len(first.Data); i += stride {
		// Integer luma approximation: (B + 2G + R) / 4.
		la := int64(first.Data[i]) + 2*int64(first.Data[i+1]) + int64(first.Data[i+2])
		lb := int64(last.Data[i]) + 2*int64(last.Data[i+1]) + int64(last.Data[i+2])
		d := la - lb
		if d < 0 {
			d = -d
		}
		sum += d / 4
		n++
	}
	if n == 0 {
		return false
	}
	return float64(sum)/float64(n) > v.Threshold
}

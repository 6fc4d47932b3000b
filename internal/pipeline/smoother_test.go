package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSmoother_MovingAverage(t *testing.T) {
	s := NewSmoother(3, 0.9)

	smoothed, _ := s.Observe(0.3)
	assert.InDelta(t, 0.3, smoothed, 1e-9)

	smoothed, _ = s.Observe(0.6)
	assert.InDelta(t, 0.45, smoothed, 1e-9)

	smoothed, _ = s.Observe(0.9)
	assert.InDelta(t, 0.6, smoothed, 1e-9)

	// Window slides: 0.3 falls out.
	smoothed, _ = s.Observe(0.9)
	assert.InDelta(t, 0.8, smoothed, 1e-9)
}

func TestSmoother_ConsecutiveHigh(t *testing.T) {
	s := NewSmoother(3, 0.9)

	_, high := s.Observe(0.95)
	assert.Equal(t, 1, high)
	_, high = s.Observe(0.9) // exactly at threshold counts
	assert.Equal(t, 2, high)
	_, high = s.Observe(0.89)
	assert.Equal(t, 0, high)
	_, high = s.Observe(0.99)
	assert.Equal(t, 1, high)
}

func TestSmoother_Reset(t *testing.T) {
	s := NewSmoother(3, 0.9)
	s.Observe(1.0)
	s.Observe(1.0)
	s.Reset()

	smoothed, high := s.Observe(0.2)
	assert.InDelta(t, 0.2, smoothed, 1e-9)
	assert.Equal(t, 0, high)
}

func TestShakeVeto(t *testing.T) {
	w, h := 64, 48
	still := make([]byte, w*h*3)
	moved := make([]byte, w*h*3)
	for i := range moved {
		moved[i] = 200
	}

	frames := []*FramePacket{
		{Data: still, Width: w, Height: h},
		{Data: still, Width: w, Height: h},
	}
	veto := NewShakeVeto()
	assert.False(t, veto.Shaking(frames), "identical frames are not shake")

	frames[1] = &FramePacket{Data: moved, Width: w, Height: h}
	assert.True(t, veto.Shaking(frames), "whole-image change is shake")

	assert.False(t, veto.Shaking(frames[:1]), "single frame cannot shake")
}

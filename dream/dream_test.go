// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dream

import (
	"context"
	"image"
	"image/color"
	"sync/atomic"
	"testing"

	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/haloopinate/frames"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.Duration = 2
	cfg.FPS = 2
	cfg.Iterations = 1
	cfg.PyramidHeight = 1
	cfg.Optimizer = "sgd"
	return cfg
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
	for name, modify := range map[string]func(c *Config){
		"zero duration":      func(c *Config) { c.Duration = 0 },
		"zero fps":           func(c *Config) { c.FPS = 0 },
		"blend above 1":      func(c *Config) { c.Blend = 1.5 },
		"negative blend":     func(c *Config) { c.Blend = -0.1 },
		"unknown optimizer":  func(c *Config) { c.Optimizer = "lbfgs" },
		"zero pyramid":       func(c *Config) { c.PyramidHeight = 0 },
		"negative iteration": func(c *Config) { c.Iterations = -1 },
		"zero lr":            func(c *Config) { c.LearningRate = 0 },
		"negative jitter":    func(c *Config) { c.Jitter = -1 },
		"zero strength":      func(c *Config) { c.Strength = 0 },
		"negative coherence": func(c *Config) { c.Coherence = -1 },
	} {
		cfg := DefaultConfig()
		modify(cfg)
		assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig, name)
	}

	// Optimization parameters are ignored when only the camera path is generated.
	cfg := DefaultConfig()
	cfg.ReturnBase = true
	cfg.Optimizer = "unknown"
	cfg.LearningRate = -1
	require.NoError(t, cfg.Validate())
	cfg.PyramidHeight = 0
	require.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
}

func TestValidateBase(t *testing.T) {
	require.NoError(t, ValidateBase(frames.New(MinImageSize)))
	require.ErrorIs(t, ValidateBase(frames.New(MinImageSize-1)), ErrInvalidInput)
	broken := frames.New(MinImageSize)
	broken.Pix = broken.Pix[:10]
	require.ErrorIs(t, ValidateBase(broken), ErrInvalidInput)
	require.ErrorIs(t, ValidateBase(frames.NewFilled(MinImageSize, 128)), ErrInvalidInput)
	require.ErrorIs(t, ValidateBase(frames.NewFilled(MinImageSize, -0.1)), ErrInvalidInput)
}

// patternImage returns an opaque width x height image with red growing with x and green with y.
func patternImage(width, height int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := range height {
		for x := range width {
			img.Set(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	return img
}

func TestBaseFromImage(t *testing.T) {
	base, err := BaseFromImage(patternImage(MinImageSize, MinImageSize))
	require.NoError(t, err)
	require.Equal(t, MinImageSize, base.Size)
	offset := base.Offset(20, 100)
	assert.InDelta(t, 100.0/255, base.Pix[offset], 1e-6)
	assert.InDelta(t, 20.0/255, base.Pix[offset+1], 1e-6)
	assert.InDelta(t, 128.0/255, base.Pix[offset+2], 1e-6)

	_, err = BaseFromImage(patternImage(MinImageSize+10, MinImageSize))
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = BaseFromImage(patternImage(100, 100))
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestEvolveFrame(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	d := New(backend, nil)
	const size = 16
	base := frames.NewFilled(size, 0.5)
	bright := frames.NewFilled(size, 1)

	// pattern has no zero pixels and a different value everywhere.
	pattern := frames.New(size)
	for y := range size {
		for x := range size {
			offset := pattern.Offset(y, x)
			pattern.Pix[offset] = float32(x+1) / (size + 1)
			pattern.Pix[offset+1] = float32(y+1) / (size + 1)
			pattern.Pix[offset+2] = 0.25
		}
	}
	withHole := bright.Clone()
	holeOffset := withHole.Offset(3, 5)
	copy(withHole.Pix[holeOffset:holeOffset+3], []float32{0, 0, 0})

	mixed := 0.3*1 + 0.7*0.5 // Evolved bright pixel re-anchored to the base.
	testCases := []struct {
		name        string
		prev        *frames.Image
		zoom, angle float64
		check       func(t *testing.T, got *frames.Image)
	}{
		{"identity", bright, 1, 0, func(t *testing.T, got *frames.Image) {
			assert.True(t, got.InDelta(frames.NewFilled(size, float32(mixed)), 1e-6))
		}},
		{"continuity zoom crops", bright, ContinuityZoom, 0, func(t *testing.T, got *frames.Image) {
			assert.True(t, got.InDelta(frames.NewFilled(size, float32(mixed)), 1e-5))
		}},
		{"zoom out pads with the base", bright, 0.5, 0, func(t *testing.T, got *frames.Image) {
			assert.InDelta(t, 0.5, got.Pix[got.Offset(0, 0)], 1e-6, "border comes from the base")
			assert.InDelta(t, 0.5, got.Pix[got.Offset(size-1, 2)], 1e-6, "border comes from the base")
			assert.InDelta(t, mixed, got.Pix[got.Offset(size/2, size/2)], 1e-5, "center comes from the previous frame")
		}},
		{"zero pixels come from the base", withHole, 1, 0, func(t *testing.T, got *frames.Image) {
			assert.InDelta(t, 0.5, got.Pix[holeOffset], 1e-6)
			assert.InDelta(t, mixed, got.Pix[got.Offset(3, 6)], 1e-6)
		}},
		{"rotation by the angle delta", pattern, 1, 90, func(t *testing.T, got *frames.Image) {
			for y := range size {
				for x := range size {
					src := pattern.Offset(x, size-1-y)
					dst := got.Offset(y, x)
					for c := range frames.NumChannels {
						require.InDeltaf(t, 0.3*pattern.Pix[src+c]+0.35, got.Pix[dst+c], 1e-5, "pixel (%d, %d)", y, x)
					}
				}
			}
		}},
		{"rotation exposes corners", bright, 1, 45, func(t *testing.T, got *frames.Image) {
			assert.InDelta(t, 0.5, got.Pix[got.Offset(0, 0)], 1e-6, "corner comes from the base")
			assert.InDelta(t, mixed, got.Pix[got.Offset(size/2, size/2)], 1e-5)
		}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			original := tc.prev.Clone()
			got, err := d.evolveFrame(tc.prev, base, tc.zoom, tc.angle)
			require.NoError(t, err)
			require.Equal(t, size, got.Size)
			tc.check(t, got)
			assert.True(t, tc.prev.Equal(original), "previous frame must not be modified")
		})
	}

	_, err := d.evolveFrame(bright, base, 0, 0)
	require.Error(t, err)
}

func TestPyramidLevelSize(t *testing.T) {
	assert.Equal(t, 224, PyramidLevelSize(224, 0))
	assert.Equal(t, 336, PyramidLevelSize(224, 1))
	assert.Equal(t, 504, PyramidLevelSize(224, 2))
}

func TestDream(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	d := New(backend, newFakeExtractor())
	var numReported atomic.Int32
	d.OnFrame(func(info FrameInfo) {
		assert.Equal(t, int(numReported.Load()), info.Index, "frames must be reported in order")
		numReported.Add(1)
	})
	base := testImage(MinImageSize, 0.2)
	original := base.Clone()
	cfg := testConfig()
	sequence, err := d.Dream(context.Background(), base, cfg)
	require.NoError(t, err)
	require.Len(t, sequence, cfg.Duration*cfg.FPS)
	assert.Equal(t, int32(cfg.Duration*cfg.FPS), numReported.Load())
	for ii, frame := range sequence {
		require.Equal(t, base.Size, frame.Size)
		require.NoError(t, frame.Validate())
		for _, v := range frame.Pix {
			require.Truef(t, v >= 0 && v <= 1, "frame %d has value %g out of [0, 1]", ii, v)
		}
	}
	assert.True(t, base.Equal(original), "base image must not be modified")
}

func TestDreamFrameCount(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	d := New(backend, newFakeExtractor())
	base := frames.NewFilled(MinImageSize, 0.5)
	for _, dims := range [][2]int{{1, 1}, {1, 3}, {3, 1}} {
		cfg := testConfig()
		cfg.Duration, cfg.FPS = dims[0], dims[1]
		cfg.Iterations = 0
		sequence, err := d.Dream(context.Background(), base, cfg)
		require.NoError(t, err)
		assert.Len(t, sequence, dims[0]*dims[1])
	}
}

func TestDreamPyramid(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	d := New(backend, newFakeExtractor())
	cfg := testConfig()
	cfg.Duration, cfg.FPS = 1, 1
	cfg.PyramidHeight = 2
	sequence, err := d.Dream(context.Background(), testImage(MinImageSize, 0.3), cfg)
	require.NoError(t, err)
	require.Len(t, sequence, 1)
	assert.Equal(t, MinImageSize, sequence[0].Size, "last pyramid level runs at native resolution")

	// Levels smaller than the extractor accepts are rejected.
	fe := newFakeExtractor()
	fe.minSize = 300
	_, err = New(backend, fe).Dream(context.Background(), testImage(MinImageSize, 0.3), cfg)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestDreamErrors(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	d := New(backend, newFakeExtractor())
	cfg := testConfig()

	_, err := d.Dream(context.Background(), frames.New(100), cfg)
	require.ErrorIs(t, err, ErrInvalidInput)

	cfg.FPS = 0
	_, err = d.Dream(context.Background(), frames.New(MinImageSize), cfg)
	require.ErrorIs(t, err, ErrInvalidConfig)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = d.Dream(ctx, frames.New(MinImageSize), testConfig())
	require.ErrorIs(t, err, context.Canceled)

	// Without an extractor only the camera path can be generated.
	_, err = New(backend, nil).Dream(context.Background(), frames.New(MinImageSize), testConfig())
	require.Error(t, err)
}

func TestDreamReturnBase(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	d := New(backend, nil)
	base := testImage(MinImageSize, 0.1)

	cfg1 := DefaultConfig()
	cfg1.Duration, cfg1.FPS = 2, 3
	cfg1.ReturnBase = true
	cfg2 := *cfg1
	cfg2.Iterations, cfg2.Optimizer, cfg2.LearningRate = 50, "sgd", 3
	cfg2.Jitter, cfg2.Strength, cfg2.Coherence = 2, 0.9, 7

	seq1, err := d.Dream(context.Background(), base, cfg1)
	require.NoError(t, err)
	seq2, err := d.WithParallelism(0).Dream(context.Background(), base, &cfg2)
	require.NoError(t, err)
	require.Len(t, seq1, 6)
	require.Len(t, seq2, 6)
	for ii := range seq1 {
		assert.Truef(t, seq1[ii].Equal(seq2[ii]), "frame %d differs", ii)
	}
	assert.True(t, seq1[0].Equal(base), "the camera path starts at the base image")
}

func TestLoopPad(t *testing.T) {
	base := frames.NewFilled(8, 0.5)
	first, middle, last := frames.NewFilled(8, 0), frames.NewFilled(8, 0.25), frames.NewFilled(8, 1)
	sequence := []*frames.Image{first, middle, last}

	assert.Equal(t, 1, RampLength(1))
	assert.Equal(t, 1, RampLength(3))
	assert.Equal(t, 2, RampLength(4))
	assert.Equal(t, 8, RampLength(24))

	for _, fps := range []int{1, 3, 4, 24} {
		padded, err := LoopPad(sequence, base, fps)
		require.NoError(t, err)
		numRamp := RampLength(fps)
		require.Len(t, padded, 2*numRamp+len(sequence)+1)
		assert.True(t, padded[0].Equal(base), "fps=%d: loop must start at the base image", fps)
		assert.True(t, padded[len(padded)-1].Equal(base), "fps=%d: loop must end at the base image", fps)
		assert.Same(t, middle, padded[numRamp+1])
		if numRamp > 1 {
			assert.True(t, padded[numRamp-1].InDelta(first, 1e-6), "fps=%d: ramp in must reach the first frame", fps)
			assert.True(t, padded[numRamp+len(sequence)].InDelta(last, 1e-6), "fps=%d: ramp out must start at the last frame", fps)
		}
	}
	_, err := LoopPad(nil, base, 24)
	require.Error(t, err)
}

func TestCrossBlend(t *testing.T) {
	sequence := []*frames.Image{frames.NewFilled(4, 0), frames.NewFilled(4, 0.4), frames.NewFilled(4, 1)}
	blended, err := CrossBlend(sequence, 0)
	require.NoError(t, err)
	for ii := range sequence {
		assert.True(t, blended[ii].Equal(sequence[ii]))
	}

	blended, err = CrossBlend(sequence, 0.25)
	require.NoError(t, err)
	assert.True(t, blended[0].InDelta(frames.NewFilled(4, 0.25), 1e-6), "first frame is blended with the last")
	assert.True(t, blended[1].InDelta(frames.NewFilled(4, 0.3), 1e-6))
	assert.True(t, blended[2].InDelta(frames.NewFilled(4, 0.85), 1e-6))
	assert.True(t, sequence[1].Equal(frames.NewFilled(4, 0.4)), "input must not be modified")

	_, err = CrossBlend(sequence, 1.1)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestPostProcess(t *testing.T) {
	base := frames.NewFilled(8, 0.5)
	sequence := make([]*frames.Image, 12)
	for ii := range sequence {
		sequence[ii] = frames.NewFilled(8, float32(ii)/12)
	}
	const fps = 6
	output, err := PostProcess(sequence, base, fps, 0.85)
	require.NoError(t, err)
	require.Len(t, output, 2*RampLength(fps)+len(sequence)+1)
	for _, frame := range output {
		require.Len(t, frame, 8*8*3)
	}
}

func TestAnimateEndToEnd(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	d := New(backend, newFakeExtractor())
	base := frames.NewFilled(MinImageSize, 0.4)
	cfg := testConfig()
	cfg.Iterations = 0
	cfg.Jitter, cfg.Strength, cfg.Coherence = 0, 1, 0
	output, err := d.Animate(context.Background(), base, cfg)
	require.NoError(t, err)
	require.Len(t, output, 2*RampLength(cfg.FPS)+cfg.NumFrames()+1)
	for _, frame := range output {
		require.Len(t, frame, MinImageSize*MinImageSize*3)
	}
}

func TestAnimateFromImage(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	src := patternImage(MinImageSize, MinImageSize)
	base, err := BaseFromImage(src)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Duration, cfg.FPS = 1, 3
	cfg.ReturnBase = true
	sequence, err := New(backend, nil).Dream(context.Background(), base, cfg)
	require.NoError(t, err)
	output, err := PostProcess(sequence, base, cfg.FPS, cfg.Blend)
	require.NoError(t, err)
	require.Len(t, output, 2*RampLength(cfg.FPS)+cfg.NumFrames()+1)

	// The loop starts at the base image: blended with the last frame, which is the base too.
	first := output[0]
	require.Len(t, first, MinImageSize*MinImageSize*3)
	for _, pos := range [][2]int{{0, 0}, {10, 200}, {150, 30}, {223, 223}} {
		y, x := pos[0], pos[1]
		offset := (y*MinImageSize + x) * 3
		assert.Equal(t, []byte{uint8(x), uint8(y), 128}, first[offset:offset+3], "pixel (%d, %d)", y, x)
	}
}

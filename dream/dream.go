// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dream generates looping "deep dream" animations from a single still image.
//
// A camera flies into the image (zooming and rotating a full turn), and each frame is refined by
// gradient ascent on the activations of a pretrained feature extractor (see package extractor), so
// the features it detects are amplified. Each frame starts from the previous one, so the dream
// evolves continuously, and the amplified level of features morphs slowly along the animation (see
// Scheduler).
//
// Example:
//
//	fe := must.M1(extractor.Default(backend, dataDir))
//	d := dream.New(backend, fe)
//	cfg := dream.DefaultConfig()
//	sequence := must.M1(d.Animate(ctx, base, cfg))
//	must.M(encoder.WriteFile("dream.gif", base.Size, sequence, cfg.FPS))
package dream

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/haloopinate/extractor"
	"github.com/gomlx/haloopinate/frames"
	"github.com/gomlx/haloopinate/internal/workerspool"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// FrameInfo describes a frame just generated, and it's passed to the FrameHook functions.
type FrameInfo struct {
	// Index of the frame, in [0, NumFrames).
	Index, NumFrames int

	// Time of the frame in the camera path, in [0, 1].
	Time float64

	Params CameraParams

	// Elapsed time since the start of the generation.
	Elapsed time.Duration
}

// FrameHook is called after each frame is generated. Frames may be reported out of order when
// Config.ReturnBase is set, but hooks are never called concurrently.
type FrameHook func(info FrameInfo)

// Dreamer generates the frames of an animation. It can be used for concurrent generations, each one
// owning its own continuity and optimization state.
type Dreamer struct {
	backend   backends.Backend
	extractor extractor.FeatureExtractor
	optimizer *Optimizer
	resizer   *resizer
	pool      *workerspool.Pool

	hooksMu sync.Mutex
	hooks   []FrameHook
}

// New creates a Dreamer using the given feature extractor.
//
// fe can be nil, in which case only Config.ReturnBase generations (camera path only) are possible.
func New(backend backends.Backend, fe extractor.FeatureExtractor) *Dreamer {
	d := &Dreamer{
		backend:   backend,
		extractor: fe,
		resizer:   newResizer(backend),
		pool:      workerspool.New(),
	}
	if fe != nil {
		d.optimizer = NewOptimizer(backend, fe)
	}
	return d
}

// WithParallelism sets the number of frames rendered in parallel when only the camera path is
// generated (Config.ReturnBase). The default is the number of CPUs, 0 renders them inline.
func (d *Dreamer) WithParallelism(maxParallelism int) *Dreamer {
	d.pool = workerspool.NewWithParallelism(maxParallelism)
	return d
}

// OnFrame adds a hook called after each frame is generated.
func (d *Dreamer) OnFrame(hook FrameHook) *Dreamer {
	d.hooksMu.Lock()
	defer d.hooksMu.Unlock()
	d.hooks = append(d.hooks, hook)
	return d
}

func (d *Dreamer) reportFrame(info FrameInfo) {
	d.hooksMu.Lock()
	defer d.hooksMu.Unlock()
	for _, hook := range d.hooks {
		hook(info)
	}
}

// PyramidLevelSize returns the image side at the given pyramid level: round(size * PyramidScale^level).
// Level 0 is the native resolution.
func PyramidLevelSize(size, level int) int {
	return int(math.Round(float64(size) * math.Pow(PyramidScale, float64(level))))
}

// seedStream is the second half of the PCG seed, the first being Config.Seed.
const seedStream = 0x68616c6f6f70

// continuity is the state carried from one frame to the next.
type continuity struct {
	frame     *frames.Image
	params    CameraParams
	scheduler *Scheduler
}

// Dream generates the cfg.Duration*cfg.FPS frames of the animation of base. The base image itself
// is not included (see PostProcess to close the loop).
//
// ctx is checked before each frame, and if it is done, ctx.Err() is returned.
func (d *Dreamer) Dream(ctx context.Context, base *frames.Image, cfg *Config) ([]*frames.Image, error) {
	if err := ValidateBase(base); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ReturnBase {
		return d.cameraPath(ctx, base, cfg)
	}
	if d.extractor == nil {
		return nil, errors.New("a feature extractor is required to dream, only the camera path (ReturnBase) can be generated without one")
	}
	for level := range cfg.PyramidHeight {
		if size := PyramidLevelSize(base.Size, level); size < d.extractor.MinImageSize() {
			return nil, errors.Wrapf(ErrInvalidConfig, "pyramid level %d has size %d, smaller than the extractor minimum %d",
				level, size, d.extractor.MinImageSize())
		}
	}

	numFrames := cfg.NumFrames()
	ts := TimeAxis(numFrames)
	rng := rand.New(rand.NewPCG(cfg.Seed, seedStream))
	state := &continuity{
		frame:     base,
		params:    CameraParams{Zoom: 1, Angle: 0},
		scheduler: NewScheduler(rng, d.extractor.NumLevels(), cfg.FPS, cfg.Duration),
	}
	params := AscentParams{
		Iterations:   cfg.Iterations,
		Rule:         cfg.Optimizer,
		LearningRate: cfg.LearningRate,
		Jitter:       cfg.Jitter,
		Coherence:    cfg.Coherence,
	}
	if cfg.Verbose {
		klog.Infof("Dreaming %d frames of %dx%d: %s", numFrames, base.Size, base.Size, cfg)
	}

	start := time.Now()
	sequence := make([]*frames.Image, 0, numFrames)
	for segment := range cfg.Duration {
		for frameIdx := range cfg.FPS {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			idx := segment*cfg.FPS + frameIdx
			t := ts[idx]
			baseFrame, cameraParams, err := CameraTransform(base, t)
			if err != nil {
				return nil, err
			}
			frame, err := d.evolveFrame(state.frame, baseFrame, ContinuityZoom, cameraParams.Angle-state.params.Angle)
			if err != nil {
				return nil, errors.WithMessagef(err, "frame %d", idx)
			}

			weights := state.scheduler.Weights(frameIdx)
			params.Strength = StrengthSchedule(t, cfg.Strength)
			for level := cfg.PyramidHeight - 1; level >= 0; level-- {
				size := PyramidLevelSize(base.Size, level)
				levelFrame, err := d.resizer.Resize(frame, size)
				if err != nil {
					return nil, err
				}
				levelBase, err := d.resizer.Resize(baseFrame, size)
				if err != nil {
					return nil, err
				}
				frame, err = d.optimizer.Ascend(rng, levelFrame, levelBase, weights, params)
				if err != nil {
					return nil, errors.WithMessagef(err, "frame %d, pyramid level %d", idx, level)
				}
			}

			sequence = append(sequence, frame)
			state.frame, state.params = frame, cameraParams
			info := FrameInfo{Index: idx, NumFrames: numFrames, Time: t, Params: cameraParams, Elapsed: time.Since(start)}
			if cfg.Verbose {
				klog.Infof("frame %d/%d: t=%.3f camera=%s weights=%.2v strength=%.4f (%s)",
					idx+1, numFrames, t, cameraParams, weights, params.Strength, info.Elapsed)
			}
			d.reportFrame(info)
		}
		state.scheduler.Advance()
	}
	return sequence, nil
}

// evolveFrame derives the starting point of the next frame from the previous one: it is scaled by
// zoom, rotated by deltaAngle, its uncovered borders are filled from baseFrame, and finally it is
// mixed with baseFrame (weighted by ReanchorFrameWeight), so the dream doesn't drift away from the
// base image.
//
// The previous frame stays in float precision through all of it.
func (d *Dreamer) evolveFrame(prev, baseFrame *frames.Image, zoom, deltaAngle float64) (*frames.Image, error) {
	if !(zoom > 0) || math.IsInf(zoom, 0) {
		return nil, errors.Errorf("invalid zoom %g", zoom)
	}
	zoomed, err := d.resizer.Resize(prev, int(math.Ceil(float64(prev.Size)*zoom)))
	if err != nil {
		return nil, err
	}
	frame, err := frames.FitCenter(zoomed, baseFrame.Size)
	if err != nil {
		return nil, err
	}
	frame = frames.RotatePrecise(frame, deltaAngle)
	frame, err = frames.ReplaceZeros(frame, baseFrame)
	if err != nil {
		return nil, err
	}
	return frames.Mix(frame, ReanchorFrameWeight, baseFrame, 1-ReanchorFrameWeight)
}

// cameraPath renders only the camera path over base, in parallel.
func (d *Dreamer) cameraPath(ctx context.Context, base *frames.Image, cfg *Config) ([]*frames.Image, error) {
	numFrames := cfg.NumFrames()
	ts := TimeAxis(numFrames)
	sequence := make([]*frames.Image, numFrames)
	start := time.Now()
	err := d.pool.Run(ctx, numFrames, func(idx int) error {
		frame, params, err := CameraTransform(base, ts[idx])
		if err != nil {
			return err
		}
		sequence[idx] = frame
		if cfg.Verbose {
			klog.Infof("camera frame %d/%d: t=%.3f camera=%s", idx+1, numFrames, ts[idx], params)
		}
		d.reportFrame(FrameInfo{Index: idx, NumFrames: numFrames, Time: ts[idx], Params: params, Elapsed: time.Since(start)})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sequence, nil
}

// Animate generates the frames with Dream and post-processes them (see PostProcess) into the 8-bit
// frames of a seamless loop, ready to be encoded.
func (d *Dreamer) Animate(ctx context.Context, base *frames.Image, cfg *Config) ([][]byte, error) {
	sequence, err := d.Dream(ctx, base, cfg)
	if err != nil {
		return nil, err
	}
	return PostProcess(sequence, base, cfg.FPS, cfg.Blend)
}

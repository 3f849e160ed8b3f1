// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// haloopinate generates a looping deep dream GIF from a square image.
//
// Usage:
//
//	haloopinate -image=photo.png -export=dream.gif [-duration=6] [-fps=24] [-debug] ...
//
// The InceptionV3 weights are downloaded to -data on the first run.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/haloopinate/dream"
	"github.com/gomlx/haloopinate/encoder"
	"github.com/gomlx/haloopinate/extractor"
	"github.com/gomlx/haloopinate/frames"
	"github.com/gomlx/haloopinate/ui/commandline"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var defaults = dream.DefaultConfig()

var (
	flagImagePath  = flag.String("image", "", "Path to the base image: square, PNG, JPEG, GIF or WebP, at least 224x224.")
	flagExportPath = flag.String("export", "haloopinated.gif", "Path where to write the animated GIF.")
	flagDataDir    = flag.String("data", "~/.cache/gomlx/inceptionv3", "Directory where to download and load the InceptionV3 weights.")

	flagDuration      = flag.Int("duration", defaults.Duration, "Duration of the dream in seconds, before the loop padding.")
	flagFPS           = flag.Int("fps", defaults.FPS, "Frames per second.")
	flagIterations    = flag.Int("dream_num_iterations", defaults.Iterations, "Gradient ascent steps per pyramid level per frame.")
	flagOptimizer     = flag.String("dream_optimizer", defaults.Optimizer, "Update rule: \"sgd\" or \"adam\".")
	flagLearningRate  = flag.Float64("dream_lr", defaults.LearningRate, "Learning rate of the update rule.")
	flagPyramidHeight = flag.Int("dream_pyramid_height", defaults.PyramidHeight, "Number of resolutions each frame is refined at.")
	flagJitter        = flag.Float64("dream_jitter", defaults.Jitter, "Standard deviation of the noise added to the activation weights.")
	flagStrength      = flag.Float64("dream_strength", defaults.Strength, "Peak strength of the dream, in (0, 1].")
	flagCoherence     = flag.Float64("dream_coherence", defaults.Coherence, "Weight of the penalty on the drift of each frame during its optimization.")
	flagBlend         = flag.Float64("blend", defaults.Blend, "Weight of the previous frame in the temporal blend, in [0, 1].")
	flagSeed          = flag.Uint64("seed", defaults.Seed, "Seed of the random number generator.")
	flagDebug         = flag.Bool("debug", false, "Only render the camera path over the base image, without dreaming.")
	flagVerbose       = flag.Bool("verbose", false, "Log details of each frame.")
	flagProgress      = flag.Bool("progress", true, "Display a progress bar.")
)

// configFromFlags returns the dream configuration set by the flags.
func configFromFlags() *dream.Config {
	return &dream.Config{
		Duration:      *flagDuration,
		FPS:           *flagFPS,
		Iterations:    *flagIterations,
		Optimizer:     *flagOptimizer,
		LearningRate:  *flagLearningRate,
		PyramidHeight: *flagPyramidHeight,
		Jitter:        *flagJitter,
		Strength:      *flagStrength,
		Coherence:     *flagCoherence,
		Blend:         *flagBlend,
		ReturnBase:    *flagDebug,
		Verbose:       *flagVerbose,
		Seed:          *flagSeed,
	}
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagImagePath == "" {
		klog.Errorf("Missing -image. See 'haloopinate -help'.")
		os.Exit(1)
	}
	cfg := configFromFlags()
	if err := cfg.Validate(); err != nil {
		klog.Fatalf("%v", err)
	}

	base, err := loadBase(*flagImagePath)
	if err != nil {
		klog.Fatalf("%+v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	backend := backends.MustNew()
	klog.V(1).Infof("Backend: %s", backend.Description())
	var fe extractor.FeatureExtractor
	if !cfg.ReturnBase {
		fe = must.M1(extractor.Default(backend, must.M1(expandHome(*flagDataDir))))
	}
	d := dream.New(backend, fe)
	var pBar *commandline.ProgressBar
	if *flagProgress {
		pBar = commandline.AttachProgressBar(d, cfg.NumFrames())
	}

	start := time.Now()
	sequence, err := d.Animate(ctx, base, cfg)
	if pBar != nil {
		pBar.Done()
	}
	if err != nil {
		klog.Fatalf("Failed to generate dream: %+v", err)
	}
	must.M(encoder.WriteFile(*flagExportPath, base.Size, sequence, cfg.FPS))
	fmt.Printf("Wrote %d frames to %q in %s\n", len(sequence), *flagExportPath, commandline.FormatDuration(time.Since(start)))
}

// loadBase reads and validates the base image.
func loadBase(imagePath string) (*frames.Image, error) {
	img, err := frames.Load(imagePath)
	if err != nil {
		return nil, err
	}
	return dream.BaseFromImage(img)
}

// expandHome replaces a leading "~" in dir by the user's home directory.
func expandHome(dir string) (string, error) {
	if len(dir) == 0 || dir[0] != '~' {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return home + dir[1:], nil
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// haloopinate_server serves POST /generate: it takes a multipart upload with an "image" field and
// returns the animated GIF of its dream.
//
// By default only the camera path is rendered (fast). Pass the query parameter "debug=false" for
// the full dream.
package main

import (
	"flag"
	"net/http"

	"github.com/gomlx/gomlx/backends"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagAddr          = flag.String("addr", ":5000", "Address to listen on.")
	flagDataDir       = flag.String("data", "/tmp/gomlx_inceptionv3", "Directory where to download and load the InceptionV3 weights.")
	flagMaxConcurrent = flag.Int("max_concurrent", 2, "Maximum number of generations running at the same time.")
	flagRateLimit     = flag.Int("rate_limit", 10, "Maximum number of requests per minute per client IP.")
	flagDuration      = flag.Int("duration", 6, "Duration of the dreams in seconds.")
	flagFPS           = flag.Int("fps", 24, "Frames per second of the dreams.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	backend := backends.MustNew()
	s := NewServer(backend, *flagDataDir, *flagMaxConcurrent)
	s.RequestsPerMinute = *flagRateLimit
	s.Config.Duration = *flagDuration
	s.Config.FPS = *flagFPS
	must.M(s.Config.Validate())

	klog.Infof("Listening on %v (backend %s)", *flagAddr, backend.Description())
	if err := http.ListenAndServe(*flagAddr, s.Handler()); err != nil {
		klog.Fatalf("Server failed: %v", err)
	}
}

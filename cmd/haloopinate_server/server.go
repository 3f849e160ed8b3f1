// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/httprate"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/haloopinate/dream"
	"github.com/gomlx/haloopinate/encoder"
	"github.com/gomlx/haloopinate/extractor"
	"github.com/gomlx/haloopinate/frames"
	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Server handles the uploads of images and returns their dreams.
type Server struct {
	backend backends.Backend
	dataDir string

	// Config is the base configuration of the generations: the request can only change ReturnBase and Seed.
	Config *dream.Config

	// MaxUploadBytes is the limit on the size of the uploaded image.
	MaxUploadBytes int64

	// RequestsPerMinute is the limit of requests per client IP.
	RequestsPerMinute int

	// camera renders only the camera path and doesn't need the extractor.
	camera *dream.Dreamer

	dreamerMu sync.Mutex
	dreamer   *dream.Dreamer

	// generations is a semaphore bounding the concurrent generations.
	generations chan struct{}
}

// NewServer creates a server running at most maxConcurrent generations at a time.
// The extractor weights are loaded from dataDir on the first full dream requested.
func NewServer(backend backends.Backend, dataDir string, maxConcurrent int) *Server {
	cfg := dream.DefaultConfig()
	cfg.ReturnBase = true
	return &Server{
		backend:           backend,
		dataDir:           dataDir,
		Config:            cfg,
		MaxUploadBytes:    32 << 20,
		RequestsPerMinute: 10,
		camera:            dream.New(backend, nil),
		generations:       make(chan struct{}, max(maxConcurrent, 1)),
	}
}

// Handler returns the http.Handler with the server routes, rate limited per client IP.
func (s *Server) Handler() http.Handler {
	router := httprouter.New()
	router.POST("/generate", s.httpGenerate)
	router.OPTIONS("/generate", s.httpPreflight)
	limited := httprate.Limit(s.RequestsPerMinute, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP))
	return limited(router)
}

// fullDreamer returns the Dreamer with the feature extractor, loading it on the first call.
func (s *Server) fullDreamer() (*dream.Dreamer, error) {
	s.dreamerMu.Lock()
	defer s.dreamerMu.Unlock()
	if s.dreamer != nil {
		return s.dreamer, nil
	}
	fe, err := extractor.Default(s.backend, s.dataDir)
	if err != nil {
		return nil, err
	}
	s.dreamer = dream.New(s.backend, fe)
	return s.dreamer, nil
}

func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

func (s *Server) httpPreflight(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	setCORSHeaders(w)
	w.WriteHeader(http.StatusNoContent)
}

// requestConfig returns the configuration for the request: the "debug" query parameter (default true)
// selects the camera path only, and "seed" changes the random seed.
func (s *Server) requestConfig(r *http.Request) (*dream.Config, error) {
	cfg := *s.Config
	query := r.URL.Query()
	if v := query.Get("debug"); v != "" {
		debug, err := strconv.ParseBool(v)
		if err != nil {
			return nil, errors.Wrapf(dream.ErrInvalidConfig, "invalid debug value %q", v)
		}
		cfg.ReturnBase = debug
	}
	if v := query.Get("seed"); v != "" {
		seed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(dream.ErrInvalidConfig, "invalid seed value %q", v)
		}
		cfg.Seed = seed
	}
	return &cfg, nil
}

func (s *Server) httpGenerate(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	requestID := uuid.NewString()
	w.Header().Set("X-Request-Id", requestID)
	setCORSHeaders(w)

	cfg, err := s.requestConfig(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	base, err := s.readBase(w, r)
	if err != nil {
		klog.V(1).Infof("request %s: bad upload: %v", requestID, err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	d := s.camera
	if !cfg.ReturnBase {
		d, err = s.fullDreamer()
		if err != nil {
			klog.Errorf("request %s: failed to load the feature extractor: %+v", requestID, err)
			http.Error(w, "feature extractor not available", http.StatusInternalServerError)
			return
		}
	}

	select {
	case s.generations <- struct{}{}:
		defer func() { <-s.generations }()
	case <-r.Context().Done():
		return
	}

	start := time.Now()
	sequence, err := d.Animate(r.Context(), base, cfg)
	if err != nil {
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			klog.V(1).Infof("request %s: canceled", requestID)
		case errors.Is(err, dream.ErrInvalidInput), errors.Is(err, dream.ErrInvalidConfig):
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			klog.Errorf("request %s: generation failed: %+v", requestID, err)
			http.Error(w, "generation failed", http.StatusInternalServerError)
		}
		return
	}
	var buf bytes.Buffer
	if err := encoder.NewGIF(cfg.FPS).Encode(&buf, base.Size, sequence); err != nil {
		klog.Errorf("request %s: encoding failed: %+v", requestID, err)
		http.Error(w, "encoding failed", http.StatusInternalServerError)
		return
	}
	klog.Infof("request %s: %d frames of %dx%d (return_base=%v) in %s",
		requestID, len(sequence), base.Size, base.Size, cfg.ReturnBase, time.Since(start))
	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	_, _ = w.Write(buf.Bytes())
}

// readBase reads the uploaded "image" form file and converts it to a valid base image.
func (s *Server) readBase(w http.ResponseWriter, r *http.Request) (*frames.Image, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.MaxUploadBytes)
	file, _, err := r.FormFile("image")
	if err != nil {
		return nil, errors.Wrap(err, "missing \"image\" upload")
	}
	defer func() { _ = file.Close() }()
	img, err := frames.Decode(file)
	if err != nil {
		return nil, err
	}
	return dream.BaseFromImage(img)
}

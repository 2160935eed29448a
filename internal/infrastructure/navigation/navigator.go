// Package navigation implements domain.Navigator for the process hosting the session.
package navigation

import (
	"context"
	"log/slog"
	"sync"
)

type recorderKey struct{}

// Recorder captures the hard navigation requested while serving one request.
type Recorder struct {
	mu    sync.Mutex
	path  string
	count int
}

// WithRecorder returns a context whose navigations are captured by the returned Recorder.
func WithRecorder(ctx context.Context) (context.Context, *Recorder) {
	r := &Recorder{}
	return context.WithValue(ctx, recorderKey{}, r), r
}

// Target returns the last requested path and whether any navigation was requested.
func (r *Recorder) Target() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.path, r.count > 0
}

// Count returns how many navigations were requested.
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

func (r *Recorder) record(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.path = path
	r.count++
}

// Navigator routes hard navigations to the request's Recorder, if any, and to
// an optional process-wide hook (the CLI uses it to reset its view).
type Navigator struct {
	logger *slog.Logger
	hook   func(path string)
}

// New creates a Navigator. hook may be nil.
func New(logger *slog.Logger, hook func(path string)) *Navigator {
	return &Navigator{logger: logger, hook: hook}
}

// HardNavigate implements domain.Navigator.
func (n *Navigator) HardNavigate(ctx context.Context, path string) {
	if r, ok := ctx.Value(recorderKey{}).(*Recorder); ok {
		r.record(path)
	}
	n.logger.InfoContext(ctx, "hard navigation", "path", path)
	if n.hook != nil {
		n.hook(path)
	}
}

// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package allocwatch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/mmap"
)

// DefaultSegmentName is the POSIX shared-memory name the
// allocator agent creates its ring under.
const DefaultSegmentName = "ml_advanced_leak_detection"

const shmDir = "/dev/shm"

var (
	// ErrSegmentNotFound indicates that the producer has not
	// created the segment or has not sized it yet.
	ErrSegmentNotFound = errors.New("segment not found")

	// ErrAttach matches any *AttachError.
	ErrAttach = errors.New("attach failed")
)

// AttachError is returned for failures to open or map a segment
// other than the segment not existing.
type AttachError struct {
	Path string
	Err  error
}

func (e *AttachError) Error() string {
	return fmt.Sprintf("attaching %s: %v", e.Path, e.Err)
}

func (e *AttachError) Unwrap() error {
	return e.Err
}

func (e *AttachError) Is(target error) bool {
	return target == ErrAttach
}

// SegmentPath returns the filesystem path backing the shared-memory
// object name. Bare names, with or without a leading slash, live
// under /dev/shm; anything else is taken to be a path already.
func SegmentPath(name string) string {
	trimmed := strings.TrimPrefix(name, "/")
	if strings.ContainsRune(trimmed, '/') {
		return name
	}
	return filepath.Join(shmDir, trimmed)
}

// AttachOption is a configuration option for Attach.
type AttachOption func(cfg *attachConfig)

type attachConfig struct {
	retries int
	delay   time.Duration
	layout  Layout
	logger  log.FieldLogger
}

// WithRetries sets the number of attempts made while the segment
// does not exist. Values below 1 mean a single attempt.
func WithRetries(n int) AttachOption {
	return func(cfg *attachConfig) {
		cfg.retries = n
	}
}

// WithDelay sets the pause between attempts.
func WithDelay(d time.Duration) AttachOption {
	return func(cfg *attachConfig) {
		cfg.delay = d
	}
}

// WithLayout sets the layout the segment is expected to have.
func WithLayout(l Layout) AttachOption {
	return func(cfg *attachConfig) {
		cfg.layout = l
	}
}

// WithLogger sets the logger used to report attach attempts.
func WithLogger(l log.FieldLogger) AttachOption {
	return func(cfg *attachConfig) {
		cfg.logger = l
	}
}

// Segment is a read-only mapping of the producer's shared-memory
// segment. It must be released with Close.
type Segment struct {
	path   string
	layout Layout
	r      *mmap.ReaderAt

	closeOnce sync.Once
	closeErr  error
}

// Attach maps the segment with the given name.
//
// While the segment does not exist, or exists but has not been sized
// yet, Attach retries with a fixed delay and finally fails with an error
// matching ErrSegmentNotFound. Any other failure, including a segment
// smaller than the layout requires, is returned immediately as an
// *AttachError.
func Attach(ctx context.Context, name string, options ...AttachOption) (*Segment, error) {
	cfg := attachConfig{
		retries: 10,
		delay:   500 * time.Millisecond,
		layout:  DefaultLayout,
		logger:  log.StandardLogger(),
	}
	for _, opt := range options {
		opt(&cfg)
	}
	if err := cfg.layout.Validate(); err != nil {
		return nil, err
	}
	if cfg.retries < 1 {
		cfg.retries = 1
	}

	path := SegmentPath(name)
	for attempt := 1; ; attempt++ {
		seg, err := openSegment(path, cfg.layout)
		if err == nil {
			cfg.logger.WithFields(log.Fields{
				"path": path,
				"size": seg.Len(),
			}).Info("attached to shared memory segment")
			return seg, nil
		}
		if !errors.Is(err, ErrSegmentNotFound) {
			return nil, err
		}
		if attempt >= cfg.retries {
			return nil, fmt.Errorf("giving up after %d attempts: %w", attempt, err)
		}
		cfg.logger.WithFields(log.Fields{
			"attempt": attempt,
			"retries": cfg.retries,
		}).Info("waiting for producer to create segment")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(cfg.delay):
		}
	}
}

func openSegment(path string, l Layout) (*Segment, error) {
	r, err := mmap.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrSegmentNotFound, path)
	}
	if err != nil {
		return nil, &AttachError{Path: path, Err: err}
	}
	n := r.Len()
	if n == 0 {
		// Created but not yet sized by the producer.
		r.Close()
		return nil, fmt.Errorf("%w: %s is empty", ErrSegmentNotFound, path)
	}
	if want := l.SegmentSize(); int64(n) < want {
		r.Close()
		return nil, &AttachError{Path: path, Err: fmt.Errorf("segment is %d bytes, want at least %d", n, want)}
	}
	return &Segment{
		path:   path,
		layout: l,
		r:      r,
	}, nil
}

// Path returns the filesystem path of the segment.
func (s *Segment) Path() string {
	return s.path
}

// Layout returns the layout the segment was attached with.
func (s *Segment) Layout() Layout {
	return s.layout
}

// Len returns the size of the mapping in bytes.
func (s *Segment) Len() int {
	return s.r.Len()
}

// ReadAt implements the io.ReaderAt interface.
func (s *Segment) ReadAt(p []byte, off int64) (int, error) {
	return s.r.ReadAt(p, off)
}

// Reader returns a new Reader over the segment, with its
// cursor at the first event ever produced.
func (s *Segment) Reader() *Reader {
	return NewReader(s, s.layout)
}

// Close releases the mapping. It is safe to call more than once;
// only the first call has an effect.
func (s *Segment) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.r.Close()
	})
	return s.closeErr
}

// Package periodic runs a callback at a fixed period on
// its own goroutine until stopped.
package periodic

import (
	"sync"
	"time"
)

// Option is a configuration option for a Runner.
type Option func(cfg *runnerCfg)

// Period returns a new configuration option that sets
// the period between calls.
func Period(p time.Duration) Option {
	return func(cfg *runnerCfg) {
		cfg.period = p
	}
}

// Final returns a new configuration option that makes Stop
// call the callback one last time before returning.
func Final() Option {
	return func(cfg *runnerCfg) {
		cfg.final = true
	}
}

type runnerCfg struct {
	period time.Duration
	final  bool
}

// Runner calls a function periodically.
type Runner struct {
	fn  func()
	cfg runnerCfg

	mu      sync.Mutex
	running bool
	done    chan struct{}
}

// Start creates a Runner calling fn every period, the first time
// after one period has elapsed.
//
// The default period is 10 seconds.
func Start(fn func(), options ...Option) *Runner {
	cfg := runnerCfg{
		period: 10 * time.Second,
	}
	for _, opt := range options {
		opt(&cfg)
	}
	r := &Runner{
		fn:      fn,
		cfg:     cfg,
		running: true,
		done:    make(chan struct{}),
	}
	go r.loop()
	return r
}

func (r *Runner) loop() {
	for {
		select {
		case <-r.done:
			close(r.done)
			return
		case <-time.After(r.cfg.period):
		}
		r.fn()
	}
}

// Stop stops the Runner. Once Stop returns, fn is not running
// and will not be called again, except for the final call if
// the Final option was given.
//
// Calling Stop more than once has no further effect.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	r.running = false

	r.done <- struct{}{}
	<-r.done
	if r.cfg.final {
		r.fn()
	}
}

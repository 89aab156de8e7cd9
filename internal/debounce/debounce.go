// Package debounce collapses bursts of remote change events into a single refetch.
//
// A Debouncer is either idle or armed. Schedule arms it; further calls while armed
// are no-ops and do not push the deadline back, so a continuous burst still
// resolves within one window. When the timer fires the Debouncer disarms and then
// runs the refetch callback.
package debounce

import (
	"log"
	"os"
	"sync"
	"time"
)

// DefaultWindow is the coalescing window used when Config.Window is zero.
const DefaultWindow = 300 * time.Millisecond

// Timer is a pending callback that can be cancelled.
type Timer interface {
	Stop() bool
}

// Clock schedules callbacks. The real clock is time.AfterFunc; tests inject a fake.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// RealClock returns the wall-clock implementation.
func RealClock() Clock {
	return realClock{}
}

// Config holds configuration for a Debouncer.
type Config struct {
	// Window is how long to wait after the first event before refetching.
	Window time.Duration

	// Clock schedules the timer (default: wall clock)
	Clock Clock

	// Logger for debounce activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Window: DefaultWindow,
		Clock:  RealClock(),
		Logger: log.New(os.Stderr, "[debounce] ", log.LstdFlags),
	}
}

// Debouncer holds an armed flag and a single pending callback.
type Debouncer struct {
	name   string
	fn     func()
	config *Config

	mu    sync.Mutex
	armed bool
	timer Timer
	fired int
}

// New creates a Debouncer that runs fn at most once per window.
func New(name string, fn func()) *Debouncer {
	return NewWithConfig(name, fn, DefaultConfig())
}

// NewWithConfig creates a Debouncer with custom configuration.
func NewWithConfig(name string, fn func(), config *Config) *Debouncer {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Window <= 0 {
		config.Window = DefaultWindow
	}
	if config.Clock == nil {
		config.Clock = RealClock()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[debounce] ", log.LstdFlags)
	}
	return &Debouncer{
		name:   name,
		fn:     fn,
		config: config,
	}
}

// Schedule arms the timer if it is not already armed.
func (d *Debouncer) Schedule() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.armed {
		return
	}
	d.armed = true
	d.timer = d.config.Clock.AfterFunc(d.config.Window, d.fire)
}

func (d *Debouncer) fire() {
	d.mu.Lock()
	if !d.armed {
		d.mu.Unlock()
		return
	}
	d.armed = false
	d.timer = nil
	d.fired++
	d.mu.Unlock()

	d.config.Logger.Printf("Refetching %s", d.name)
	d.fn()
}

// Flush runs the pending callback immediately if armed.
func (d *Debouncer) Flush() {
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.mu.Unlock()
	d.fire()
}

// Stop disarms without running the callback.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.armed = false
}

// Armed reports whether a refetch is pending.
func (d *Debouncer) Armed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.armed
}

// Fired returns how many times the callback has run.
func (d *Debouncer) Fired() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fired
}

package playback

import (
	"errors"
	"fmt"
	"sync"

	"sdvault/internal/transport"
)

// ErrChannelBusy is returned when a viewer starts a playback while another
// one is still running.
var ErrChannelBusy = errors.New("playback channel busy")

// Status is the state of one playback.
type Status int

const (
	StatusIdle Status = iota
	StatusPlay
	StatusPause
	StatusStop
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusPlay:
		return "play"
	case StatusPause:
		return "pause"
	case StatusStop:
		return "stop"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// run is one playback on its own channel. STOP is terminal; a new START
// creates a new run.
type run struct {
	ch     transport.ChannelID
	rng    TimeRange
	mu     sync.Mutex
	status Status
	resume chan struct{} // closed to wake a paused delivery loop
	done   chan struct{} // closed when the delivery loop exits
}

func newRun(ch transport.ChannelID, rng TimeRange) *run {
	return &run{ch: ch, rng: rng, status: StatusPlay, done: make(chan struct{})}
}

func (r *run) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// togglePause flips PLAY and PAUSE and returns the new status. Other states
// are left alone and report false.
func (r *run) togglePause() (Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.status {
	case StatusPlay:
		r.status = StatusPause
		r.resume = make(chan struct{})
	case StatusPause:
		r.status = StatusPlay
		close(r.resume)
		r.resume = nil
	default:
		return r.status, false
	}
	return r.status, true
}

// stop moves the run to STOP. It reports whether the run was still live.
func (r *run) stop() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status == StatusStop {
		return false
	}
	if r.resume != nil {
		close(r.resume)
		r.resume = nil
	}
	r.status = StatusStop
	return true
}

// proceed blocks while paused and reports whether delivery may continue.
func (r *run) proceed() bool {
	for {
		r.mu.Lock()
		status, resume := r.status, r.resume
		r.mu.Unlock()
		switch status {
		case StatusPlay:
			return true
		case StatusPause:
			<-resume
		default:
			return false
		}
	}
}

// Client is one connected viewer.
type Client struct {
	sid     transport.SessionID
	control transport.ChannelID

	mu     sync.Mutex
	active *run
}

// Status reports the state of the viewer's playback, idle when none runs.
func (c *Client) Status() Status {
	c.mu.Lock()
	r := c.active
	c.mu.Unlock()
	if r == nil {
		return StatusIdle
	}
	return r.Status()
}

func (c *Client) current() *run {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// claim installs r as the active run unless one already exists.
func (c *Client) claim(r *run) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil {
		return fmt.Errorf("%w: channel %d", ErrChannelBusy, c.active.ch)
	}
	c.active = r
	return nil
}

func (c *Client) release(r *run) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == r {
		c.active = nil
	}
}

// stopAndWait stops the active run, if any, and waits for its delivery loop.
func (c *Client) stopAndWait() {
	if r := c.current(); r != nil {
		r.stop()
		<-r.done
	}
}

package advisory

import (
	"sync"
	"time"

	"tripmate/internal/trip/clock"
)

const tickInterval = time.Second

// Countdown is the resettable auto-dismiss timer for arrival prompts. The
// deadline is fixed at Start; motion pauses tick publishing but never moves
// the deadline. On expiry the countdown waits a short grace period so a
// concurrent explicit dismiss can win the race, then fires onExpire.
type Countdown struct {
	clk clock.Clock

	mu        sync.Mutex
	deadline  time.Time
	paused    bool
	cancelled bool
	running   bool
	stop      chan struct{}
}

// NewCountdown constructs a countdown over the given clock.
func NewCountdown(clk clock.Clock) *Countdown {
	return &Countdown{clk: clk}
}

// Start arms the countdown. A running countdown is cancelled first, so Start
// doubles as reset.
func (c *Countdown) Start(d, grace time.Duration, onTick func(remaining time.Duration), onExpire func()) {
	c.Cancel()

	c.mu.Lock()
	c.deadline = c.clk.Now().Add(d)
	c.paused = false
	c.cancelled = false
	c.running = true
	c.stop = make(chan struct{})
	stop := c.stop
	c.mu.Unlock()

	go c.run(stop, grace, onTick, onExpire)
}

func (c *Countdown) run(stop chan struct{}, grace time.Duration, onTick func(time.Duration), onExpire func()) {
	for {
		select {
		case <-stop:
			return
		case <-c.clk.After(tickInterval):
		}

		c.mu.Lock()
		if c.stop != stop {
			// superseded by Cancel or a newer Start
			c.mu.Unlock()
			return
		}
		remaining := c.deadline.Sub(c.clk.Now())
		paused := c.paused
		expired := remaining <= 0
		if expired {
			c.running = false
		}
		c.mu.Unlock()

		if expired {
			// grace window lets an in-flight explicit response win
			select {
			case <-stop:
				return
			case <-c.clk.After(grace):
			}
			c.mu.Lock()
			fire := c.stop == stop
			if fire {
				c.stop = nil
			}
			c.mu.Unlock()
			if fire && onExpire != nil {
				onExpire()
			}
			return
		}
		if !paused && onTick != nil {
			onTick(remaining)
		}
	}
}

// Pause suppresses tick publishing while the vehicle is moving. The deadline
// is untouched.
func (c *Countdown) Pause() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
}

// Resume re-enables tick publishing.
func (c *Countdown) Resume() {
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
}

// Cancel stops the countdown; safe to call when not running.
func (c *Countdown) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop != nil && !c.cancelled {
		c.cancelled = true
		c.running = false
		close(c.stop)
		c.stop = nil
	}
}

// Running reports whether the countdown is armed and not yet expired.
func (c *Countdown) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running && !c.cancelled
}

// Deadline returns the fixed expiry instant of the current run.
func (c *Countdown) Deadline() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deadline
}

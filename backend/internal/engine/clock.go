package engine

import (
	"log"
	"sync"
	"time"
)

// LeaseClock re-evaluates lock expiry on a fixed interval, independent of
// snapshots. After Stop returns no tick runs.
type LeaseClock struct {
	interval time.Duration
	tick     func(now time.Time)

	mu      sync.Mutex
	started bool
	stopped bool
	stop    chan struct{}
	done    chan struct{}
}

func NewLeaseClock(interval time.Duration, tick func(now time.Time)) *LeaseClock {
	if interval <= 0 {
		interval = time.Second
	}
	return &LeaseClock{
		interval: interval,
		tick:     tick,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (c *LeaseClock) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.stopped {
		return
	}
	c.started = true
	go c.run()
}

// Stop is idempotent and waits for a running tick to finish.
func (c *LeaseClock) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	started := c.started
	close(c.stop)
	c.mu.Unlock()
	if started {
		<-c.done
	}
}

func (c *LeaseClock) run() {
	defer close(c.done)
	t := time.NewTicker(c.interval)
	defer t.Stop()
	for {
		select {
		case <-c.stop:
			return
		case now := <-t.C:
			select {
			case <-c.stop:
				return
			default:
			}
			c.fire(now)
		}
	}
}

func (c *LeaseClock) fire(now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("lease clock tick panic: %v", r)
		}
	}()
	if c.tick != nil {
		c.tick(now)
	}
}
